package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantgrid/qgr/report"
)

func newTestGovernor(conf Conf) *Governor {
	return NewGovernor(conf, report.NewHub(zap.NewNop().Sugar()), zap.NewNop().Sugar())
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestDrawdownHaltsEverything(t *testing.T) {
	g := newTestGovernor(DefaultConf())
	g.Admit("BTC/USDT", decimal.Zero)
	g.Admit("ETH/USDT", decimal.Zero)
	now := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)

	g.UpdateEquity(d("10000"), now)
	ok, _ := g.AllowSubmit("BTC/USDT", now)
	require.True(t, ok)

	// 16% down from peak: warning only
	g.UpdateEquity(d("8400"), now.Add(time.Hour))
	ok, _ = g.AllowSubmit("BTC/USDT", now.Add(time.Hour))
	require.True(t, ok)
	global, _ := g.Snapshot()
	require.Equal(t, "WARNING", global.State)

	// 21% down: halt all symbols
	g.UpdateEquity(d("7900"), now.Add(2*time.Hour))
	ok, cause := g.AllowSubmit("BTC/USDT", now.Add(2*time.Hour))
	require.False(t, ok)
	require.Equal(t, CauseDrawdown, cause)
	ok, _ = g.AllowSubmit("ETH/USDT", now.Add(2*time.Hour))
	require.False(t, ok)
	require.True(t, g.TakeFlatten("BTC/USDT"))
	require.False(t, g.TakeFlatten("BTC/USDT"), "flatten is delivered once")

	// recovery without a manual resume must not clear the halt
	g.UpdateEquity(d("9500"), now.Add(3*time.Hour))
	ok, _ = g.AllowSubmit("BTC/USDT", now.Add(3*time.Hour))
	require.False(t, ok)

	g.Resume(now.Add(4 * time.Hour))
	ok, _ = g.AllowSubmit("BTC/USDT", now.Add(4*time.Hour))
	require.True(t, ok)
	// peak reset on resume: same equity is no longer a drawdown
	g.UpdateEquity(d("9500"), now.Add(5*time.Hour))
	global, _ = g.Snapshot()
	require.Equal(t, "RUNNING", global.State)
}

func TestStopLossHaltsOneSymbol(t *testing.T) {
	g := newTestGovernor(DefaultConf())
	g.Admit("BTC/USDT", d("100"))
	g.Admit("ETH/USDT", d("100"))
	now := time.Now()

	g.RecordPnL("BTC/USDT", d("-60"), d("-50"), now)

	ok, cause := g.AllowSubmit("BTC/USDT", now)
	require.False(t, ok)
	require.Equal(t, CauseStopLoss, cause)
	require.True(t, g.TakeFlatten("BTC/USDT"))

	// the other symbol keeps trading
	ok, _ = g.AllowSubmit("ETH/USDT", now)
	require.True(t, ok)
	require.False(t, g.TakeFlatten("ETH/USDT"))

	// stop-loss requires an explicit operator resume
	ok, _ = g.AllowSubmit("BTC/USDT", now.Add(24*time.Hour))
	require.False(t, ok)
	g.ResumeSymbol("BTC/USDT", now.Add(24*time.Hour))
	ok, _ = g.AllowSubmit("BTC/USDT", now.Add(24*time.Hour))
	require.True(t, ok)
}

func TestDailyLossAutoResumesAtRollover(t *testing.T) {
	conf := DefaultConf()
	conf.DailyLossLimit = d("500")
	g := newTestGovernor(conf)
	g.Admit("BTC/USDT", decimal.Zero)

	day1 := time.Date(2021, 6, 1, 9, 0, 0, 0, time.UTC)
	g.UpdateEquity(d("10000"), day1)
	g.UpdateEquity(d("9400"), day1.Add(4*time.Hour))

	ok, cause := g.AllowSubmit("BTC/USDT", day1.Add(5*time.Hour))
	require.False(t, ok)
	require.Equal(t, CauseDailyLoss, cause)

	// next UTC day: window resets without operator action
	day2 := day1.Add(24 * time.Hour)
	ok, _ = g.AllowSubmit("BTC/USDT", day2)
	require.True(t, ok)
}

func TestCircuitBreakerCooldownAndProbe(t *testing.T) {
	conf := DefaultConf()
	conf.MaxFailures = 3
	conf.BreakerCooldown = time.Minute
	g := newTestGovernor(conf)
	g.Admit("BTC/USDT", decimal.Zero)
	now := time.Now()

	g.ReportFailure("BTC/USDT", now)
	g.ReportFailure("BTC/USDT", now)
	ok, _ := g.AllowSubmit("BTC/USDT", now)
	require.True(t, ok, "below threshold")

	g.ReportFailure("BTC/USDT", now)
	ok, cause := g.AllowSubmit("BTC/USDT", now)
	require.False(t, ok)
	require.Equal(t, CauseBreaker, cause)

	// still cooling down
	ok, _ = g.AllowSubmit("BTC/USDT", now.Add(30*time.Second))
	require.False(t, ok)

	// cooldown elapsed: exactly one probe goes through
	probeAt := now.Add(2 * time.Minute)
	ok, _ = g.AllowSubmit("BTC/USDT", probeAt)
	require.True(t, ok)
	ok, _ = g.AllowSubmit("BTC/USDT", probeAt)
	require.False(t, ok, "only one probe while half-open")

	g.ReportSuccess("BTC/USDT", probeAt)
	ok, _ = g.AllowSubmit("BTC/USDT", probeAt)
	require.True(t, ok)
	_, perSymbol := g.Snapshot()
	require.Equal(t, "RUNNING", perSymbol["BTC/USDT"].State)
	require.Equal(t, 0, perSymbol["BTC/USDT"].Failures)
}

func TestBreakerProbeFailureRearms(t *testing.T) {
	conf := DefaultConf()
	conf.MaxFailures = 2
	conf.BreakerCooldown = time.Minute
	g := newTestGovernor(conf)
	g.Admit("BTC/USDT", decimal.Zero)
	now := time.Now()

	g.ReportFailure("BTC/USDT", now)
	g.ReportFailure("BTC/USDT", now)

	probeAt := now.Add(2 * time.Minute)
	ok, _ := g.AllowSubmit("BTC/USDT", probeAt)
	require.True(t, ok)

	g.ReportFailure("BTC/USDT", probeAt)
	ok, _ = g.AllowSubmit("BTC/USDT", probeAt.Add(30*time.Second))
	require.False(t, ok, "fresh cooldown after failed probe")
	ok, _ = g.AllowSubmit("BTC/USDT", probeAt.Add(2*time.Minute))
	require.True(t, ok)
}

func TestBreakerResumesOnCleanPassAfterCooldown(t *testing.T) {
	conf := DefaultConf()
	conf.MaxFailures = 2
	conf.BreakerCooldown = time.Minute
	g := newTestGovernor(conf)
	g.Admit("BTC/USDT", decimal.Zero)
	now := time.Now()

	g.ReportFailure("BTC/USDT", now)
	g.ReportFailure("BTC/USDT", now)
	require.True(t, g.SymbolHalted("BTC/USDT"))
	require.False(t, g.ShouldProbe("BTC/USDT", now.Add(30*time.Second)), "still cooling down")

	probeAt := now.Add(2 * time.Minute)
	require.True(t, g.ShouldProbe("BTC/USDT", probeAt))

	// a converged ladder places nothing during the probe pass; the
	// pass completing cleanly is still enough to close the breaker
	g.ReportSuccess("BTC/USDT", probeAt)
	require.False(t, g.SymbolHalted("BTC/USDT"))
}

func TestBreakerFailureWhileHalfOpenRearms(t *testing.T) {
	conf := DefaultConf()
	conf.MaxFailures = 2
	conf.BreakerCooldown = time.Minute
	g := newTestGovernor(conf)
	g.Admit("BTC/USDT", decimal.Zero)
	now := time.Now()

	g.ReportFailure("BTC/USDT", now)
	g.ReportFailure("BTC/USDT", now)

	// pass fails before any submission consults AllowSubmit
	probeAt := now.Add(2 * time.Minute)
	g.ReportFailure("BTC/USDT", probeAt)
	require.False(t, g.ShouldProbe("BTC/USDT", probeAt.Add(30*time.Second)), "fresh cooldown")
	require.True(t, g.ShouldProbe("BTC/USDT", probeAt.Add(2*time.Minute)))
}

func TestDivergenceEscalation(t *testing.T) {
	g := newTestGovernor(DefaultConf())
	g.Admit("BTC/USDT", decimal.Zero)
	now := time.Now()

	g.EscalateDivergence("BTC/USDT", "order o-7 unresolved after 5 queries", now)
	ok, cause := g.AllowSubmit("BTC/USDT", now)
	require.False(t, ok)
	require.Equal(t, CauseDivergence, cause)
	require.True(t, g.SymbolHalted("BTC/USDT"))

	// breaker auto-resume never applies to divergence halts
	ok, _ = g.AllowSubmit("BTC/USDT", now.Add(time.Hour))
	require.False(t, ok)
	g.ResumeSymbol("BTC/USDT", now.Add(time.Hour))
	require.False(t, g.SymbolHalted("BTC/USDT"))
}
