package report

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/quantgrid/qgr/types"
)

// SnapshotFunc returns the aggregated per-symbol order/risk/capital
// view. The orchestrator supplies it.
type SnapshotFunc func() interface{}

// Server serves /snapshot, /events (websocket), /metrics, /healthz,
// and the operator resume action on /resume.
type Server struct {
	addr     string
	hub      *Hub
	snapshot SnapshotFunc
	sugar    *zap.SugaredLogger
	upgrader websocket.Upgrader

	// ResumeFunc, when set, services POST /resume. It clears halts
	// that require operator confirmation.
	ResumeFunc func()
}

func NewServer(addr string, hub *Hub, snapshot SnapshotFunc, sugar *zap.SugaredLogger) *Server {
	return &Server{
		addr:     addr,
		hub:      hub,
		snapshot: snapshot,
		sugar:    sugar,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/snapshot", s.handleSnapshot)
	mux.HandleFunc("/events", s.handleEvents)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/resume", s.handleResume)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: s.addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		s.sugar.Infof("report server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	if s.ResumeFunc == nil {
		http.Error(w, "resume not wired", http.StatusNotImplemented)
		return
	}
	s.sugar.Info("operator resume requested")
	s.ResumeFunc()
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("resumed"))
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.snapshot()); err != nil {
		s.sugar.Errorf("encode snapshot: %s", err)
	}
}

// handleEvents upgrades to a websocket and pushes events. Event types
// are selected with ?types=order_filled,risk_state_changed; omitting
// the parameter subscribes to everything.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.sugar.Errorf("websocket upgrade: %s", err)
		return
	}
	var kinds []types.EventType
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			kinds = append(kinds, types.EventType(strings.TrimSpace(t)))
		}
	}
	sub := s.hub.Subscribe(kinds...)
	defer sub.Close()
	defer func() { _ = conn.Close() }()

	// drain client frames so pings/close are processed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Close()
				return
			}
		}
	}()

	for ev := range sub.C {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}
