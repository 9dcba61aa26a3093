package main

import (
	"github.com/urfave/cli/v2"

	"github.com/quantgrid/qgr/cmd/utils"
	"github.com/quantgrid/qgr/trader"
)

var (
	tradeCommand = &cli.Command{
		Action: trade,
		Name:   "trade",
		Usage:  "Run the grid engines for all configured symbols",
	}
	dumpCommand = &cli.Command{
		Action: dump,
		Name:   "dump",
		Usage:  "Summarize recorded trade profit per symbol",
		Flags: []cli.Flag{
			utils.StartTimeFlag,
			utils.EndTimeFlag,
		},
	}
	clearCommand = &cli.Command{
		Action: clear,
		Name:   "clear",
		Usage:  "Wipe order and capital state, keeping trade history",
	}
)

func trade(ctx *cli.Context) error {
	t := trader.New(ctx.String(utils.ConfigFlag.Name))
	if err := t.Init(ctx.Context); err != nil {
		return err
	}
	return t.Trade(ctx.Context)
}

func dump(ctx *cli.Context) error {
	start, end, err := utils.ParseStartEndTime(
		ctx.String(utils.StartTimeFlag.Name),
		ctx.String(utils.EndTimeFlag.Name),
	)
	if err != nil {
		return err
	}
	t := trader.New(ctx.String(utils.ConfigFlag.Name))
	if err = t.InitStore(ctx.Context); err != nil {
		return err
	}
	defer t.Close(ctx.Context)
	return t.Dump(ctx.Context, start, end)
}

func clear(ctx *cli.Context) error {
	t := trader.New(ctx.String(utils.ConfigFlag.Name))
	if err := t.InitStore(ctx.Context); err != nil {
		return err
	}
	defer t.Close(ctx.Context)
	return t.Clear(ctx.Context)
}
