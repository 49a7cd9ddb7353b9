package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/contactkeval/pryce/internal/logger"
	"github.com/contactkeval/pryce/internal/report"
	"github.com/contactkeval/pryce/internal/server"
	"github.com/contactkeval/pryce/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the calibration and pricing API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := newService(ctx, cmd)
		if err != nil {
			return err
		}
		return server.New(svc).Run(ctx, svc.Config().Server.Addr)
	},
}

var calibrateOpts struct {
	ticker string
	expiry string
	window float64
	out    string
}

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Calibrate the Heston model to one expiry of an option chain",
	RunE: func(cmd *cobra.Command, _ []string) error {
		svc, err := newService(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		var window *float64
		if cmd.Flags().Changed("window") {
			window = &calibrateOpts.window
		}

		start := time.Now()
		view, err := svc.Calibrate(cmd.Context(), calibrateOpts.ticker, calibrateOpts.expiry, window)
		if err != nil {
			return err
		}
		logger.Infof("calibrated %s %s in %v: %s", view.Ticker, view.Expiry, time.Since(start).Round(time.Millisecond), view.Params)
		if calibrateOpts.out == "" {
			return report.EncodeJSON(cmd.OutOrStdout(), view)
		}
		if err := report.WriteCalibration(view, calibrateOpts.out); err != nil {
			return err
		}
		logger.Infof("wrote %s and %s to %s", report.CalibrationFile, report.CurveFile, calibrateOpts.out)
		return nil
	},
}

var (
	priceReq service.PriceRequest
	priceOut string
	priceT   float64
	priceN   struct {
		paths, steps, outer, inner int
		seed                       uint64
		mult, tauFrac, k1, t1Frac  float64
	}
)

var priceCmd = &cobra.Command{
	Use:   "price",
	Short: "Price an exotic payoff under the calibrated model",
	RunE: func(cmd *cobra.Command, _ []string) error {
		svc, err := newService(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		req := priceReq
		f := cmd.Flags()
		if f.Changed("T") {
			req.T = &priceT
		}
		if f.Changed("paths") {
			req.Paths = &priceN.paths
		}
		if f.Changed("steps") {
			req.Steps = &priceN.steps
		}
		if f.Changed("seed") {
			req.Seed = &priceN.seed
		}
		if f.Changed("barrier-mult") {
			req.BarrierMult = &priceN.mult
		}
		if f.Changed("tau-frac") {
			req.ChooserTauFrac = &priceN.tauFrac
		}
		if f.Changed("k1") {
			req.K1 = &priceN.k1
		}
		if f.Changed("t1-frac") {
			req.T1Frac = &priceN.t1Frac
		}
		if f.Changed("n-outer") {
			req.Outer = &priceN.outer
		}
		if f.Changed("n-inner") {
			req.InnerPaths = &priceN.inner
		}

		resp, err := svc.Price(cmd.Context(), req)
		if err != nil {
			return err
		}
		logger.Infof("%s price %.4f (se %.4f, %d trials)", resp.Inputs.Type, resp.Results.Price, resp.Results.StdError, resp.Results.Trials)
		if priceOut == "" {
			return report.EncodeJSON(cmd.OutOrStdout(), resp)
		}
		return report.WritePrice(resp, priceOut)
	},
}

var payoffReq service.PayoffRequest

var payoffCmd = &cobra.Command{
	Use:   "payoff",
	Short: "Print the payoff formula and schematic for a contract type",
	RunE: func(cmd *cobra.Command, _ []string) error {
		svc, err := newService(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		resp, err := svc.Payoff(payoffReq)
		if err != nil {
			return err
		}
		return report.EncodeJSON(cmd.OutOrStdout(), resp)
	},
}

func init() {
	f := calibrateCmd.Flags()
	f.StringVar(&calibrateOpts.ticker, "ticker", "", "underlying ticker")
	f.StringVar(&calibrateOpts.expiry, "expiry", "", "expiry date, YYYY-MM-DD")
	f.Float64Var(&calibrateOpts.window, "window", 0.30, "moneyness window of the diagnostic curve")
	f.StringVar(&calibrateOpts.out, "out", "", "write calibration.json and curve.csv here instead of stdout")
	_ = calibrateCmd.MarkFlagRequired("ticker")
	_ = calibrateCmd.MarkFlagRequired("expiry")

	f = priceCmd.Flags()
	f.StringVar(&priceReq.Type, "type", "asian", "payoff: asian, barrier, chooser or compound")
	f.StringVar(&priceReq.Ticker, "ticker", "", "underlying ticker")
	f.StringVar(&priceReq.Expiry, "expiry", "", "expiry date, YYYY-MM-DD")
	f.Float64Var(&priceReq.K, "strike", 0, "strike (K2 for compound)")
	f.Float64Var(&priceT, "T", 0, "maturity in years, defaults to the time to expiry")
	f.IntVar(&priceN.paths, "paths", 30000, "Monte Carlo paths")
	f.IntVar(&priceN.steps, "steps", 252, "time steps over the maturity")
	f.Uint64Var(&priceN.seed, "seed", 42, "random seed")
	f.Float64Var(&priceN.mult, "barrier-mult", 1.2, "barrier as a multiple of the strike")
	f.Float64Var(&priceN.tauFrac, "tau-frac", 0.25, "chooser decision time as a fraction of T")
	f.Float64Var(&priceN.k1, "k1", 10, "compound premium strike")
	f.Float64Var(&priceN.t1Frac, "t1-frac", 0.5, "compound first expiry as a fraction of T")
	f.StringVar(&priceReq.Inner, "inner", "", "nested valuation: montecarlo or analytic")
	f.IntVar(&priceN.outer, "n-outer", 3000, "outer paths of nested payoffs")
	f.IntVar(&priceN.inner, "n-inner", 250, "inner paths per outer path")
	f.StringVar(&priceOut, "out", "", "write price.json here instead of stdout")
	_ = priceCmd.MarkFlagRequired("ticker")
	_ = priceCmd.MarkFlagRequired("expiry")
	_ = priceCmd.MarkFlagRequired("strike")

	f = payoffCmd.Flags()
	f.StringVar(&payoffReq.Type, "type", "asian", "payoff: asian, barrier, chooser or compound")
	f.Float64Var(&payoffReq.K, "strike", 100, "strike")
}
