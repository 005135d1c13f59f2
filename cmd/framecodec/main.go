// Package main provides framecodec, a round-trip benchmark for the encoder
// and decoder sessions.
//
// Each stream encodes synthetic frames, feeds the packets straight into a
// decoder and verifies that every decoded image carries the frame id and
// capture time of the frame it came from. Stage timers are printed per
// stream and can be scraped from /metrics while the run is in progress.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/framecodec/codec"
	_ "github.com/opd-ai/framecodec/codec/ffmpeg"
	_ "github.com/opd-ai/framecodec/codec/soft"
)

// printUsage prints the usage information.
func printUsage(w io.Writer) {
	fmt.Fprintln(w, "framecodec: encode/decode round-trip benchmark")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintf(w, "  %s [options]\n", os.Args[0])
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Options:")
	var (
		cli CLIConfig
		fps int
	)
	s := defaultSettings()
	newFlagSet(&cli, &s, &fps, w).PrintDefaults()
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintf(w, "  %s -frames 300 -gop 30 -streams 4\n", os.Args[0])
	fmt.Fprintf(w, "  %s -config run.yaml -metrics-addr :9102 -hold 1m\n", os.Args[0])
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Registered codec libraries: %v\n", codec.Libraries())
}

// setupSignalHandling cancels the run on interrupt.
func setupSignalHandling(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)

	go func() {
		sig := <-sigChan
		logrus.WithField("signal", sig.String()).Warn("Interrupted, stopping streams")
		cancel()
	}()
}

// serveMetrics starts the Prometheus endpoint and returns its shutdown function.
func serveMetrics(addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "serveMetrics",
				"addr":     addr,
				"error":    err.Error(),
			}).Error("Metrics server failed")
		}
	}()
	logrus.WithField("addr", addr).Info("Serving metrics on /metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// run executes the configured streams and reports whether all passed.
func run(ctx context.Context, s Settings) (bool, error) {
	var reg *prometheus.Registry
	if s.Run.MetricsAddr != "" {
		reg = prometheus.NewRegistry()
		shutdown := serveMetrics(s.Run.MetricsAddr, reg)
		defer shutdown()
	}

	var registerer prometheus.Registerer
	if reg != nil {
		registerer = reg
	}
	results, err := runAll(ctx, s, registerer)
	if err != nil {
		return false, err
	}

	ok := true
	for _, r := range results {
		logrus.WithFields(logrus.Fields{
			"stream":     r.Stream,
			"codec":      r.Codec,
			"accel":      r.Accel.String(),
			"sent":       r.Sent,
			"decoded":    r.Decoded,
			"keyframes":  r.Keyframes,
			"bytes":      r.Bytes,
			"mismatches": r.Mismatches,
			"missing":    r.Missing,
			"elapsed":    r.Elapsed,
		}).Info("Stream finished")
		ok = ok && r.OK()
	}

	if reg != nil && s.Run.Hold > 0 {
		logrus.WithField("hold", s.Run.Hold).Info("Holding metrics endpoint open")
		select {
		case <-time.After(s.Run.Hold):
		case <-ctx.Done():
		}
	}
	return ok, nil
}

func main() {
	cli, err := parseCLIFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(2)
	}
	if cli.help {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	if err := validateSettings(cli.settings); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		fmt.Fprintln(os.Stderr, "Use -help for usage information.")
		os.Exit(2)
	}

	level, err := logrus.ParseLevel(cli.settings.Run.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(2)
	}
	logrus.SetLevel(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandling(cancel)

	ok, err := run(ctx, cli.settings)
	if err != nil {
		logrus.WithError(err).Error("Round trip failed")
		os.Exit(1)
	}
	if !ok {
		logrus.Error("Round trip finished with timestamp mismatches")
		os.Exit(1)
	}
	logrus.Info("All streams verified")
}
