// Command swarmclient opens a swarm of scripted clients against a swarmsim
// server and reports what each of them saw.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"swarmsim/config"
	"swarmsim/latency"
	"swarmsim/logging"
	"swarmsim/peer"
	"swarmsim/simclient"
)

func main() {
	defaults := config.Default()
	addr := flag.String("addr", defaults.Addr(), "server address")
	n := flag.Int("n", defaults.ClientNumber, "number of clients")
	control := flag.Bool("control", defaults.ControlFrames, "expect continue/terminate frames")
	report := flag.Uint64("latency", 0, "fixed latency to report in ms (0 = measured)")
	timeout := flag.Duration("timeout", defaults.ConnTimeout.Duration, "per-frame read timeout")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger := logging.Init(os.Stderr, *level, "text")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	stats, err := simclient.Swarm(ctx, *addr, *n, simclient.Options{
		ControlFrames: *control,
		Latency:       *report,
		Peer: peer.Options{
			ReadTimeout:  *timeout,
			WriteTimeout: *timeout,
			MaxRetries:   defaults.MaxRetries,
			Backoff:      defaults.RetryBackoff.Duration,
			NoDelay:      true,
		},
	})
	if err != nil {
		logger.Error("swarm failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var agg latency.Aggregator
	for i, st := range stats {
		agg.Record(st.Reported)
		logger.Debug("client finished",
			slog.Int("client", i),
			slog.Int("id", int(st.Init.ID)),
			slog.Int("broadcasts", st.Broadcasts),
			slog.Uint64("reported_ms", st.Reported))
	}
	avg, err := agg.Average()
	if err != nil {
		logger.Error("no clients reported", slog.String("error", err.Error()))
		os.Exit(1)
	}
	fmt.Printf("%d clients finished in %s, mean reported latency %dms (min %d, max %d)\n",
		agg.Count(), time.Since(start).Round(time.Millisecond), avg, agg.Min(), agg.Max())
}
