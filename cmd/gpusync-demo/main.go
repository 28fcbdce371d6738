// Command gpusync-demo runs the gpusync end-to-end scenarios on a backend.
//
// Settings come from flags, falling back to the environment and an optional
// .env file in the working directory:
//
//	GPUSYNC_BACKEND    backend name (sim, wgpu); empty picks the best available
//	GPUSYNC_SCENARIO   scenario name or "all"
//	GPUSYNC_FRAMES     frames paced by the frames scenario
//	GPUSYNC_INFLIGHT   frames in flight for the frames scenario
//	GPUSYNC_TIMEOUT    overall timeout, e.g. 30s
//	GPUSYNC_LOG_LEVEL  logrus level (debug, info, warn, error)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/gogpu/gpusync"
	"github.com/gogpu/gpusync/backend"
	"github.com/gogpu/gpusync/backend/sim"
	"github.com/gogpu/gpusync/backend/wgpu"
	"github.com/gogpu/gpusync/internal/demo"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("Failed to load .env: %v", err)
	}

	var (
		backendName = flag.String("backend", env("GPUSYNC_BACKEND", ""), "backend name; empty picks the best available")
		scenario    = flag.String("scenario", env("GPUSYNC_SCENARIO", "all"), "scenario to run, or all")
		frames      = flag.Int("frames", envInt("GPUSYNC_FRAMES", 8), "frames paced by the frames scenario")
		inFlight    = flag.Int("inflight", envInt("GPUSYNC_INFLIGHT", 2), "frames in flight")
		timeout     = flag.Duration("timeout", envDuration("GPUSYNC_TIMEOUT", 30*time.Second), "overall timeout")
		level       = flag.String("log-level", env("GPUSYNC_LOG_LEVEL", "info"), "log level")
		list        = flag.Bool("list", false, "list scenarios and backends, then exit")
	)
	flag.Parse()

	if err := setupLogging(*level); err != nil {
		log.Fatal(err)
	}
	if *list {
		printList()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, *backendName, *scenario, demo.Config{Frames: *frames, InFlight: *inFlight}); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func run(ctx context.Context, backendName, scenario string, cfg demo.Config) error {
	c, err := gpusync.Open(backendName, gpusync.WithLabel("gpusync-demo"))
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.WithError(err).Warn("Context close failed")
		}
	}()
	log.WithField("backend", c.Device().Name()).Info("Device opened")
	if d, ok := c.Device().(*wgpu.Device); ok {
		log.WithField("adapter", d.Info().String()).Info("Adapter selected")
	}

	var results []demo.Result
	if scenario == "all" {
		results, err = demo.RunAll(ctx, c, cfg)
	} else {
		s, ok := demo.Lookup(scenario)
		if !ok {
			return fmt.Errorf("unknown scenario %q (have %s)", scenario, strings.Join(demo.Names(), ", "))
		}
		var r demo.Result
		r, err = s.Run(ctx, c, cfg)
		if err == nil {
			results = append(results, r)
		}
	}
	for _, r := range results {
		log.WithFields(log.Fields{
			"submissions": r.Submissions,
			"barriers":    r.Barriers,
			"fence":       r.Fence,
			"verified":    r.Verified,
		}).Infof("Scenario %s passed", r.Scenario)
	}
	return err
}

func printList() {
	fmt.Println("Scenarios:")
	for _, name := range demo.Names() {
		s, _ := demo.Lookup(name)
		fmt.Printf("  %-12s %s\n", name, s.Description)
	}
	fmt.Println("Backends:")
	for _, name := range backend.Available() {
		fmt.Printf("  %s\n", name)
	}
}

// setupLogging routes the slog output of gpusync and its backends to logrus.
func setupLogging(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	l := newSlogLogger(log.StandardLogger())
	gpusync.SetLogger(l)
	sim.SetLogger(l)
	wgpu.SetLogger(l)
	return nil
}

func env(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warnf("Ignoring %s=%q: %v", key, v, err)
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warnf("Ignoring %s=%q: %v", key, v, err)
		return def
	}
	return d
}
