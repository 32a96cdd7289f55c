package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/sleepd-kobo/internal/activity"
	"github.com/openclaw/sleepd-kobo/internal/alarm"
	"github.com/openclaw/sleepd-kobo/internal/bus"
	"github.com/openclaw/sleepd-kobo/internal/client"
	clockpkg "github.com/openclaw/sleepd-kobo/internal/clock"
	"github.com/openclaw/sleepd-kobo/internal/config"
	"github.com/openclaw/sleepd-kobo/internal/idle"
	"github.com/openclaw/sleepd-kobo/internal/platform"
	"github.com/openclaw/sleepd-kobo/internal/status"
	"github.com/openclaw/sleepd-kobo/internal/suspend"
	"github.com/openclaw/sleepd-kobo/internal/tailnet"
	"github.com/openclaw/sleepd-kobo/internal/timesaver"
)

func main() {
	cfgPath := flag.String("config", "/etc/sleepd/config.json", "path to config file")
	tailnetHostname := flag.String("tailnet-hostname", "", "tailnet hostname override")
	tailnetStateDir := flag.String("tailnet-state-dir", "", "tsnet state directory override")
	logLevel := flag.String("log-level", "", "log level override")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *tailnetHostname != "" {
		cfg.TailnetHostname = *tailnetHostname
	}
	if *tailnetStateDir != "" {
		cfg.TailnetStateDir = *tailnetStateDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if cfg.TailnetHostname == "" {
		cfg.TailnetHostname = "sleepd-" + platform.MachineName()
	}
	if cfg.TailnetStateDir == "" {
		cfg.TailnetStateDir = filepath.Join(filepath.Dir(*cfgPath), "tsnet-state")
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	setupLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	realClock := clockpkg.New()
	activities := activity.New()
	clients := client.New()
	alarms := alarm.NewFileService(cfg.AlarmTablePath)
	saver := timesaver.New(cfg.TimesaverPath)
	device := platform.NewLinuxDevice(cfg.SuspendStatePath)
	freezeMode := !platform.SupportsWakelocks(cfg.WakelockPath)

	if savedAt, ok, err := saver.Load(); err != nil {
		log.Warn().Err(err).Msg("sleepd: failed to read timesaver record")
	} else if ok {
		log.Info().Time("saved_at", savedAt).Msg("sleepd: recovered last known wall-clock time before this boot")
	}

	tail := tailnet.New(tailnet.Config{
		Hostname: cfg.TailnetHostname,
		StateDir: cfg.TailnetStateDir,
		Logf:     log.Printf,
	})
	defer func() {
		_ = tail.Close()
	}()
	if err := tail.Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("sleepd: failed to bring up tailnet")
	}

	var machine *suspend.Machine
	hub := bus.New(clients, func() {
		if machine != nil {
			machine.Post(suspend.EventVoteChanged)
		}
	}, log.Logger)

	suspendCfg := suspend.Config{
		WaitSuspendResponseMs: int64(cfg.WaitSuspendResponseMs),
		WaitPrepareSuspendMs:  int64(cfg.WaitPrepareSuspendMs),
		SuspendWithCharger:    cfg.SuspendWithCharger,
		StrictPhaseTimeout:    cfg.StrictPhaseTimeout,
	}
	idleCfg := idle.Config{
		WaitIdleMs:            int64(cfg.WaitIdleMs),
		WaitIdleGranularityMs: int64(cfg.WaitIdleGranularityMs),
		AfterResumeIdleMs:     int64(cfg.AfterResumeIdleMs),
		WaitAlarmsS:           int64(cfg.WaitAlarmsS),
		ReadinessPath:         cfg.ReadinessPath,
	}
	machine = suspend.New(suspendCfg, realClock, activities, clients, alarms, device, saver, hub, freezeMode, idleCfg, platform.ReadinessSentinel, log.Logger)

	listener, err := tail.Listen("tcp", cfg.BusListenAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("sleepd: failed to listen on tailnet")
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.HandleFunc("/status/display", statusHandler(func(payload []byte, current bool) bool {
		return status.ApplyDisplay(payload, current)
	}, machine.DisplayOn, machine.SetDisplay))
	mux.HandleFunc("/status/charger", statusHandler(func(payload []byte, current bool) bool {
		return status.ApplyCharger(payload, current)
	}, func() bool { return machine.Snapshot().ChargerConnected }, func(connected bool) {
		machine.SetCharger(connected)
		if cfg.ChargeBypassEnabled {
			if err := platform.SetChargeBypass(connected); err != nil {
				log.Warn().Err(err).Msg("sleepd: failed to toggle charge bypass")
			}
		}
	}))
	server := &http.Server{Handler: mux}
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("sleepd: bus listener stopped")
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info().Str("hostname", cfg.TailnetHostname).Str("bus_addr", cfg.BusListenAddr).Bool("freeze_mode", freezeMode).
		Msg("sleepd: started")

	machine.Run(ctx)
	log.Info().Msg("sleepd: stopped")
}

// statusHandler adapts one of internal/status's decode functions into an
// HTTP endpoint: read the current signal, apply the posted payload, and
// push the result back through set on every accepted request, whether or
// not it changed.
func statusHandler(apply func(payload []byte, current bool) bool, current func() bool, set func(bool)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			log.Warn().Err(err).Msg("sleepd: failed to read status payload")
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		set(apply(body, current()))
		w.WriteHeader(http.StatusNoContent)
	}
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	if level == "" {
		return
	}
	if parsed, err := zerolog.ParseLevel(level); err == nil {
		log.Logger = log.Level(parsed)
	}
}
