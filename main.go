package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kdbusd/internal/audit"
	"kdbusd/internal/bus"
	"kdbusd/internal/httpapi"
	"kdbusd/internal/metrics"
	"kdbusd/internal/names"
	"kdbusd/internal/policy"
	"kdbusd/internal/subsystem"
	"kdbusd/internal/transport/webtransport"
)

// Version is the current daemon version. Set at build time via -ldflags.
var Version = "0.1.0-dev"

func main() {
	// Check for CLI subcommands before parsing flags.
	if len(os.Args) > 1 {
		// Default DB path for CLI commands (overridable by the -db flag in serve mode).
		cliDB := "kdbusd.db"
		if RunCLI(os.Args[1:], cliDB) {
			return
		}
	}

	addr := flag.String("addr", ":8443", "WebTransport listen address")
	apiAddr := flag.String("api-addr", ":8080", "introspection API listen address (empty to disable)")
	dbPath := flag.String("db", "kdbusd.db", "SQLite audit database path (empty to disable auditing)")
	busName := flag.String("bus", "system", "name of the bus created at startup")
	certValidity := flag.Duration("cert-validity", 24*time.Hour, "self-signed TLS certificate validity")
	metricsInterval := flag.Duration("metrics-interval", 5*time.Second, "gauge refresh interval")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on interrupt.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	var st *audit.Store
	if *dbPath != "" {
		var err error
		st, err = audit.Open(*dbPath)
		if err != nil {
			log.Error("audit store", "err", err)
			os.Exit(1)
		}
		defer st.Close()
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewBusMetrics(reg, "kdbusd")

	sys := subsystem.New(log)
	defer sys.Shutdown()

	verbNames := map[policy.Verb]string{policy.Own: "own", policy.TalkTo: "talk", policy.See: "see"}
	sys.Root.SetHooks(&bus.Hooks{
		OnPolicyDenied: func(verb policy.Verb, object string, uid, gid uint32) {
			m.ObserveDenial(verbNames[verb])
			if err := st.InsertDenial(ctx, verbNames[verb], object, uid, gid); err != nil {
				log.Warn("audit denial", "err", err)
			}
		},
		OnNameEvent: func(ev names.Event) {
			event := "acquired"
			if ev.Kind == names.EventNameLost {
				event = "lost"
			}
			if err := st.InsertNameTransition(ctx, ev.Name, ev.ConnID, event); err != nil {
				log.Warn("audit name transition", "err", err)
			}
		},
		OnRouted: m.ObserveRouted,
		OnFanout: m.ObserveFanout,
	})

	// Create the startup bus with a world-open policy; tighter buses are
	// created at runtime through control handles.
	ctrl := sys.OpenControl()
	world := policy.Subject{World: true}
	if _, err := ctrl.MakeBus(*busName, 0, &policy.Policy{Rules: []policy.Rule{
		{Subject: world, Verb: policy.Own, Object: "*", Allow: true},
		{Subject: world, Verb: policy.TalkTo, Object: "*", Allow: true},
		{Subject: world, Verb: policy.See, Object: "*", Allow: true},
	}}); err != nil {
		log.Error("create bus", "bus", *busName, "err", err)
		os.Exit(1)
	}
	defer ctrl.Close()
	log.Info("bus created", "bus", *busName)

	go m.Run(ctx, sys.Root, *metricsInterval, log)

	if *apiAddr != "" {
		api := httpapi.New(sys.Root)
		api.MountMetrics(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := api.Run(ctx, *apiAddr); err != nil {
				log.Error("api server", "err", err)
				cancel()
			}
		}()
		log.Info("api listening", "addr", *apiAddr)
	}

	// Extract the hostname from the listen address for the TLS certificate.
	tlsHostname := ""
	if host, _, err := net.SplitHostPort(*addr); err == nil && host != "" {
		tlsHostname = host
	}
	tlsConfig, fingerprint, err := webtransport.GenerateTLSConfig(*certValidity, tlsHostname)
	if err != nil {
		log.Error("tls", "err", err)
		os.Exit(1)
	}
	log.Info("tls certificate generated", "fingerprint", fingerprint)

	srv := webtransport.NewServer(*addr, tlsConfig, sys, log)
	if err := srv.Run(ctx); err != nil {
		log.Error("webtransport server", "err", err)
		os.Exit(1)
	}
}
