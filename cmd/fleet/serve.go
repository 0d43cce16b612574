package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/everydev1618/fleet"
	"github.com/everydev1618/fleet/config"
	"github.com/everydev1618/fleet/engine"
	"github.com/everydev1618/fleet/protocol"
	"github.com/everydev1618/fleet/serve"
	"github.com/everydev1618/fleet/store"
)

// serveCmd starts the API server.
func serveCmd(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", "fleet.yaml", "Configuration file")
	addr := fs.String("addr", "", "HTTP listen address (overrides config)")
	dbPath := fs.String("db", "", "SQLite database path (overrides config)")
	verbose := fs.Bool("verbose", false, "Enable debug logging")

	fs.Usage = func() {
		fmt.Println(`Usage: fleet serve [options]

Start the REST API server. Stored clients are restored and clients listed in
the configuration file are registered if missing.

Options:`)
		fs.PrintDefaults()
		fmt.Println(`
Examples:
  fleet serve
  fleet serve --config /etc/fleet.yaml
  fleet serve --addr :8080 --db /tmp/fleet.db`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading %s: %v\n", *cfgPath, err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *verbose {
		cfg.LogLevel = "debug"
	}
	slog.SetDefault(cfg.Logger())

	st, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database %s: %v\n", cfg.DBPath, err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing database: %v\n", err)
		os.Exit(1)
	}

	m, err := newManager(cfg, st)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// The server registers its event hooks before any worker exists, so no
	// event of a restored client is missed.
	srv := serve.New(m, serve.Config{Addr: cfg.Addr, Heartbeat: cfg.Heartbeat})

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := m.Restore(ctx); err != nil {
		slog.Error("restore clients failed", "error", err)
	}
	seed(ctx, m, cfg.Clients)

	err = srv.Start(ctx)
	if cerr := m.Close(context.Background()); cerr != nil {
		slog.Warn("manager close", "error", cerr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newManager(cfg config.Config, st store.Store) (*fleet.Manager, error) {
	opts := []fleet.ManagerOption{
		fleet.WithStore(st),
		fleet.WithDialer(engine.TLSDialer{
			CertDir:            cfg.TLS.CertDir,
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
			Timeout:            cfg.TLS.DialTimeout,
		}),
		fleet.WithDefaults(cfg.Defaults),
	}
	mc := cfg.Manager
	if mc.MaxWorkers > 0 {
		opts = append(opts, fleet.WithMaxWorkers(mc.MaxWorkers))
	}
	if mc.RequestTimeout > 0 {
		opts = append(opts, fleet.WithRequestTimeout(mc.RequestTimeout))
	}
	if mc.InitTimeout > 0 {
		opts = append(opts, fleet.WithInitTimeout(mc.InitTimeout))
	}
	if mc.MetricsTimeout > 0 {
		opts = append(opts, fleet.WithMetricsTimeout(mc.MetricsTimeout))
	}
	if mc.StreamHeartbeat > 0 {
		opts = append(opts, fleet.WithHeartbeat(mc.StreamHeartbeat))
	}
	return fleet.NewManager(opts...)
}

// seed registers configured clients that are not stored yet and adds
// their hosts.
func seed(ctx context.Context, m *fleet.Manager, clients []config.Client) {
	for _, cc := range clients {
		_, err := m.Store().GetClientByName(ctx, cc.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("seed client lookup failed", "name", cc.Name, "error", err)
			continue
		}

		id, err := m.RegisterClient(ctx, cc.Name, cc.Options)
		if err != nil {
			slog.Warn("seed client failed", "name", cc.Name, "error", err)
			continue
		}
		for _, h := range cc.Hosts {
			h := h
			if _, err := m.SendRequest(ctx, id, protocol.Request{Type: protocol.ReqAddHost, Host: &h}); err != nil {
				slog.Warn("seed host failed", "client", cc.Name, "host", h.Name, "error", err)
			}
		}
	}
}
