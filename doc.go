// Package fleet manages remote container-engine daemons on behalf of many
// tenants.
//
// Each client (tenant) runs in its own worker that owns the daemon
// connections of the client's hosts, a monitoring orchestrator and a stream
// multiplexer. The Manager keeps a bounded pool of workers and talks to them
// only through encoded messages:
//
//   - Correlated requests and responses matched by request id
//   - Uncorrelated event envelopes dispatched to plugin hooks
//   - A cron scheduler for per-client maintenance
//
// # Quick Start
//
//	st, err := store.NewSQLiteStore(".fleet.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	st.Init()
//
//	m, err := fleet.NewManager(fleet.WithStore(st))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer m.Close(context.Background())
//
//	id, err := m.RegisterClient(ctx, "acme", protocol.ClientOptions{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	_, err = m.SendRequest(ctx, id, protocol.Request{
//	    Type: protocol.ReqAddHost,
//	    Host: &protocol.Host{Name: "web-1", Host: "10.0.0.5", Port: 2376, Secure: true},
//	})
//
// # Plugins
//
// Plugins receive every event a worker emits:
//
//	m.RegisterPlugin(fleet.Plugin{
//	    Name: "audit",
//	    Hooks: map[protocol.EventType]fleet.HookFunc{
//	        protocol.EventHostHealthChanged: func(e fleet.ClientEvent) { ... },
//	    },
//	})
package fleet
