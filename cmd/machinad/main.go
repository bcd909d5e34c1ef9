// Command machinad hosts declarative components: it loads component
// documents, wires the broker, persistence, the HTTP gateway and
// observability, restores persisted instances and runs until signalled.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	// SQL drivers for the database/sql event store backends.
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"gopkg.in/yaml.v3"

	"github.com/fluxorio/machina/pkg/broadcast"
	"github.com/fluxorio/machina/pkg/broker"
	"github.com/fluxorio/machina/pkg/config"
	"github.com/fluxorio/machina/pkg/core"
	"github.com/fluxorio/machina/pkg/eventstore"
	"github.com/fluxorio/machina/pkg/gateway"
	"github.com/fluxorio/machina/pkg/model"
	"github.com/fluxorio/machina/pkg/observability"
	obs "github.com/fluxorio/machina/pkg/observability/prometheus"
	"github.com/fluxorio/machina/pkg/persistence"
	"github.com/fluxorio/machina/pkg/registry"
	"github.com/fluxorio/machina/pkg/runtime"
)

func main() {
	configPath := flag.String("config", "", "path to the machinad config file (YAML or JSON)")
	flag.Parse()

	logger := core.NewDefaultLogger()
	if err := run(*configPath, logger); err != nil {
		logger.Errorf("machinad: %v", err)
		os.Exit(1)
	}
}

func run(configPath string, logger core.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := obs.GetMetrics()

	tracer, shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		Exporter:    cfg.Tracing.Exporter,
		ZipkinURL:   cfg.Tracing.ZipkinURL,
		ServiceName: cfg.Tracing.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	mb, closeBroker, err := openBroker(cfg, logger)
	if err != nil {
		return err
	}
	defer closeBroker()

	components, err := loadComponents(cfg.Components)
	if err != nil {
		return err
	}
	if len(components) == 0 {
		logger.Warnf("no component documents configured; the gateway will serve an empty registry")
	}

	reg := registry.New(registry.WithLogger(logger), registry.WithBroker(mb))
	gw := gateway.New(reg, gateway.WithLogger(logger), gateway.WithJWTSecret(cfg.Gateway.JWTSecret))

	var broadcasters []*broadcast.Broadcaster
	for _, component := range components {
		mgr := persistence.NewManager(store,
			persistence.WithLogger(logger),
			persistence.WithMetrics(metrics),
			persistence.WithSnapshotInterval(cfg.Persistence.SnapshotInterval),
		)
		rt, err := runtime.New(component,
			runtime.WithLogger(logger),
			runtime.WithPersistence(mgr),
			runtime.WithMetrics(metrics),
			runtime.WithTracer(tracer),
		)
		if err != nil {
			return fmt.Errorf("component %s: %w", component.Name, err)
		}
		if err := reg.Register(rt); err != nil {
			return err
		}
		gw.Attach(rt)

		result, err := mgr.Restore(ctx, rt)
		if err != nil {
			return fmt.Errorf("restore %s: %w", component.Name, err)
		}
		if err := rt.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", component.Name, err)
		}
		defer rt.Stop()
		logger.Infof("component %s up (%d instances restored)", component.Name, result.Restored)

		bc := broadcast.New(rt, mb,
			broadcast.WithLogger(logger),
			broadcast.WithMetrics(metrics),
			broadcast.WithHeartbeatInterval(cfg.Broadcast.HeartbeatInterval),
			broadcast.WithBufferCap(cfg.Broadcast.BufferCap),
		)
		if err := bc.Start(); err != nil {
			return fmt.Errorf("broadcaster %s: %w", component.Name, err)
		}
		broadcasters = append(broadcasters, bc)
	}
	defer func() {
		for _, bc := range broadcasters {
			bc.Stop()
		}
	}()

	if !cfg.Gateway.Enabled {
		logger.Infof("gateway disabled; running until signal")
		<-ctx.Done()
		return nil
	}

	errCh := make(chan error, 1)
	go func() {
		wsAddr := ""
		if cfg.Gateway.WebSocket {
			wsAddr = cfg.Gateway.WSAddr
		}
		errCh <- gw.ListenAndServe(cfg.Gateway.Addr, wsAddr)
	}()

	select {
	case <-ctx.Done():
		logger.Infof("shutting down")
		return gw.Shutdown()
	case err := <-errCh:
		return err
	}
}

func loadComponents(paths []string) ([]*model.Component, error) {
	var out []*model.Component
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("component document %s: %w", path, err)
		}
		component := &model.Component{}
		if err := yaml.Unmarshal(data, component); err != nil {
			return nil, fmt.Errorf("component document %s: %w", path, err)
		}
		if err := component.Validate(); err != nil {
			return nil, fmt.Errorf("component document %s: %w", path, err)
		}
		out = append(out, component)
	}
	return out, nil
}

func openStore(ctx context.Context, cfg *config.Config) (eventstore.Store, func(), error) {
	switch cfg.Persistence.Backend {
	case "memory":
		return eventstore.NewMemoryStore(), func() {}, nil
	case "sqlite":
		store, err := eventstore.NewSQLStore(ctx, eventstore.DefaultSQLConfig(cfg.Persistence.DSN, "sqlite3"))
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite store: %w", err)
		}
		return store, func() { store.Close() }, nil
	case "postgres":
		store, err := eventstore.NewPostgresStore(ctx, cfg.Persistence.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres store: %w", err)
		}
		return store, func() { store.Close() }, nil
	case "bolt":
		store, err := eventstore.NewBoltStore(cfg.Persistence.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("bolt store: %w", err)
		}
		return store, func() { store.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown persistence backend %q", cfg.Persistence.Backend)
}

func openBroker(cfg *config.Config, logger core.Logger) (broker.MessageBroker, func(), error) {
	switch cfg.Broker.Kind {
	case "memory":
		mb := broker.NewMemoryBroker()
		return mb, func() { mb.Close() }, nil
	case "nats":
		mb, err := broker.NewNATSBroker(broker.NATSConfig{
			URL:    cfg.Broker.URL,
			Prefix: cfg.Broker.Prefix,
			Name:   "machinad",
		})
		if err != nil {
			return nil, nil, err
		}
		return mb, func() { mb.Close() }, nil
	case "embedded":
		srv, err := broker.StartEmbeddedNATS(broker.EmbeddedNATSConfig{StoreDir: cfg.Broker.StoreDir})
		if err != nil {
			return nil, nil, err
		}
		logger.Infof("embedded nats on %s", srv.ClientURL())
		mb, err := broker.NewNATSBroker(broker.NATSConfig{
			URL:    srv.ClientURL(),
			Prefix: cfg.Broker.Prefix,
			Name:   "machinad",
		})
		if err != nil {
			srv.Shutdown()
			return nil, nil, err
		}
		return mb, func() {
			mb.Close()
			srv.Shutdown()
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown broker kind %q", cfg.Broker.Kind)
}
