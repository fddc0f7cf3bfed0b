// Package app wires the maf components for the command line: database,
// bus, state engine, orchestrator, agents and the HTTP surface.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"maf/internal/agent"
	"maf/internal/bus"
	"maf/internal/config"
	"maf/internal/db"
	"maf/internal/decompose"
	"maf/internal/domain"
	"maf/internal/engine"
	"maf/internal/logging"
	"maf/internal/metrics"
	"maf/internal/migrate"
	"maf/internal/orchestrator"
	"maf/internal/server"
)

type Options struct {
	Workspace string
	Config    *config.Config
	// BusGroup overrides bus.group so separate processes consume the
	// persistent log independently.
	BusGroup string
	Logger   *logging.Logger
}

// Runtime owns the shared resources of one maf process.
type Runtime struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Log       *logging.Logger
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Bus       bus.Bus
	Engine    engine.Engine

	ownsLog bool
}

// Open migrates the workspace database and builds the bus and engine. The
// bus is not started.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOptional(opts.Workspace); err != nil {
			return nil, err
		}
	}
	if opts.BusGroup != "" {
		cfg.Bus.Group = opts.BusGroup
	}
	rt := &Runtime{Workspace: opts.Workspace, Config: cfg, Log: opts.Logger}
	if rt.Log == nil {
		l, err := logging.New(cfg.Log.Dir, cfg.Log.Level)
		if err != nil {
			return nil, err
		}
		rt.Log, rt.ownsLog = l, true
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		rt.closeLog()
		return nil, fmt.Errorf("open database: %w", err)
	}
	rt.DB = conn
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		rt.closeLog()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	rt.Registry = prometheus.NewRegistry()
	rt.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt.Metrics = metrics.MustNew(rt.Registry)

	b, err := bus.New(cfg.Bus, conn, rt.Log.WithComponent("bus"), rt.Metrics)
	if err != nil {
		conn.Close()
		rt.closeLog()
		return nil, err
	}
	rt.Bus = b
	rt.Engine = engine.New(conn, cfg)
	rt.Engine.Metrics = rt.Metrics
	return rt, nil
}

// Orchestrator builds the orchestrator with the configured decomposer.
func (rt *Runtime) Orchestrator() (*orchestrator.Orchestrator, error) {
	d := decompose.New(rt.Config.Decomposer, rt.Log)
	return orchestrator.New(orchestrator.ConfigFrom(rt.Config.Orchestrator), rt.Bus, rt.Engine, d, rt.Log, rt.Metrics)
}

// Agents builds one adapter per configured agent running its command. An
// empty roles list selects every configured agent.
func (rt *Runtime) Agents(roles ...string) ([]*agent.Adapter, error) {
	want := map[string]bool{}
	for _, r := range roles {
		want[domain.NormalizeRole(r)] = true
	}
	keys := make([]string, 0, len(rt.Config.Agents))
	for k := range rt.Config.Agents {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []*agent.Adapter
	for _, key := range keys {
		role := domain.NormalizeRole(key)
		if len(want) > 0 && !want[role] {
			continue
		}
		ac := rt.Config.Agents[key]
		if ac.Command == "" {
			return nil, fmt.Errorf("agents.%s.command is required", key)
		}
		a, err := agent.NewAdapter(agent.ConfigFrom(role, ac), rt.Bus, agent.ExecWorker{Command: ac.Command, Timeout: ac.Timeout}, rt.Log)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", key, err)
		}
		out = append(out, a)
		delete(want, role)
	}
	for r := range want {
		return nil, fmt.Errorf("no agent configured for role %s", r)
	}
	return out, nil
}

// Server builds the HTTP handler around o.
func (rt *Runtime) Server(o *orchestrator.Orchestrator) (http.Handler, error) {
	return server.New(server.Config{
		Orchestrator: o,
		Bus:          rt.Bus,
		BasePath:     rt.Config.Server.BasePath,
		Auth:         server.AuthConfig{JWTSecret: rt.Config.Server.JWTSecret, Logger: rt.Log},
		Metrics:      promhttp.HandlerFor(rt.Registry, promhttp.HandlerOpts{}),
		Log:          rt.Log,
	})
}

// Webhooks builds the forwarder for the configured webhooks.
func (rt *Runtime) Webhooks() *server.WebhookForwarder {
	return server.NewWebhookForwarder(rt.Bus, rt.Config.Webhooks, rt.Log)
}

// Close stops the bus and releases the database and log sink.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.Bus != nil {
		errs = append(errs, rt.Bus.Stop(ctx))
	}
	if rt.DB != nil {
		errs = append(errs, rt.DB.Close())
	}
	rt.closeLog()
	return errors.Join(errs...)
}

func (rt *Runtime) closeLog() {
	if rt.ownsLog {
		_ = rt.Log.Close()
	}
}
