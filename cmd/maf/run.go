package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"maf/internal/agent"
	"maf/internal/app"
	"maf/internal/bus"
	"maf/internal/domain"
	"maf/internal/events"
)

const shutdownTimeout = 30 * time.Second

func runCmd() *cobra.Command {
	var (
		serve   bool
		feature string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the orchestrator with every configured agent in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withDaemon(ctx, "", func(ctx context.Context, rt *app.Runtime) error {
				o, err := rt.Orchestrator()
				if err != nil {
					return err
				}
				agents, err := rt.Agents()
				if err != nil {
					return err
				}
				if len(agents) == 0 {
					rt.Log.Warn("no agents configured; tasks will wait for external agents")
				}
				for _, a := range agents {
					if err := a.Start(ctx); err != nil {
						return err
					}
				}
				if err := o.Start(ctx); err != nil {
					return err
				}
				hooks := rt.Webhooks()
				if err := hooks.Start(ctx); err != nil {
					return err
				}
				if feature != "" {
					f, err := o.RequestFeature(ctx, feature)
					if err != nil {
						return err
					}
					rt.Log.Info("feature requested", "feature_id", f.ID)
				}

				g, gctx := errgroup.WithContext(ctx)
				if serve {
					handler, err := rt.Server(o)
					if err != nil {
						return err
					}
					g.Go(func() error { return listen(gctx, rt, handler) })
				}
				g.Go(func() error {
					<-gctx.Done()
					return nil
				})
				runErr := g.Wait()

				stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				errs := []error{runErr, o.Stop(stopCtx)}
				for _, a := range agents {
					errs = append(errs, a.Stop(stopCtx))
				}
				errs = append(errs, hooks.Stop(stopCtx))
				return errors.Join(errs...)
			})
		},
	}
	cmd.Flags().BoolVar(&serve, "serve", false, "also serve the HTTP API on server.addr")
	cmd.Flags().StringVar(&feature, "feature", "", "request this feature once started")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				viper.Set("server.addr", addr)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withDaemon(ctx, "", func(ctx context.Context, rt *app.Runtime) error {
				if rt.Config.Bus.Type != "log" {
					rt.Log.Warn("memory bus: agents must run in this process; use bus.type=log for maf agent")
				}
				o, err := rt.Orchestrator()
				if err != nil {
					return err
				}
				if err := o.Start(ctx); err != nil {
					return err
				}
				hooks := rt.Webhooks()
				if err := hooks.Start(ctx); err != nil {
					return err
				}
				handler, err := rt.Server(o)
				if err != nil {
					return err
				}
				runErr := listen(ctx, rt, handler)

				stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				return errors.Join(runErr, o.Stop(stopCtx), hooks.Stop(stopCtx))
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func agentCmd() *cobra.Command {
	var command string
	cmd := &cobra.Command{
		Use:   "agent <role>",
		Short: "Run one agent process against the persistent log bus",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			role := domain.NormalizeRole(args[0])
			return withDaemon(ctx, "agent-"+role, func(ctx context.Context, rt *app.Runtime) error {
				if rt.Config.Bus.Type != "log" {
					return errors.New("maf agent needs bus.type=log to reach the orchestrator")
				}
				var a *agent.Adapter
				if command != "" {
					ac := rt.Config.Agents[args[0]]
					ac.Command = command
					var err error
					a, err = agent.NewAdapter(agent.ConfigFrom(role, ac), rt.Bus, agent.ExecWorker{Command: command, Timeout: ac.Timeout}, rt.Log)
					if err != nil {
						return err
					}
				} else {
					agents, err := rt.Agents(role)
					if err != nil {
						return err
					}
					a = agents[0]
				}
				if err := a.Start(ctx); err != nil {
					return err
				}
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				return a.Stop(stopCtx)
			})
		},
	}
	cmd.Flags().StringVar(&command, "command", "", "command to run per task (overrides agents.<role>.command)")
	return cmd
}

// withDaemon opens the runtime with a log sink from the config and a
// started bus.
func withDaemon(ctx context.Context, busGroup string, fn func(context.Context, *app.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Config: cfg, BusGroup: busGroup})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			fmt.Fprintln(os.Stderr, "shutdown:", err)
		}
	}()
	if err := rt.Bus.Start(ctx); err != nil {
		return err
	}
	return fn(ctx, rt)
}

func listen(ctx context.Context, rt *app.Runtime, handler http.Handler) error {
	srv := &http.Server{Addr: rt.Config.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	rt.Log.Info("serving maf API", "addr", srv.Addr, "base_path", rt.Config.Server.BasePath, "auth", rt.Config.Server.JWTSecret != "")
	fmt.Printf("Serving maf API on http://%s%s (OpenAPI at %s/openapi.json, metrics at /metrics)\n",
		srv.Addr, rt.Config.Server.BasePath, rt.Config.Server.BasePath)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type eventRow struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Type          string    `json:"type"`
	Source        string    `json:"source"`
	Target        string    `json:"target,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Payload       string    `json:"payload"`
}

func toRow(e events.Event) eventRow {
	payload, _ := events.EncodePayload(e.Payload)
	return eventRow{
		ID:            e.ID,
		Timestamp:     e.Timestamp,
		Type:          string(e.Type),
		Source:        e.Source,
		Target:        e.Target,
		CorrelationID: e.CorrelationID,
		Payload:       string(payload),
	}
}

func printEvents(rows []eventRow) {
	if viper.GetBool("json") {
		for _, r := range rows {
			_ = printJSON(r)
		}
		return
	}
	if len(rows) == 0 {
		return
	}
	tw := newTable()
	tw.AppendHeader([]any{"Time", "Type", "Source", "Target", "Payload"})
	for _, r := range rows {
		tw.AppendRow([]any{r.Timestamp.Format(time.RFC3339Nano), r.Type, r.Source, r.Target, truncate(r.Payload, 80)})
	}
	tw.Render()
}

// followEvents polls history from the newest printed event. The cursor is
// inclusive, so ids already printed at the cursor are skipped.
func followEvents(ctx context.Context, b bus.Bus, q bus.Query, printed []eventRow) error {
	seen := map[string]struct{}{}
	for _, r := range printed {
		if r.Timestamp.After(q.Since) {
			q.Since = r.Timestamp
		}
	}
	for _, r := range printed {
		if r.Timestamp.Equal(q.Since) {
			seen[r.ID] = struct{}{}
		}
	}
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		var batch []eventRow
		for e := range b.History(ctx, q) {
			if _, ok := seen[e.ID]; ok {
				continue
			}
			batch = append(batch, toRow(e))
		}
		if len(batch) == 0 {
			continue
		}
		printEvents(batch)
		q.Since = batch[len(batch)-1].Timestamp
		seen = map[string]struct{}{}
		for _, r := range batch {
			if r.Timestamp.Equal(q.Since) {
				seen[r.ID] = struct{}{}
			}
		}
	}
}
