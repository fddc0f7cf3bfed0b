package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"maf/internal/app"
	"maf/internal/bus"
	"maf/internal/config"
	"maf/internal/db"
	"maf/internal/domain"
	"maf/internal/engine"
	"maf/internal/events"
	"maf/internal/logging"
	"maf/internal/migrate"
	"maf/internal/orchestrator"
	"maf/internal/repo"
	"maf/internal/server"
	mafsdk "maf/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "maf",
	Short: "Multi-agent feature orchestration",
	Long: `maf turns feature requests into dependency-ordered tasks, hands them to
role-specific agents over an event bus and tracks every task and feature
through its lifecycle in a SQLite workspace (.maf/maf.db).

Run "maf init" once, then "maf run" to start the orchestrator with every
configured agent, or "maf serve" and "maf agent <role>" as separate
processes sharing the persistent log bus.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MAF")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
	// overlays applied on top of maf.yml
	for _, key := range []string{"log.level", "log.dir", "bus.type", "server.addr", "server.jwt_secret"} {
		_ = viper.BindEnv(key)
	}
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("workspace", "w", ".", "workspace directory")
	pf.Bool("json", false, "output JSON")
	pf.String("server", "", "talk to a running maf API at this URL instead of the local workspace")
	pf.String("token", "", "bearer token for --server")
	pf.String("log-level", "", "log level (DEBUG, INFO, WARN, ERROR)")
	pf.String("bus", "", "bus backend override (memory or log)")
	_ = viper.BindPFlag("workspace", pf.Lookup("workspace"))
	_ = viper.BindPFlag("json", pf.Lookup("json"))
	_ = viper.BindPFlag("server", pf.Lookup("server"))
	_ = viper.BindPFlag("token", pf.Lookup("token"))
	_ = viper.BindPFlag("log.level", pf.Lookup("log-level"))
	_ = viper.BindPFlag("bus.type", pf.Lookup("bus"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(featureCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(recoverCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create maf.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.MigrateContext(cmd.Context(), conn); err != nil {
				return err
			}
			version, err := migrate.Version(cmd.Context(), conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"config": path, "database": db.Path(workspace), "schema_version": version})
			}
			fmt.Printf("wrote %s\ndatabase %s (schema v%d)\n", path, db.Path(workspace), version)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing maf.yml")
	return cmd
}

func featureCmd() *cobra.Command {
	c := &cobra.Command{Use: "feature", Short: "Request and inspect features"}
	c.AddCommand(featureRequestCmd())
	c.AddCommand(featureShowCmd())
	c.AddCommand(featureListCmd())
	return c
}

func featureRequestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "request <description>",
		Short: "Request a feature; the running orchestrator decomposes it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc := strings.Join(args, " ")
			if c := remoteClient(); c != nil {
				f, err := c.RequestFeature(cmd.Context(), desc)
				if err != nil {
					return err
				}
				return printFeature(domain.Feature{ID: f.ID, Description: f.Description, Status: domain.FeatureStatus(f.Status)}, nil)
			}
			return withOrchestrator(cmd.Context(), func(ctx context.Context, rt *app.Runtime, o *orchestrator.Orchestrator) error {
				if rt.Config.Bus.Type == "memory" {
					fmt.Fprintln(os.Stderr, "note: the memory bus does not reach other processes; use bus.type=log or --server")
				}
				f, err := o.RequestFeature(ctx, desc)
				if err != nil {
					return err
				}
				return printFeature(f, nil)
			})
		},
	}
}

func featureShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a feature and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.GetFeature(ctx, args[0])
				if err != nil {
					return err
				}
				tasks, err := e.ListFeatureTasks(ctx, f.ID)
				if err != nil {
					return err
				}
				return printFeature(f, tasks)
			})
		},
	}
}

func featureListCmd() *cobra.Command {
	var f repo.FeatureFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List features",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.FeatureStatus(status)
			if status != "" && !f.Status.Valid() {
				return fmt.Errorf("invalid status %q", status)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListFeatures(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Status", "Tasks", "Updated", "Description"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Status, len(it.TaskIDs), it.UpdatedAt.Format(time.RFC3339), truncate(it.Description, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum features")
	return cmd
}

func taskCmd() *cobra.Command {
	c := &cobra.Command{Use: "task", Short: "Inspect tasks"}
	c.AddCommand(taskShowCmd())
	c.AddCommand(taskPendingCmd())
	return c
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task and its state history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				hist, err := e.History(ctx, t.ID, 50)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"task": t, "history": hist})
				}
				tw := newTable()
				tw.AppendRows([]table.Row{
					{"ID", t.ID},
					{"Feature", t.FeatureID},
					{"Agent", t.AgentRole},
					{"Status", t.Status},
					{"Retries", t.RetryCount},
					{"Depends on", strings.Join(t.Dependencies, ", ")},
					{"Last error", t.LastError},
					{"Description", t.Description},
				})
				tw.Render()
				if len(hist) > 0 {
					ht := newTable()
					ht.AppendHeader(table.Row{"When", "From", "To", "Detail"})
					for _, h := range hist {
						ht.AppendRow(table.Row{h.TS, h.FromStatus, h.ToStatus, h.Detail})
					}
					ht.Render()
				}
				return nil
			})
		},
	}
}

func taskPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending <role>",
		Short: "List pending tasks for an agent role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.GetPendingTasksByAgent(ctx, args[0])
				if err != nil {
					return err
				}
				return printTasks(tasks)
			})
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show task statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remoteClient(); c != nil {
				s, err := c.Stats(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(s)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.GetTaskStatistics(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Metric", "Value"})
				tw.AppendRow(table.Row{"total", s.Total})
				for _, st := range domain.TaskStatuses {
					tw.AppendRow(table.Row{"tasks " + string(st), s.Count(st)})
				}
				for _, st := range domain.FeatureStatuses {
					tw.AppendRow(table.Row{"features " + string(st), s.FeaturesByStatus[st]})
				}
				tw.AppendRow(table.Row{"mean retries", fmt.Sprintf("%.2f", s.MeanRetryCount)})
				tw.AppendRow(table.Row{"completion rate", fmt.Sprintf("%.1f%%", s.CompletionRate*100)})
				tw.AppendRow(table.Row{"tasks with errors", s.TasksWithErrors})
				tw.Render()
				if len(s.PendingByAgent) > 0 {
					pt := newTable()
					pt.AppendHeader(table.Row{"Agent", "Pending"})
					for role, n := range s.PendingByAgent {
						pt.AppendRow(table.Row{role, n})
					}
					pt.SortBy([]table.SortBy{{Name: "Agent", Mode: table.Asc}})
					pt.Render()
				}
				return nil
			})
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Report stalled, long-running and exhausted tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			var rep domain.HealthReport
			if c := remoteClient(); c != nil {
				r, err := c.TaskHealth(cmd.Context())
				if err != nil {
					return err
				}
				rep = domain.HealthReport(r)
			} else {
				err := withRuntime(cmd.Context(), "", func(ctx context.Context, rt *app.Runtime) error {
					var err error
					rep, err = rt.Engine.HealthReport(ctx, rt.Config.Orchestrator.StallTimeout)
					return err
				})
				if err != nil {
					return err
				}
			}
			if viper.GetBool("json") {
				return printJSON(rep)
			}
			tw := newTable()
			tw.AppendRows([]table.Row{
				{"Healthy", rep.Healthy},
				{"Stalled", strings.Join(rep.Stalled, ", ")},
				{"Long running", strings.Join(rep.LongRunning, ", ")},
				{"Failed", strings.Join(rep.Failed, ", ")},
				{"Checked", rep.CheckedAt},
			})
			tw.Render()
			return nil
		},
	}
}

func recoverCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "recover",
		Short: "Run recovery actions and re-dispatch recovered work",
	}
	c.AddCommand(&cobra.Command{
		Use:   "stalled",
		Short: "Fail in-progress tasks past the stall timeout and retry them",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cl := remoteClient(); cl != nil {
				sum, err := cl.RecoverStalled(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(sum)
			}
			return withOrchestrator(cmd.Context(), func(ctx context.Context, _ *app.Runtime, o *orchestrator.Orchestrator) error {
				sum, err := o.RecoverStalled(ctx)
				if err != nil {
					return err
				}
				return printJSON(sum)
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "retry",
		Short: "Re-queue failed tasks that have retries left",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cl := remoteClient(); cl != nil {
				sum, err := cl.RetryFailed(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(sum)
			}
			return withOrchestrator(cmd.Context(), func(ctx context.Context, _ *app.Runtime, o *orchestrator.Orchestrator) error {
				sum, err := o.RetryFailed(ctx)
				if err != nil {
					return err
				}
				return printJSON(sum)
			})
		},
	})
	var retention time.Duration
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Archive finished features older than the retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cl := remoteClient(); cl != nil {
				sum, err := cl.Cleanup(cmd.Context(), retention)
				if err != nil {
					return err
				}
				return printJSON(sum)
			}
			return withOrchestrator(cmd.Context(), func(ctx context.Context, _ *app.Runtime, o *orchestrator.Orchestrator) error {
				sum, err := o.Cleanup(ctx, retention)
				if err != nil {
					return err
				}
				return printJSON(sum)
			})
		},
	}
	cleanup.Flags().DurationVar(&retention, "retention", 0, "age threshold; 0 uses orchestrator.retention")
	c.AddCommand(cleanup)
	return c
}

func eventsCmd() *cobra.Command {
	c := &cobra.Command{Use: "events", Short: "Inspect the event bus"}
	var (
		n      int
		typ    string
		source string
		follow bool
	)
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent bus events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), "", func(ctx context.Context, rt *app.Runtime) error {
				if rt.Config.Bus.Type != "log" {
					return errors.New("events tail reads the persistent log; set bus.type=log")
				}
				q := bus.Query{Type: events.Type(typ), Source: source}
				var all []eventRow
				for e := range rt.Bus.History(ctx, q) {
					all = append(all, toRow(e))
				}
				if n > 0 && len(all) > n {
					all = all[len(all)-n:]
				}
				printEvents(all)
				if !follow {
					return nil
				}
				return followEvents(ctx, rt.Bus, q, all)
			})
		},
	}
	tail.Flags().IntVarP(&n, "lines", "n", 20, "number of events")
	tail.Flags().StringVar(&typ, "type", "", "event type filter")
	tail.Flags().StringVar(&source, "source", "", "source filter")
	tail.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events")
	c.AddCommand(tail)
	return c
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Inspect maf.yml",
	}
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate maf.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return c
}

func tokenCmd() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with server.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				return errors.New("server.jwt_secret is not set")
			}
			tok, err := server.SignToken(cfg.Server.JWTSecret, subject)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "local-user", "token subject")
	return cmd
}

// --- helpers ---

// loadConfig reads maf.yml (or the defaults) and applies flag and MAF_*
// environment overlays.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("log.level"); v != "" {
		cfg.Log.Level = v
	}
	if v := viper.GetString("log.dir"); v != "" {
		cfg.Log.Dir = v
	}
	if v := viper.GetString("bus.type"); v != "" {
		cfg.Bus.Type = v
	}
	if v := viper.GetString("server.addr"); v != "" {
		cfg.Server.Addr = v
	}
	if v := viper.GetString("server.jwt_secret"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withRuntime(ctx context.Context, busGroup string, fn func(context.Context, *app.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var log *logging.Logger
	if cfg.Log.Dir == "" {
		// keep stderr quiet for one-shot commands
		log = logging.NewWithWriter(os.Stderr, logging.LevelWarn)
	}
	rt, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Config:    cfg,
		BusGroup:  busGroup,
		Logger:    log,
	})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Close(closeCtx)
	}()
	return fn(ctx, rt)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRuntime(ctx, "", func(ctx context.Context, rt *app.Runtime) error {
		return fn(ctx, rt.Engine)
	})
}

// withOrchestrator runs fn with a started bus and an orchestrator that is
// not subscribed, so one-shot commands can publish without consuming.
func withOrchestrator(ctx context.Context, fn func(context.Context, *app.Runtime, *orchestrator.Orchestrator) error) error {
	return withRuntime(ctx, "cli", func(ctx context.Context, rt *app.Runtime) error {
		if err := rt.Bus.Start(ctx); err != nil {
			return err
		}
		o, err := rt.Orchestrator()
		if err != nil {
			return err
		}
		return fn(ctx, rt, o)
	})
}

func remoteClient() *mafsdk.Client {
	url := viper.GetString("server")
	if url == "" {
		return nil
	}
	c := mafsdk.New(url)
	c.BearerToken = viper.GetString("token")
	return c
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printFeature(f domain.Feature, tasks []domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"feature": f, "tasks": tasks})
	}
	tw := newTable()
	tw.AppendRows([]table.Row{
		{"ID", f.ID},
		{"Status", f.Status},
		{"Description", f.Description},
	})
	if f.LastError != "" {
		tw.AppendRow(table.Row{"Last error", f.LastError})
	}
	tw.Render()
	if len(tasks) > 0 {
		return printTasks(tasks)
	}
	return nil
}

func printTasks(tasks []domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(tasks)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Agent", "Status", "Retries", "Depends on", "Description"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{t.ID, t.AgentRole, t.Status, t.RetryCount, strings.Join(t.Dependencies, ","), truncate(t.Description, 50)})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
