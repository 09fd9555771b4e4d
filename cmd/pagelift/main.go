package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pagelift/internal/backlog"
	"pagelift/internal/config"
	"pagelift/internal/db"
	"pagelift/internal/domain"
	"pagelift/internal/lifecycle"
	"pagelift/internal/migrate"
	"pagelift/internal/queue"
	"pagelift/internal/repo"
	"pagelift/internal/server"
	"pagelift/internal/verify"
	"pagelift/internal/worker"
)

var rootCmd = &cobra.Command{
	Use:   "pagelift",
	Short: "Pagelift CLI",
	Long: `Pagelift proposes, executes and verifies SEO remediations for a site.
Core concepts:
- Idea: a candidate improvement in the backlog (open -> adopted/rejected, adopted -> done).
- Action: a concrete change derived from an idea; proposed -> queued -> running -> completed/failed.
- Queue: ordered, idempotent delivery of queued actions to workers, with bounded retry.
- Run: one execution attempt of an action; at most one run is live at a time.
- Verification: after a run completes, probes confirm the change is visible on the site,
  rechecking on a widening schedule until verified or the attempt budget runs out.
- Event log: append-only diary of every transition, view with 'pagelift log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PAGELIFT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user", "local-user", "user identifier")
	rootCmd.PersistentFlags().String("site", "", "site URL")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("site", rootCmd.PersistentFlags().Lookup("site"))
}

func registerCommands() {
	rootCmd.AddCommand(ideaCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(workCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

// components bundles everything built on one database handle.
type components struct {
	Conn      *sql.DB
	Config    *config.Config
	Repo      repo.Repo
	Backlog   backlog.Backlog
	Lifecycle lifecycle.Manager
	Queue     *queue.Manager
	Verify    *verify.Engine
	Executor  *worker.Executor
}

func build(conn *sql.DB, cfg *config.Config) components {
	q := queue.New(conn, cfg)
	lc := lifecycle.New(conn, q, cfg)
	v := verify.New(conn, cfg)
	return components{
		Conn:      conn,
		Config:    cfg,
		Repo:      repo.Repo{DB: conn},
		Backlog:   backlog.New(conn),
		Lifecycle: lc,
		Queue:     q,
		Verify:    v,
		Executor:  worker.New(q, lc, v, cfg),
	}
}

func withComponents(ctx context.Context, fn func(context.Context, components) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, build(conn, cfg))
}

func owner() domain.Owner {
	return domain.Owner{
		UserID:  viper.GetString("user"),
		SiteURL: viper.GetString("site"),
	}
}

func ideaCmd() *cobra.Command {
	idea := &cobra.Command{
		Use:   "idea",
		Short: "Manage the idea backlog",
		Long:  "Ideas are candidate improvements waiting for a decision. They flow open -> adopted or rejected, and adopted -> done; transitions are one-way.",
	}
	idea.AddCommand(ideaCreateCmd())
	idea.AddCommand(ideaListCmd())
	idea.AddCommand(ideaShowCmd())
	idea.AddCommand(ideaStatusCmd("adopt", domain.IdeaAdopted, "Adopt an open idea"))
	idea.AddCommand(ideaStatusCmd("reject", domain.IdeaRejected, "Reject an open idea"))
	idea.AddCommand(ideaStatusCmd("done", domain.IdeaDone, "Mark an adopted idea done"))
	return idea
}

func ideaCreateCmd() *cobra.Command {
	var title, hypothesis, evidence string
	var ice int
	var tags []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an idea",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), func(ctx context.Context, c components) error {
				opts := backlog.CreateOptions{
					Owner:      owner(),
					Title:      title,
					Hypothesis: hypothesis,
					Tags:       tags,
				}
				if evidence != "" {
					opts.Evidence = json.RawMessage(evidence)
				}
				if cmd.Flags().Changed("ice") {
					opts.ICEScore = &ice
				}
				idea, err := c.Backlog.CreateIdea(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(idea)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "idea title")
	cmd.Flags().StringVar(&hypothesis, "hypothesis", "", "why this should help")
	cmd.Flags().StringVar(&evidence, "evidence", "", "evidence JSON")
	cmd.Flags().IntVar(&ice, "ice", 0, "ICE score")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tags")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func ideaListCmd() *cobra.Command {
	var status, tag string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ideas",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), func(ctx context.Context, c components) error {
				ideas, err := c.Backlog.ListIdeas(ctx, repo.IdeaFilters{
					Owner:  owner(),
					Status: status,
					Tag:    tag,
					Limit:  limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ideas)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "ICE", "Created"})
				for _, it := range ideas {
					ice := ""
					if it.ICEScore != nil {
						ice = fmt.Sprint(*it.ICEScore)
					}
					tw.AppendRow(table.Row{it.ID, it.Title, it.Status, ice, it.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&tag, "tag", "", "tag filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func ideaShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an idea",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), func(ctx context.Context, c components) error {
				idea, err := c.Backlog.GetIdea(ctx, args[0], owner())
				if err != nil {
					return err
				}
				return printJSONOrTable(idea)
			})
		},
	}
	return cmd
}

func ideaStatusCmd(use, target, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), func(ctx context.Context, c components) error {
				idea, err := c.Backlog.UpdateIdeaStatus(ctx, args[0], owner(), target, viper.GetString("user"))
				if err != nil {
					return err
				}
				return printJSONOrTable(idea)
			})
		},
	}
}

func actionCmd() *cobra.Command {
	action := &cobra.Command{
		Use:   "action",
		Short: "Manage agent actions",
		Long:  "Actions are concrete site changes. They flow proposed -> queued -> running -> completed or failed; queueing an action also adopts its idea.",
	}
	action.AddCommand(actionCreateCmd())
	action.AddCommand(actionListCmd())
	action.AddCommand(actionShowCmd())
	action.AddCommand(actionUpdateCmd())
	action.AddCommand(actionQueueCmd())
	return action
}

func actionCreateCmd() *cobra.Command {
	var ideaID, actionType, title, description, payload, scheduledFor string
	var priority int
	var policyJSON string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a proposed action",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := lifecycle.CreateOptions{
				Owner:         owner(),
				IdeaID:        ideaID,
				ActionType:    actionType,
				Title:         title,
				Description:   description,
				PriorityScore: priority,
				ScheduledFor:  scheduledFor,
				TriggeredBy:   viper.GetString("user"),
			}
			if payload != "" {
				opts.Payload = json.RawMessage(payload)
			}
			if policyJSON != "" {
				var p domain.Policy
				if err := json.Unmarshal([]byte(policyJSON), &p); err != nil {
					return fmt.Errorf("invalid --policy: %w", err)
				}
				opts.Policy = &p
			}
			return withComponents(cmd.Context(), func(ctx context.Context, c components) error {
				a, err := c.Lifecycle.CreateAction(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&ideaID, "idea", "", "idea id to adopt")
	cmd.Flags().StringVar(&actionType, "type", "", "action type")
	cmd.Flags().StringVar(&title, "title", "", "action title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&payload, "payload", "", "payload JSON")
	cmd.Flags().StringVar(&policyJSON, "policy", "", "policy JSON")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority score")
	cmd.Flags().StringVar(&scheduledFor, "scheduled-for", "", "RFC3339 earliest execution time")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func actionListCmd() *cobra.Command {
	var status, actionType, ideaID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), func(ctx context.Context, c components) error {
				actions, err := c.Lifecycle.ListActions(ctx, repo.ActionFilters{
					Owner:      owner(),
					Status:     status,
					ActionType: actionType,
					IdeaID:     ideaID,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(actions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Title", "Status", "Verify", "Priority"})
				for _, a := range actions {
					tw.AppendRow(table.Row{a.ID, a.ActionType, a.Title, a.Status, a.VerificationStatus, a.PriorityScore})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&actionType, "type", "", "action type filter")
	cmd.Flags().StringVar(&ideaID, "idea", "", "idea id filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func actionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), func(ctx context.Context, c components) error {
				a, err := c.Lifecycle.GetAction(ctx, args[0], owner())
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func actionUpdateCmd() *cobra.Command {
	var status, title, description, payload, policyJSON, reason string
	var priority int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update or transition an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := lifecycle.UpdateOptions{
				ID:           args[0],
				Owner:        owner(),
				Status:       status,
				StatusReason: reason,
				TriggeredBy:  viper.GetString("user"),
			}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &description
			}
			if cmd.Flags().Changed("priority") {
				opts.PriorityScore = &priority
			}
			if payload != "" {
				opts.Payload = json.RawMessage(payload)
			}
			if policyJSON != "" {
				var p domain.Policy
				if err := json.Unmarshal([]byte(policyJSON), &p); err != nil {
					return fmt.Errorf("invalid --policy: %w", err)
				}
				opts.Policy = &p
			}
			return withComponents(cmd.Context(), func(ctx context.Context, c components) error {
				a, err := c.Lifecycle.UpdateAction(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "target status")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&payload, "payload", "", "payload JSON")
	cmd.Flags().StringVar(&policyJSON, "policy", "", "policy JSON")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority score")
	cmd.Flags().StringVar(&reason, "reason", "", "status reason")
	return cmd
}

func actionQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue <id>",
		Short: "Queue an action and submit it for execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user := viper.GetString("user")
			return withComponents(cmd.Context(), func(ctx context.Context, c components) error {
				a, err := c.Lifecycle.GetAction(ctx, args[0], owner())
				if err != nil {
					return err
				}
				if a.Status == domain.ActionProposed {
					if a, err = c.Lifecycle.Transition(ctx, args[0], owner(), domain.ActionQueued, "", user); err != nil {
						return err
					}
				}
				jobID, err := c.Lifecycle.SubmitForExecution(ctx, args[0], owner(), user)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"action": a, "job_id": jobID})
			})
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	run := &cobra.Command{Use: "run", Short: "Inspect action runs"}
	var actionID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List runs for an action",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actionID == "" {
				return fmt.Errorf("--action required")
			}
			return withComponents(cmd.Context(), func(ctx context.Context, c components) error {
				if _, err := c.Lifecycle.GetAction(ctx, actionID, owner()); err != nil {
					return err
				}
				runs, err := c.Repo.ListRuns(ctx, actionID)
				if err != nil {
					return err
				}
				return printJSONOrTable(runs)
			})
		},
	}
	list.Flags().StringVar(&actionID, "action", "", "action id")
	run.AddCommand(list)
	return run
}

func verifyCmd() *cobra.Command {
	v := &cobra.Command{
		Use:   "verify",
		Short: "Verification engine",
		Long:  "Probes confirm a completed action is visible on the live site. Failed probes are rechecked on a widening schedule until the attempt budget runs out.",
	}
	v.AddCommand(verifyNowCmd())
	v.AddCommand(verifyQueueCmd())
	v.AddCommand(verifyDueCmd())
	v.AddCommand(verifySweepCmd())
	return v
}

func verifyNowCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "now <action-id>",
		Short: "Probe an action immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), func(ctx context.Context, c components) error {
				res, err := c.Verify.VerifyAction(ctx, args[0], runID, owner(), viper.GetString("user"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id (defaults to the latest run)")
	return cmd
}

func verifyQueueCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "queue <action-id>",
		Short: "Schedule a verification for the next sweep",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), func(ctx context.Context, c components) error {
				v, eta, err := c.Verify.QueueVerification(ctx, args[0], runID, owner(), viper.GetString("user"))
				if err != nil {
					return err
				}
				return printJSONOrTable(struct {
					JobID               string `json:"job_id"`
					Status              string `json:"status"`
					EstimatedCompletion string `json:"estimated_completion"`
				}{v.ID, v.Status, eta})
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id (defaults to the latest run)")
	return cmd
}

func verifyDueCmd() *cobra.Command {
	var force bool
	var limit int
	cmd := &cobra.Command{
		Use:   "due",
		Short: "List verifications due for recheck",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), func(ctx context.Context, c components) error {
				due, err := c.Verify.ListDue(ctx, owner(), force, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(due)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "include items not yet due")
	cmd.Flags().IntVar(&limit, "limit", 0, "max items")
	return cmd
}

func verifySweepCmd() *cobra.Command {
	var force bool
	var limit int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Probe every due verification",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), func(ctx context.Context, c components) error {
				res, err := c.Verify.Sweep(ctx, verify.SweepOptions{
					Owner:       owner(),
					Force:       force,
					Limit:       limit,
					TriggeredBy: viper.GetString("user"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "probe items not yet due")
	cmd.Flags().IntVar(&limit, "limit", 0, "max items")
	return cmd
}

func queueCmd() *cobra.Command {
	q := &cobra.Command{Use: "queue", Short: "Inspect the execution queue"}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Queue depth per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), func(ctx context.Context, c components) error {
				s, err := c.Queue.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}

	var actionID string
	jobs := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs for an action",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actionID == "" {
				return fmt.Errorf("--action required")
			}
			return withComponents(cmd.Context(), func(ctx context.Context, c components) error {
				items, err := c.Queue.ListJobs(ctx, actionID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	jobs.Flags().StringVar(&actionID, "action", "", "action id")

	q.AddCommand(stats)
	q.AddCommand(jobs)
	return q
}

func workCmd() *cobra.Command {
	var maxJobs int
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Process ready queue jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), func(ctx context.Context, c components) error {
				processed := 0
				for maxJobs <= 0 || processed < maxJobs {
					ran, err := c.Executor.RunOnce(ctx, "cli")
					if err != nil {
						return err
					}
					if !ran {
						break
					}
					processed++
				}
				fmt.Printf("processed %d job(s)\n", processed)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&maxJobs, "max", 0, "max jobs to process (0 = drain)")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The append-only diary of everything that happened: idea decisions, action transitions, queue retries and verification outcomes.",
	}
	var n int
	var evtType, entityType, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), func(ctx context.Context, c components) error {
				events, err := c.Repo.LatestEvents(ctx, n, 0, repo.EventFilters{
					UserID:     viper.GetString("user"),
					SiteURL:    viper.GetString("site"),
					Type:       evtType,
					EntityType: entityType,
					EntityID:   entityID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityType, "entity-type", "", "entity type")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	log.AddCommand(tail)
	return log
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage configuration"}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default pagelift.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}

	cfg.AddCommand(show)
	cfg.AddCommand(initCmd)
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var withWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			c := build(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:  os.Getenv("PAGELIFT_JWT_SECRET"),
				CronSecret: os.Getenv("PAGELIFT_CRON_SECRET"),
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PAGELIFT_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Backlog:   c.Backlog,
				Lifecycle: c.Lifecycle,
				Queue:     c.Queue,
				Verify:    c.Verify,
				Executor:  c.Executor,
				Repo:      c.Repo,
				BasePath:  basePath,
				Auth:      authCfg,
			})
			if err != nil {
				return err
			}
			if withWorkers {
				go c.Executor.Start(cmd.Context(), time.Second)
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Pagelift API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&withWorkers, "workers", false, "run the worker pool in-process")
	return cmd
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
