package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"harvestline/internal/app"
	"harvestline/internal/backup"
	"harvestline/internal/config"
	"harvestline/internal/db"
	"harvestline/internal/domain"
	"harvestline/internal/engine"
	"harvestline/internal/harvest"
	"harvestline/internal/repo"
	"harvestline/internal/server"
)

const jwtSecretEnv = "HARVESTLINE_JWT_SECRET"

var rootCmd = &cobra.Command{
	Use:   "hl",
	Short: "Harvestline CLI",
	Long: `Harvestline gathers programming problems from public Q&A sites and hands them to agents.
- Harvest: fetch candidates from each site under its rate limit, normalize, dedup, score and store the good ones.
- Problems: move available -> assigned -> completed; only one agent can hold a claim.
- Solutions: submitting completes the problem, is assessed, and is cross-posted where the site allows it.
- Feedback: effectiveness reports are appended per solution and never rewritten.
- Event log: diary of changes, view with 'hl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		if err := godotenv.Load(envPath(workspace)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envPath(workspace), err)
		}
		slog.SetDefault(newLogger())
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("HARVESTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("agent-id", "", "acting agent identifier")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit logs as JSON")
	for _, name := range []string{"workspace", "json", "agent-id", "log-level", "log-json"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(harvestCmd())
	rootCmd.AddCommand(problemsCmd())
	rootCmd.AddCommand(claimCmd())
	rootCmd.AddCommand(releaseCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(feedbackCmd())
	rootCmd.AddCommand(reapCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(sitesCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(backupCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in harvestline.yml next to the .harvestline directory: store, sites and their rate limits, scoring weights, dedup, claims and event sinks.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configSecretCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default harvestline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate harvestline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errString(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "secret",
		Short: "Generate a JWT signing secret into the workspace .env",
		RunE: func(cmd *cobra.Command, args []string) error {
			buf := make([]byte, 32)
			if _, err := rand.Read(buf); err != nil {
				return err
			}
			path := envPath(viper.GetString("workspace"))
			if err := setEnvValue(path, jwtSecretEnv, hex.EncodeToString(buf)); err != nil {
				return err
			}
			fmt.Printf("Set %s in %s\n", jwtSecretEnv, path)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if !cmd.Flags().Changed("addr") && a.Config.Server.Addr != "" {
					addr = a.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && a.Config.Server.BasePath != "" {
					basePath = a.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:              os.Getenv(jwtSecretEnv),
					AllowLegacyAgentHeader: a.Config.Server.AllowLegacyAgentHeader,
					Logger:                 a.Log,
				}
				if authCfg.JWTSecret == "" && !authCfg.AllowLegacyAgentHeader {
					a.Log.Warn("no JWT secret configured; only API keys will authenticate", "env", jwtSecretEnv)
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					Runner:   a.Runner,
					Limits:   a.Limits,
					BasePath: basePath,
					Auth:     authCfg,
					Logger:   a.Log,
				})
				if err != nil {
					return err
				}

				go a.RunReaper(ctx)

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(sctx)
				}()
				a.Log.Info("serving harvestline API", "url", "http://"+addr+basePath, "openapi", basePath+"/openapi.json", "docs", basePath+"/docs")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func harvestCmd() *cobra.Command {
	var siteNames, categories []string
	var maxPerSite int
	var threshold float64
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Run one harvest across the configured sites",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				req := harvest.Request{Sites: siteNames, Categories: categories, MaxPerSite: maxPerSite}
				if cmd.Flags().Changed("threshold") {
					req.QualityThreshold = &threshold
				}
				run, err := a.Runner.Run(ctx, req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(run)
				}
				fmt.Printf("Run %s: found %d, stored %d\n", run.ID, run.ItemsFound, run.ItemsStored)
				tw := newTable()
				tw.AppendHeader(table.Row{"Site", "Found", "Malformed", "Off-category", "Duplicates", "Below threshold", "Stored", "Errors"})
				for _, name := range run.Sites {
					s := run.Breakdown[name]
					tw.AppendRow(table.Row{name, s.Found, s.Malformed, s.OffCategory, s.Duplicates, s.BelowThreshold, s.Stored, strings.Join(s.Errors, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&siteNames, "site", nil, "site to harvest (repeatable, default all enabled)")
	cmd.Flags().StringSliceVar(&categories, "category", nil, "category to keep (repeatable)")
	cmd.Flags().IntVar(&maxPerSite, "max", 0, "max problems stored per site")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "minimum quality score")
	return cmd
}

func problemsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "problems", Short: "Browse problems"}
	cmd.AddCommand(problemsListCmd())
	cmd.AddCommand(problemsShowCmd())
	return cmd
}

func problemsListCmd() *cobra.Command {
	var f repo.ProblemFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List problems, best first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListProblems(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Site", "Title", "Category", "Difficulty", "Quality", "Status", "Agent"})
				for _, p := range items {
					agent := ""
					if p.AssignedAgentID != nil {
						agent = *p.AssignedAgentID
					}
					tw.AppendRow(table.Row{p.ID, p.SourceSite, truncate(p.Title, 60), p.Category, p.Difficulty, fmt.Sprintf("%.2f", p.QualityScore), p.Status, agent})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	cmd.Flags().StringVar(&f.Difficulty, "difficulty", "", "difficulty filter")
	cmd.Flags().StringVar(&f.SourceSite, "site", "", "source site filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "rows to skip")
	return cmd
}

func problemsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a problem and its claim history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Repo.GetProblem(ctx, args[0])
				if err != nil {
					return err
				}
				claims, err := a.Repo.ListClaims(ctx, p.ID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"problem": p, "claims": claims})
			})
		},
	}
}

func claimCmd() *cobra.Command {
	var capabilities []string
	var estimate, approach string
	cmd := &cobra.Command{
		Use:   "claim <problem-id>",
		Short: "Claim an available problem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := requireAgent()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Claim(ctx, args[0], agent, engine.ClaimOptions{
					Capabilities:        capabilities,
					EstimatedCompletion: optionalString(estimate),
					Approach:            approach,
				})
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "agent capability (repeatable)")
	cmd.Flags().StringVar(&estimate, "eta", "", "estimated completion (RFC3339)")
	cmd.Flags().StringVar(&approach, "approach", "", "planned approach")
	return cmd
}

func releaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <problem-id>",
		Short: "Give back a claimed problem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := requireAgent()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.Release(ctx, args[0], agent)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
}

func submitCmd() *cobra.Command {
	var file, explanation string
	var examples []string
	cmd := &cobra.Command{
		Use:   "submit <problem-id>",
		Short: "Submit a solution for a claimed problem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := requireAgent()
			if err != nil {
				return err
			}
			content, err := readContent(file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Submit(ctx, args[0], agent, engine.SubmitOptions{
					Content:      content,
					CodeExamples: examples,
					Explanation:  explanation,
				})
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "-", "solution content file (- for stdin)")
	cmd.Flags().StringVar(&explanation, "explanation", "", "explanation")
	cmd.Flags().StringArrayVar(&examples, "example", nil, "code example (repeatable)")
	return cmd
}

func feedbackCmd() *cobra.Command {
	var score float64
	var resolution int64
	var note string
	cmd := &cobra.Command{
		Use:   "feedback <solution-id>",
		Short: "Record how effective a solution was",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res *int64
			if cmd.Flags().Changed("resolution") {
				res = &resolution
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f, err := a.Engine.RecordEffectiveness(ctx, args[0], score, res, note)
				if err != nil {
					return err
				}
				return printJSON(f)
			})
		},
	}
	cmd.Flags().Float64Var(&score, "score", 0, "effectiveness score in [0,1]")
	cmd.Flags().Int64Var(&resolution, "resolution", 0, "resolution time in seconds")
	cmd.Flags().StringVar(&note, "note", "", "free-form feedback")
	_ = cmd.MarkFlagRequired("score")
	return cmd
}

func reapCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Release assignments older than the claim timeout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if olderThan <= 0 {
					olderThan = a.Config.Claims.Timeout
				}
				n, err := a.Engine.ReapStale(ctx, olderThan)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"released": n})
				}
				fmt.Printf("released %d stale assignment(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age cutoff (default claims.timeout)")
	return cmd
}

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "runs", Short: "Inspect harvest runs"}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent harvest runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				runs, err := a.Repo.ListHarvestRuns(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Started", "Sites", "Found", "Stored"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.ID, r.StartedAt, strings.Join(r.Sites, ","), r.ItemsFound, r.ItemsStored})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "max rows")
	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one harvest run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				run, err := a.Repo.GetHarvestRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(run)
			})
		},
	}
	cmd.AddCommand(list, show)
	return cmd
}

func sitesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sites",
		Short: "Show configured sites and their rate limiter state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				states := a.Limits.States()
				if viper.GetBool("json") {
					return printJSON(states)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Site", "Enabled", "Cross-post", "Capacity", "Refill/s", "Tokens"})
				for _, st := range states {
					sc, _ := a.Config.Site(st.Site)
					_, poster := a.Sites.Poster(st.Site)
					tw.AppendRow(table.Row{st.Site, sc.IsEnabled(), sc.CrossPost && poster, st.Capacity, st.RefillRate, fmt.Sprintf("%.1f", st.Tokens)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show pool and solution statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Repo.Stats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Metric", "Value"})
				for _, status := range []string{domain.StatusAvailable, domain.StatusAssigned, domain.StatusCompleted} {
					tw.AppendRow(table.Row{"problems " + status, st.ByStatus[status]})
				}
				tw.AppendRow(table.Row{"average quality", fmt.Sprintf("%.3f", st.AverageQuality)})
				tw.AppendRow(table.Row{"solutions", st.Solutions})
				tw.AppendRow(table.Row{"average solution quality", fmt.Sprintf("%.3f", st.AverageSolution)})
				tw.AppendRow(table.Row{"feedback records", st.FeedbackRecords})
				tw.AppendRow(table.Row{"average effectiveness", fmt.Sprintf("%.3f", st.AverageEffect)})
				tw.AppendRow(table.Row{"harvest runs", st.HarvestRuns})
				tw.Render()
				return nil
			})
		},
	}
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "keys", Short: "Manage agent credentials"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key for the acting agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := requireAgent()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key, plain, err := a.Repo.IssueAPIKey(ctx, agent, name)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"id": key.ID, "agent_id": key.ActorID, "name": key.Name, "key": plain, "created_at": key.CreatedAt})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Repo.ListAPIKeys(ctx, viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Agent", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Repo.RevokeAPIKey(ctx, args[0])
			})
		},
	}
	var ttl time.Duration
	token := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for the acting agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := requireAgent()
			if err != nil {
				return err
			}
			tok, err := server.IssueToken(os.Getenv(jwtSecretEnv), agent, ttl)
			if err != nil {
				return fmt.Errorf("%w (run hl config secret)", err)
			}
			fmt.Println(tok)
			return nil
		},
	}
	token.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for none)")
	cmd.AddCommand(create, list, revoke, token)
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Repo.LatestEvents(ctx, n, 0, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func backupCmd() *cobra.Command {
	var out, prefix, credentials string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot problems, solutions and feedback to JSON, optionally uploading to GCS",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				now := time.Now()
				snap, err := backup.Take(ctx, a.Repo, now)
				if err != nil {
					return err
				}
				if out == "" {
					out = filepath.Join(viper.GetString("workspace"), ".harvestline", "backups", backup.FileName(now))
				}
				if err := backup.WriteFile(out, snap); err != nil {
					return err
				}
				a.Log.Info("snapshot written", "path", out, "problems", len(snap.Problems), "solutions", len(snap.Solutions), "feedback", len(snap.Feedback))
				result := map[string]any{"path": out}
				if bucket := viper.GetString("gcs-bucket"); bucket != "" {
					gcs, err := backup.NewGCS(ctx, bucket, credentials)
					if err != nil {
						return err
					}
					defer gcs.Close()
					object := backup.ObjectName(prefix, out)
					if err := gcs.Upload(ctx, out, object); err != nil {
						return err
					}
					result["object"] = fmt.Sprintf("gs://%s/%s", bucket, object)
				}
				return printJSON(result)
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "snapshot path (default .harvestline/backups/<timestamp>.json)")
	cmd.Flags().String("gcs-bucket", "", "upload to this GCS bucket")
	cmd.Flags().StringVar(&prefix, "gcs-prefix", "backups", "object prefix inside the bucket")
	cmd.Flags().StringVar(&credentials, "gcs-credentials", "", "service account JSON (default application credentials)")
	_ = viper.BindPFlag("gcs-bucket", cmd.Flags().Lookup("gcs-bucket"))
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"), slog.Default())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if viper.GetBool("log-json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func requireAgent() (string, error) {
	agent := strings.TrimSpace(viper.GetString("agent-id"))
	if agent == "" {
		return "", fmt.Errorf("--agent-id (or HARVESTLINE_AGENT_ID) required")
	}
	return agent, nil
}

func readContent(file string) (string, error) {
	var data []byte
	var err error
	if file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envPath(workspace string) string {
	return filepath.Join(workspace, ".env")
}

// setEnvValue sets key in the dotenv file at path, keeping other entries.
func setEnvValue(path, key, value string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		env = map[string]string{}
	}
	env[key] = value
	return godotenv.Write(env, path)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
