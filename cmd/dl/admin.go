package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"draftline/internal/app"
	"draftline/internal/config"
	"draftline/internal/logging"
	"draftline/internal/server"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage draftline.yml"}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default draftline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(viper.GetString("workspace"), false)
			if err != nil {
				return err
			}
			if isJSON() {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(out)
			return err
		},
	}
}

func configValidateCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if filePath == "" {
				filePath = config.Path(viper.GetString("workspace"))
			}
			if _, err := config.FromFile(filePath); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", filePath)
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config (default: workspace draftline.yml)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show job counts per stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				counts, err := a.Engine.Repo.CountJobsByStage(ctx)
				if err != nil {
					return err
				}
				return printJSONOrText(map[string]any{"workspace": a.Workspace, "jobs": counts}, func() {
					stages := make([]string, 0, len(counts))
					for s := range counts {
						stages = append(stages, s)
					}
					sort.Strings(stages)
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Stage", "Jobs"})
					for _, s := range stages {
						tw.AppendRow(table.Row{s, counts[s]})
					}
					tw.Render()
				})
			})
		},
	}
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, jobID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.Repo.LatestEvents(ctx, n, 0, jobID, evtType)
				if err != nil {
					return err
				}
				return printJSONOrText(events, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"ID", "When", "Type", "Job", "Entity", "Actor"})
					for i := len(events) - 1; i >= 0; i-- {
						ev := events[i]
						tw.AppendRow(table.Row{ev.ID, ago(ev.TS), ev.Type, short(ev.JobID), ev.EntityKind + ":" + short(ev.EntityID), ev.ActorID})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&jobID, "job", "", "job id filter")
	return cmd
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rbac", Short: "Roles and permissions"}
	cmd.AddCommand(&cobra.Command{
		Use:   "whoami",
		Short: "Show the roles and permissions of --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.WhoAmI(ctx, actorID())
				if err != nil {
					return err
				}
				return printJSONOrText(p, func() {
					fmt.Printf("actor:       %s\n", p.ActorID)
					fmt.Printf("roles:       %v\n", p.Roles)
					fmt.Printf("permissions: %v\n", p.Permissions)
				})
			})
		},
	})
	cmd.AddCommand(roleChangeCmd("grant", "Grant a role to an actor", true))
	cmd.AddCommand(roleChangeCmd("revoke", "Revoke a role from an actor", false))
	return cmd
}

func roleChangeCmd(use, desc string, grant bool) *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   use,
		Short: desc,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				change := a.Engine.RevokeRole
				if grant {
					change = a.Engine.GrantRole
				}
				if err := change(ctx, actorID(), target, role); err != nil {
					return err
				}
				return printJSONOrText(map[string]string{"actor_id": target, "role_id": role, "action": use}, func() {
					fmt.Printf("%s %s: %s\n", use, target, role)
				})
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "API keys for the HTTP API"}
	var target, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				plain, key, err := a.Engine.CreateAPIKey(ctx, actorID(), target, name)
				if err != nil {
					return err
				}
				return printJSONOrText(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": plain}, func() {
					fmt.Printf("id:    %s\nactor: %s\nkey:   %s\n", key.ID, key.ActorID, plain)
				})
			})
		},
	}
	create.Flags().StringVar(&target, "actor", "", "actor the key authenticates as (default --actor-id)")
	create.Flags().StringVar(&name, "name", "", "label for the key")
	cmd.AddCommand(create)
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, actorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, job workers, webhooks and janitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer closeApp(a)
			if addr == "" {
				addr = a.Config.Server.Addr
			}
			if basePath == "" {
				basePath = a.Config.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: actorHeader,
				DevLogin:               devLogin,
				Logger:                 logging.Std(a.Log, slog.LevelWarn),
			}
			if authCfg.JWTSecret == "" && devLogin {
				return fmt.Errorf("DRAFTLINE_JWT_SECRET is required for --dev-login")
			}
			if authCfg.JWTSecret == "" {
				a.Log.Warn("DRAFTLINE_JWT_SECRET not set; bearer tokens are rejected")
			}
			handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			if a.Config.Jobs.ResumeOnStart {
				n, err := a.Engine.Recover(ctx)
				if err != nil {
					return err
				}
				if n > 0 {
					a.Log.Info("resumed jobs", "count", n)
				}
			}
			go a.Engine.RunJanitor(ctx, a.Config.Jobs.JanitorInterval)
			server.StartWebhooks(ctx, a.Engine)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
			fmt.Printf("Serving draftline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login")
	cmd.Flags().BoolVar(&actorHeader, "allow-actor-header", false, "trust X-Actor-Id when no credentials are sent")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (env DRAFTLINE_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func gcCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Expire old jobs, purge artifacts and remove orphaned workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report, err := a.Engine.Janitor(ctx)
				if perr := printJSONOrText(report, func() {
					fmt.Printf("expired jobs:       %d\n", len(report.ExpiredJobs))
					fmt.Printf("purged artifacts:   %d jobs\n", len(report.PurgedArtifacts))
					fmt.Printf("removed workspaces: %d\n", len(report.RemovedWorkspaces))
					fmt.Printf("released locks:     %d\n", report.ReleasedLocks)
				}); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}
