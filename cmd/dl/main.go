package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"draftline/internal/app"
	"draftline/internal/db"
)

var rootCmd = &cobra.Command{
	Use:   "dl",
	Short: "draftline CLI",
	Long: `draftline turns a story into a draft change request through a gated pipeline.
Core concepts:
- Job: one story against one or more repositories, moving through
  PLANNING -> WAITING_FOR_APPROVAL -> APPLYING -> VERIFYING -> PACKAGING -> PUBLISHING.
- Plan: an immutable, hashed version of what will change. Revisions append new versions.
- Approval: bound to a plan hash. Nothing touches a repository before it.
- Apply: the code engine may only change files the approved plan names.
- Verify: configured commands must all pass before anything is published.
- Artifacts: every stage output is stored per job and version under .draftline/artifacts.
- Event log: diary of changes, view with 'dl log tail'.`,
	SilenceUsage: true,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DRAFTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(artifactsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(gcCmd())
}

// --- helpers ---

func openApp(ctx context.Context) (*app.App, error) {
	workspace := viper.GetString("workspace")
	cfg, err := app.LoadConfig(workspace, false)
	if err != nil {
		return nil, err
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	return app.Open(ctx, app.Options{Workspace: workspace, Config: cfg})
}

func closeApp(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		a.Log.Warn("close workspace", "err", err)
	}
}

// withApp opens the workspace for one command. Jobs started by the command
// keep running only while fn runs; the next dl serve resumes them.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer closeApp(a)
	return fn(ctx, a)
}

func actorID() string {
	return viper.GetString("actor-id")
}

func isJSON() bool {
	return viper.GetBool("json")
}

func printJSONOrText(v any, text func()) error {
	if isJSON() {
		return printJSON(v)
	}
	text()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
