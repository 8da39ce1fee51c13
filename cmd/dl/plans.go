package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"draftline/internal/app"
	"draftline/internal/domain"
	"draftline/internal/engine"
)

func planCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "plan", Short: "Inspect and revise job plans"}
	cmd.AddCommand(planShowCmd())
	cmd.AddCommand(planHistoryCmd())
	cmd.AddCommand(planCompareCmd())
	cmd.AddCommand(planReviseCmd())
	return cmd
}

func planShowCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a plan version (default latest)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				pv, err := a.Engine.GetPlan(ctx, args[0], version)
				if err != nil {
					return err
				}
				if isJSON() {
					return printJSON(pv)
				}
				fmt.Printf("# plan v%d  %s\n", pv.Version, pv.PlanHash)
				if pv.Feedback != nil {
					fmt.Printf("# revised after %s feedback from %s\n", pv.Feedback.Type, pv.Feedback.ProvidedBy)
				}
				out, err := yaml.Marshal(pv.Body)
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(out)
				return err
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "plan version (0 = latest)")
	return cmd
}

func planHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <job-id>",
		Short: "List every plan version of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				plans, err := a.Engine.ListPlans(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrText(plans, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Version", "Hash", "Files", "Feedback", "Created"})
					for _, pv := range plans {
						fb := ""
						if pv.Feedback != nil {
							fb = string(pv.Feedback.Type)
						}
						tw.AppendRow(table.Row{pv.Version, domain.ShortHash(pv.PlanHash), len(pv.Body.Scope.Files), fb, ago(pv.CreatedAt)})
					}
					tw.Render()
				})
			})
		},
	}
}

func planCompareCmd() *cobra.Command {
	var from, to int
	cmd := &cobra.Command{
		Use:   "compare <job-id>",
		Short: "Compare two plan versions (default previous and latest)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cmp, err := a.Engine.ComparePlans(ctx, args[0], from, to)
				if err != nil {
					return err
				}
				return printJSONOrText(cmp, func() {
					fmt.Printf("v%d -> v%d: %s\n", cmp.FromVersion, cmp.ToVersion, cmp.Summary)
					fmt.Print(cmp.Unified)
				})
			})
		},
	}
	cmd.Flags().IntVar(&from, "from", 0, "base version")
	cmd.Flags().IntVar(&to, "to", 0, "target version")
	return cmd
}

func planReviseCmd() *cobra.Command {
	var text, changes, typ string
	var concerns []string
	var wait bool
	cmd := &cobra.Command{
		Use:   "revise <job-id>",
		Short: "Send feedback on the latest plan and generate a new version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				job, err := a.Engine.RevisePlan(ctx, engine.ReviseOptions{
					JobID: args[0],
					Feedback: domain.PlanFeedback{
						Text:             text,
						Concerns:         concerns,
						RequestedChanges: changes,
						Type:             domain.FeedbackType(typ),
					},
					ActorID: actorID(),
				})
				if err != nil {
					return err
				}
				if wait {
					if job, err = a.Engine.Wait(ctx, job.ID); err != nil {
						return err
					}
				}
				return printJob(job)
			})
		},
	}
	cmd.Flags().StringVar(&text, "feedback", "", "feedback text")
	cmd.Flags().StringSliceVar(&concerns, "concern", nil, "specific concern (repeatable)")
	cmd.Flags().StringVar(&changes, "changes", "", "requested changes")
	cmd.Flags().StringVar(&typ, "type", string(domain.FeedbackGeneral), "general, scope, tests, safety or other")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the revised plan")
	_ = cmd.MarkFlagRequired("feedback")
	return cmd
}

func approveCmd() *cobra.Command {
	var hash, notes string
	var latest, wait bool
	cmd := &cobra.Command{
		Use:   "approve <job-id>",
		Short: "Approve a plan by hash and resume the pipeline",
		Example: `  dl approve 3f2a... --hash 9c1e...
  dl approve 3f2a... --latest --wait`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if hash == "" && !latest {
				return fmt.Errorf("pass --hash or --latest")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if latest {
					pv, err := a.Engine.GetPlan(ctx, args[0], 0)
					if err != nil {
						return err
					}
					hash = pv.PlanHash
				}
				approval, recorded, err := a.Engine.Approve(ctx, engine.ApproveOptions{
					JobID:    args[0],
					PlanHash: hash,
					ActorID:  actorID(),
					Notes:    notes,
				})
				if err != nil {
					return err
				}
				job, err := a.Engine.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				if wait {
					if job, err = a.Engine.Wait(ctx, job.ID); err != nil {
						return err
					}
				}
				out := map[string]any{"approval": approval, "newly_recorded": recorded, "stage": job.Stage}
				return printJSONOrText(out, func() {
					state := "approved"
					if !recorded {
						state = "already approved"
					}
					fmt.Printf("%s plan v%d (%s) by %s, job is %s\n", state, approval.PlanVersion, domain.ShortHash(approval.PlanHash), approval.Approver, job.Stage)
				})
			})
		},
	}
	cmd.Flags().StringVar(&hash, "hash", "", "plan hash being approved")
	cmd.Flags().BoolVar(&latest, "latest", false, "approve the latest plan version")
	cmd.Flags().StringVar(&notes, "notes", "", "approval notes")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait until the job finishes")
	return cmd
}

func artifactsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "artifacts", Short: "List and read job artifacts"}
	cmd.AddCommand(artifactsListCmd())
	cmd.AddCommand(artifactsGetCmd())
	return cmd
}

func artifactsListCmd() *cobra.Command {
	var typ string
	cmd := &cobra.Command{
		Use:   "list <job-id>",
		Short: "List a job's artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				refs, err := a.Engine.ListArtifacts(ctx, args[0], domain.ArtifactType(typ))
				if err != nil {
					return err
				}
				return printJSONOrText(refs, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Type", "Version", "Size", "SHA256", "Created"})
					for _, r := range refs {
						tw.AppendRow(table.Row{r.Type, r.Version, humanize.Bytes(uint64(r.Size)), domain.ShortHash(r.SHA256), ago(r.CreatedAt)})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "only this artifact type")
	return cmd
}

func artifactsGetCmd() *cobra.Command {
	var version int
	var out string
	cmd := &cobra.Command{
		Use:   "get <job-id> <type>",
		Short: "Print an artifact's content",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				data, ref, err := a.Engine.GetArtifact(ctx, args[0], domain.ArtifactType(strings.TrimSpace(args[1])), version)
				if err != nil {
					return err
				}
				if out != "" {
					if err := os.WriteFile(out, data, 0o644); err != nil {
						return err
					}
					fmt.Fprintf(os.Stderr, "wrote %s v%d (%s) to %s\n", ref.Type, ref.Version, humanize.Bytes(uint64(ref.Size)), out)
					return nil
				}
				_, err = os.Stdout.Write(data)
				return err
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "artifact version (0 = latest)")
	cmd.Flags().StringVarP(&out, "output", "o", "", "write to file instead of stdout")
	return cmd
}
