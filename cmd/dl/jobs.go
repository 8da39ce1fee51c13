package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"draftline/internal/app"
	"draftline/internal/domain"
	"draftline/internal/engine"
)

func jobCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "job", Short: "Create and manage pipeline jobs"}
	cmd.AddCommand(jobCreateCmd())
	cmd.AddCommand(jobListCmd())
	cmd.AddCommand(jobShowCmd())
	cmd.AddCommand(jobProgressCmd())
	cmd.AddCommand(jobCancelCmd())
	cmd.AddCommand(jobRetryCmd())
	cmd.AddCommand(jobWaitCmd())
	return cmd
}

// parseRepo accepts URL or URL#ref.
func parseRepo(s string) (domain.RepoRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return domain.RepoRef{}, fmt.Errorf("empty repo")
	}
	url, ref, _ := strings.Cut(s, "#")
	if url == "" {
		return domain.RepoRef{}, fmt.Errorf("repo %q has no url", s)
	}
	return domain.RepoRef{URL: url, Ref: ref}, nil
}

func jobCreateCmd() *cobra.Command {
	var story, summary, description, mode string
	var repos, scope []string
	var wait bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job and start planning",
		Example: `  dl job create --story PROJ-12 --repo https://github.com/acme/api.git#main
  dl job create --story PROJ-12 --repo ./api --scope 'internal/**' --wait`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.JobCreateOptions{
				StoryKey: story,
				Summary:  summary,
				Details:  description,
				Scope:    domain.Scope{Paths: scope},
				Mode:     mode,
				ActorID:  actorID(),
			}
			for _, r := range repos {
				ref, err := parseRepo(r)
				if err != nil {
					return err
				}
				opts.Repos = append(opts.Repos, ref)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				job, err := a.Engine.CreateJob(ctx, opts)
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
	cmd.Flags().StringVar(&story, "story", "", "story key")
	cmd.Flags().StringVar(&summary, "summary", "", "story summary (overrides the story file)")
	cmd.Flags().StringVar(&description, "description", "", "story description")
	cmd.Flags().StringSliceVar(&repos, "repo", nil, "repository URL, optionally URL#ref (repeatable)")
	cmd.Flags().StringSliceVar(&scope, "scope", nil, "path glob limiting the planned change (repeatable)")
	cmd.Flags().StringVar(&mode, "mode", string(domain.ModeNormal), "normal or auto-approve")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait until the job needs approval or finishes")
	_ = cmd.MarkFlagRequired("story")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

func jobListCmd() *cobra.Command {
	var stages []string
	var limit int
	var cursor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.JobListOptions{Limit: limit, Cursor: cursor}
			for _, s := range stages {
				opts.Stages = append(opts.Stages, domain.Stage(strings.ToUpper(strings.TrimSpace(s))))
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				jobs, next, err := a.Engine.ListJobs(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrText(map[string]any{"items": jobs, "next_cursor": next}, func() {
					printJobTable(jobs)
					if next != "" {
						fmt.Printf("more: --cursor %s\n", next)
					}
				})
			})
		},
	}
	cmd.Flags().StringSliceVar(&stages, "stage", nil, "filter by stage (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "page cursor")
	return cmd
}

func printJobTable(jobs []domain.Job) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Story", "Stage", "Mode", "Repos", "Updated"})
	for _, j := range jobs {
		tw.AppendRow(table.Row{short(j.ID), j.StoryKey, j.Stage, j.Mode, len(j.Repos), ago(j.UpdatedAt)})
	}
	tw.Render()
}

func ago(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return humanize.Time(t)
}

func printJob(job domain.Job) error {
	return printJSONOrText(job, func() {
		fmt.Printf("%s  %s  %s\n", job.ID, job.StoryKey, job.Stage)
		if job.Story.Summary != "" {
			fmt.Printf("  summary:  %s\n", job.Story.Summary)
		}
		for _, r := range job.Repos {
			if r.Ref != "" {
				fmt.Printf("  repo:     %s (%s)\n", r.URL, r.Ref)
			} else {
				fmt.Printf("  repo:     %s\n", r.URL)
			}
		}
		if len(job.Scope.Paths) > 0 {
			fmt.Printf("  scope:    %s\n", strings.Join(job.Scope.Paths, ", "))
		}
		fmt.Printf("  mode:     %s\n", job.Mode)
		if job.ApprovedPlanHash != nil {
			fmt.Printf("  approved: %s\n", domain.ShortHash(*job.ApprovedPlanHash))
		}
		fmt.Printf("  created:  %s by %s\n", ago(job.CreatedAt), job.CreatedBy)
		fmt.Printf("  updated:  %s\n", ago(job.UpdatedAt))
		if job.Error != "" {
			fmt.Printf("  error:    %s\n", job.Error)
		}
		if url := draftURL(job); url != "" {
			fmt.Printf("  draft:    %s\n", url)
		}
	})
}

// draftURL reads the published change request URL from a completed job.
func draftURL(job domain.Job) string {
	switch res := job.Result["publish_result"].(type) {
	case domain.PublishResult:
		return res.URL
	case map[string]any:
		url, _ := res["pr_url"].(string)
		return url
	}
	return ""
}

func jobShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				job, err := a.Engine.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJob(job)
			})
		},
	}
}

func jobProgressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <job-id>",
		Short: "Show how far a job has advanced",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.Progress(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrText(p, func() {
					fmt.Printf("%s  %d%%  step %d/%d  %s\n", p.Stage, p.Percentage, p.StepsCompleted, p.TotalSteps, p.CurrentStep)
					if p.EstimatedRemainingSecs != nil {
						fmt.Printf("  about %s left in stage\n", time.Duration(*p.EstimatedRemainingSecs)*time.Second)
					}
				})
			})
		},
	}
}

func jobCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>...",
		Short: "Cancel one or more jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if len(args) == 1 {
					job, err := a.Engine.Cancel(ctx, args[0], actorID())
					if err != nil {
						return err
					}
					return printJob(job)
				}
				results, err := a.Engine.BulkCancel(ctx, args, actorID())
				if err != nil {
					return err
				}
				return printBulk(results)
			})
		},
	}
}

func printBulk(results []engine.BulkResult) error {
	return printJSONOrText(results, func() {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"#", "Job", "Result"})
		for _, r := range results {
			outcome := "ok"
			if r.Error != "" {
				outcome = r.Code + ": " + r.Error
			}
			tw.AppendRow(table.Row{r.Index, short(r.JobID), outcome})
		}
		tw.Render()
	})
}

func jobRetryCmd() *cobra.Command {
	var stage string
	var force, wait bool
	cmd := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Restart a failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				job, err := a.Engine.RetryJob(ctx, engine.RetryOptions{
					JobID:   args[0],
					Stage:   domain.Stage(strings.ToUpper(stage)),
					Force:   force,
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
	cmd.Flags().StringVar(&stage, "stage", "", "stage to restart from (default: the failed stage)")
	cmd.Flags().BoolVar(&force, "force", false, "allow retrying cancelled or completed jobs")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait until the job needs approval or finishes")
	return cmd
}

func jobWaitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wait <job-id>",
		Short: "Resume interrupted jobs and wait for one to stop executing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Engine.Recover(ctx); err != nil {
					return err
				}
				job, err := a.Engine.Wait(ctx, args[0])
				if err != nil {
					return err
				}
				return printJob(job)
			})
		},
	}
}
