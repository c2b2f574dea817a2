package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"retrospect-backend/internal/analyses"
	"retrospect-backend/internal/bootstrap"
	"retrospect-backend/internal/prompts"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <session-id>",
	Short: "Create an analysis request and run it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		templateID, _ := cmd.Flags().GetString("template")
		rawVars, _ := cmd.Flags().GetStringArray("var")
		async, _ := cmd.Flags().GetBool("async")
		vars, err := parseVars(rawVars)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
			svc := app.AnalysesService
			req, err := svc.Create(ctx, analyses.CreateInput{SessionID: args[0], TemplateID: templateID, Variables: vars})
			if err != nil {
				return err
			}
			if async {
				if err := svc.Enqueue(ctx, req.ID); err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "queued %s\n", req.ID)
				return nil
			}
			return runAndReport(ctx, svc, req.ID)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <request-id>...",
	Short: "Show the status of analysis requests",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
			reqs := make([]analyses.AnalysisRequest, 0, len(args))
			for _, id := range args {
				req, err := app.AnalysesService.Get(ctx, id)
				if err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
				reqs = append(reqs, req)
			}
			return writeRequests(os.Stdout, reqs)
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list <session-id>",
	Short: "List analysis requests for a session, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
			reqs, err := app.AnalysesService.ListBySession(ctx, args[0], limit, 0)
			if err != nil {
				return err
			}
			return writeRequests(os.Stdout, reqs)
		})
	},
}

var resultCmd = &cobra.Command{
	Use:   "result <request-id>",
	Short: "Print the result of a completed analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
			res, err := app.AnalysesService.GetResult(ctx, args[0])
			if err != nil {
				return err
			}
			if res == nil {
				return fmt.Errorf("analysis %s has no result yet", args[0])
			}
			return writeResult(os.Stdout, *res)
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <request-id>",
	Short: "Cancel a queued or running analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
			req, err := app.AnalysesService.Cancel(ctx, args[0])
			if err != nil {
				return err
			}
			return writeRequests(os.Stdout, []analyses.AnalysisRequest{req})
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <request-id>",
	Short: "Requeue a failed analysis and run it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		async, _ := cmd.Flags().GetBool("async")
		return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
			svc := app.AnalysesService
			req, err := svc.Retry(ctx, args[0])
			if err != nil {
				return err
			}
			if async {
				return svc.Enqueue(ctx, req.ID)
			}
			return runAndReport(ctx, svc, req.ID)
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Fail analyses stuck in processing",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
			n, err := app.AnalysesService.Reconcile(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "reconciled %d request(s)\n", n)
			return nil
		})
	},
}

var promptCmd = &cobra.Command{
	Use:   "prompt <template-id> [session-id]",
	Short: "Print a resolved prompt without calling the model",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rawVars, _ := cmd.Flags().GetStringArray("var")
		vars, err := parseVars(rawVars)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
			tpl, err := app.Templates.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if len(args) == 2 && !vars.Has(prompts.ChatContentVariable) {
				session, err := app.Sessions.GetSession(ctx, args[1])
				if err != nil {
					return err
				}
				vars.Set(prompts.ChatContentVariable, session.Transcript())
			}
			resolved, err := prompts.Resolve(tpl, vars)
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, resolved.Text)
			return nil
		})
	},
}

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List prompt templates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
			tpls, err := app.Templates.List(ctx)
			if err != nil {
				return err
			}
			return writeTemplates(os.Stdout, tpls)
		})
	},
}

func init() {
	analyzeCmd.Flags().String("template", prompts.SessionSummaryID, "Prompt template id")
	analyzeCmd.Flags().StringArray("var", nil, "Template variable as key=value (repeatable)")
	analyzeCmd.Flags().Bool("async", false, "Enqueue for a worker instead of running inline")
	retryCmd.Flags().Bool("async", false, "Enqueue for a worker instead of running inline")
	promptCmd.Flags().StringArray("var", nil, "Template variable as key=value (repeatable)")
	listCmd.Flags().Int("limit", 20, "Maximum requests to show")
}

func runAndReport(ctx context.Context, svc *analyses.Service, id string) error {
	if err := svc.Run(ctx, id); err != nil {
		return err
	}
	req, err := svc.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := writeRequests(os.Stdout, []analyses.AnalysisRequest{req}); err != nil {
		return err
	}
	if req.Status != analyses.StatusCompleted {
		return nil
	}
	res, err := svc.GetResult(ctx, id)
	if err != nil || res == nil {
		return err
	}
	return writeResult(os.Stdout, *res)
}

// parseVars keeps flag order, which is the order variables are stored in.
func parseVars(raw []string) (prompts.Variables, error) {
	var vars prompts.Variables
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return prompts.Variables{}, errors.New("variables must look like key=value: " + kv)
		}
		vars.Set(key, value)
	}
	return vars, nil
}
