package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/songzhibin97/stepflow/config"
	"github.com/songzhibin97/stepflow/storage"
	"github.com/songzhibin97/stepflow/workflow"
	"github.com/spf13/cobra"
)

// parseJSON decodes a flag value; empty means nil.
func parseJSON(flag, raw string) (interface{}, error) {
	if raw == "" {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("--%s is not valid JSON: %w", flag, err)
	}
	return v, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStartCmd(a *app) *cobra.Command {
	var input, state string
	cmd := &cobra.Command{
		Use:   "start <workflow-id>",
		Short: "Start a run and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := parseJSON("input", input)
			if err != nil {
				return err
			}
			var opts []workflow.StartOption
			if state != "" {
				initial, err := parseJSON("state", state)
				if err != nil {
					return err
				}
				opts = append(opts, workflow.WithInitialState(initial))
			}
			return a.withEngine(cmd.Context(), func(e *workflow.Engine) error {
				res, err := e.Start(cmd.Context(), args[0], in, opts...)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "run input as JSON")
	cmd.Flags().StringVar(&state, "state", "", "initial shared state as JSON")
	return cmd
}

func newResumeCmd(a *app) *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a suspended run with resume data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseJSON("data", data)
			if err != nil {
				return err
			}
			return a.withEngine(cmd.Context(), func(e *workflow.Engine) error {
				res, err := e.Resume(cmd.Context(), args[0], payload)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "resume data as JSON")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Print the status of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(e *workflow.Engine) error {
				status, err := e.GetStatus(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), status)
				return err
			})
		},
	}
}

func newInspectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <run-id>",
		Short: "Print the stored snapshot of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(e *workflow.Engine) error {
				run, err := e.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), run)
			})
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a suspended or finished run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(e *workflow.Engine) error {
				if err := e.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return err
			})
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored runs, most recent first (sqlite store only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Store.Backend != config.BackendSQLite {
				return fmt.Errorf("list needs the sqlite store, not %q", a.cfg.Store.Backend)
			}
			s, err := storage.NewSQLiteStore(a.cfg.Store.SQLite.Path, nil)
			if err != nil {
				return err
			}
			runs, err := s.List(cmd.Context(), limit)
			err = errors.Join(err, s.Close())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN ID\tWORKFLOW\tSTATUS\tUPDATED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.RunID, r.WorkflowID, r.Status,
					time.UnixMilli(r.UpdatedAt).Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of runs")
	return cmd
}

func newGCCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Remove completed, bailed and failed runs from the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(e *workflow.Engine) error {
				n, err := e.ClearTerminal(cmd.Context())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d runs\n", n)
				return err
			})
		},
	}
}

func newWorkflowsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "workflows",
		Short: "List the workflows this binary can start",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(e *workflow.Engine) error {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, wf := range e.Workflows() {
					fmt.Fprintf(tw, "%s\t%d stages\t%s\n", wf.ID(), len(wf.Stages()), wf.Description())
				}
				return tw.Flush()
			})
		},
	}
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := config.Dump(a.cfg)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), out)
			return err
		},
	}
}
