package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/MaxIV-KitsControls/netspot/internal/models"
)

var (
	listStatus string
	listLimit  int
	listJSON   bool
	showJSON   bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			jobs []models.Job
			err  error
		)
		if listStatus == "" {
			jobs, err = st.GetProcessedJobs(cmd.Context(), listLimit)
		} else {
			status, perr := models.ParseStatus(listStatus)
			if perr != nil {
				return perr
			}
			jobs, err = st.GetJobsByStatus(cmd.Context(), status, listLimit)
		}
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if listJSON {
			for i := range jobs {
				jobs[i] = redacted(jobs[i])
			}
			return printJSON(out, jobs)
		}
		for _, j := range jobs {
			fmt.Fprintf(out, "%s  %-23s  %s  user=%s  playbook=%q  filter=%q\n",
				j.ID, j.Status, j.ModifiedAt.Format(time.RFC3339), j.Username, j.ActionReference, j.TargetSelector)
		}
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <job_id>",
	Short: "Print one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := st.GetJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if showJSON {
			return printJSON(out, redacted(job))
		}
		fmt.Fprintf(out, "id:        %s\n", job.ID)
		fmt.Fprintf(out, "status:    %s\n", job.Status)
		fmt.Fprintf(out, "created:   %s\n", job.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(out, "modified:  %s\n", job.ModifiedAt.Format(time.RFC3339))
		fmt.Fprintf(out, "user:      %s\n", job.Username)
		fmt.Fprintf(out, "playbook:  %s\n", job.ActionReference)
		fmt.Fprintf(out, "filter:    %s\n", job.TargetSelector)
		fmt.Fprintf(out, "arguments: %v\n", job.Parameters.Keys())
		fmt.Fprintf(out, "hosts:     %v\n", job.InventorySnapshot.Hosts())
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <job_id>",
	Short: "Remove a job from the store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := st.DeleteJob(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	},
}

// redacted drops the configured secret parameters; the job secret itself
// never marshals.
func redacted(j models.Job) models.Job {
	j.Parameters = j.Parameters.Without(redactKeys...)
	return j
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status (queued|active|processed|processed_with_failures|executor_error); default all finished")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "Max rows")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "JSON output")
	showCmd.Flags().BoolVar(&showJSON, "json", false, "JSON output")
	rootCmd.AddCommand(listCmd, showCmd, deleteCmd)
}
