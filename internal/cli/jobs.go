package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"botfleet/internal/storage"
	"botfleet/internal/task/scheduler"
	"botfleet/pkg/tgui"
)

func newJobsCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect broadcast jobs",
	}
	cmd.AddCommand(newJobsListCmd(cfgPath))
	return cmd
}

func newJobsListCmd(cfgPath *string) *cobra.Command {
	var tenantID int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending one-offs and active recurring jobs of a tenant",
		Args:  cobra.NoArgs,
		RunE: withStore(cfgPath, func(cmd *cobra.Command, db *storage.DB, _ []string) error {
			jobs, err := db.OpenJobs(cmd.Context(), tenantID)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no open jobs")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tAUDIENCE\tWHEN\tCONTENT")
			for _, j := range jobs {
				when := scheduler.DescribeInterval(j.Interval)
				if j.Kind == storage.JobOnce {
					when = j.FireAt.Format("2006-01-02 15:04")
				}
				content := j.Payload.Text
				if content == "" {
					content = "[" + string(j.Payload.Media.Kind) + "]"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", j.ID, j.Kind, j.Audience, when, tgui.TruncRunes(content, 40))
			}
			return w.Flush()
		}),
	}
	cmd.Flags().Int64Var(&tenantID, "tenant", 0, "tenant id")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
