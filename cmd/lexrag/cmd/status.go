package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/casevault/lexrag/internal/queue"
	"github.com/casevault/lexrag/internal/ui"
)

func newStatusCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the status of an ingestion job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			status := app.repo.GetJobStatus(args[0])
			if status == nil {
				return fmt.Errorf("unknown job %s", args[0])
			}

			out := cmd.OutOrStdout()
			if format == "json" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}

			styles := ui.StylesFor(out)
			state := styles.Label
			switch status.Status {
			case queue.StatusCompleted:
				state = styles.Success
			case queue.StatusFailed:
				state = styles.Error
			}

			fmt.Fprintf(out, "%s %s\n", styles.Label.Render("job"), status.JobID)
			fmt.Fprintf(out, "%s %s\n", styles.Label.Render("source"), status.SourceID)
			fmt.Fprintf(out, "%s %s\n", styles.Label.Render("state"), state.Render(string(status.Status)))
			fmt.Fprintf(out, "%s %d/%d\n", styles.Label.Render("chunks"), status.ProcessedChunks, status.TotalChunks)
			if status.Model != "" {
				fmt.Fprintf(out, "%s %s\n", styles.Label.Render("model"), status.Model)
			}
			if status.Error != "" {
				fmt.Fprintf(out, "%s %s\n", styles.Label.Render("error"), styles.Error.Render(status.Error))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: text, json")
	return cmd
}
