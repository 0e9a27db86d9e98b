package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/casevault/lexrag/internal/queue"
	"github.com/casevault/lexrag/internal/ui"
)

// ingestOptions holds CLI flags for ingest.
type ingestOptions struct {
	sourceID     string
	collection   string
	documentType string
	model        string
	chunkSize    int
	chunkOverlap int
	noWait       bool
}

func newIngestCmd() *cobra.Command {
	var opts ingestOptions

	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Ingest a document into the vector store",
		Long: `Ingest reads a plain-text document, queues it for ingestion, and by
default processes the job immediately: the text is chunked, each chunk
is embedded through the provider fallback chain, and the chunks are
persisted with their vectors.

Examples:
  lexrag ingest contract.txt
  lexrag ingest brief.txt --type brief --collection matter-7
  lexrag ingest deposition.txt --chunk-size 200 --no-wait`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.sourceID, "source-id", "", "Document identifier (default: file name without extension)")
	cmd.Flags().StringVar(&opts.collection, "collection", "", "Collection the document belongs to")
	cmd.Flags().StringVar(&opts.documentType, "type", "", "Document type persisted on every chunk")
	cmd.Flags().StringVar(&opts.model, "model", "", "Preferred embedding model override")
	cmd.Flags().IntVar(&opts.chunkSize, "chunk-size", 0, "Chunk size override in words")
	cmd.Flags().IntVar(&opts.chunkOverlap, "chunk-overlap", 0, "Chunk overlap override in words")
	cmd.Flags().BoolVar(&opts.noWait, "no-wait", false, "Queue the job without processing it")

	return cmd
}

func runIngest(ctx context.Context, cmd *cobra.Command, path string, opts ingestOptions) error {
	app, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer app.close()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot read %s: %w", path, err)
	}

	sourceID := opts.sourceID
	if sourceID == "" {
		sourceID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	req := &queue.JobRequest{
		SourceID:     sourceID,
		CollectionID: opts.collection,
		Filename:     filepath.Base(path),
		TextContent:  string(data),
		Model:        opts.model,
		ChunkSize:    opts.chunkSize,
		ChunkOverlap: opts.chunkOverlap,
	}
	if opts.documentType != "" {
		req.Metadata = map[string]string{"document_type": opts.documentType}
	}

	status, err := app.repo.EnqueueIngestion(ctx, req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	styles := ui.StylesFor(out)
	fmt.Fprintf(out, "%s %s\n", styles.Label.Render("queued job"), status.JobID)

	if opts.noWait {
		return nil
	}

	// Drain the queue until our job reaches a terminal state.
	for {
		done, err := app.repo.ProcessNextJob(ctx)
		if err != nil {
			return err
		}
		if done == nil {
			break
		}
		if done.JobID == status.JobID {
			status = done
			break
		}
	}

	if status.Status == queue.StatusFailed {
		fmt.Fprintf(out, "%s %s\n", styles.Error.Render("failed:"), status.Error)
		return fmt.Errorf("ingestion failed for %s", sourceID)
	}

	fmt.Fprintf(out, "%s %s (%d chunks, model %s)\n",
		styles.Success.Render("ingested"), sourceID, status.TotalChunks, status.Model)
	return nil
}
