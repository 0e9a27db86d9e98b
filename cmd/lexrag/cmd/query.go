package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/casevault/lexrag/internal/repository"
	"github.com/casevault/lexrag/internal/ui"
)

// queryOptions holds CLI flags for query.
type queryOptions struct {
	limit        int
	threshold    float64
	model        string
	documentType string
	hybrid       bool
	format       string
}

func newQueryCmd() *cobra.Command {
	var opts queryOptions

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Retrieve the most relevant chunks for a query",
		Long: `Query embeds the text and returns the nearest chunks by cosine
similarity. With --hybrid, full-text rank and vector similarity are
combined 0.3/0.7 so exact legal phrases surface even when the
embedding misses them.

Examples:
  lexrag query "limitation of liability"
  lexrag query "indemnification obligations" --limit 5 --threshold 0.6
  lexrag query "force majeure" --hybrid --type contract
  lexrag query "choice of law" --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd.Context(), cmd, strings.Join(args, " "), opts)
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 0, "Maximum number of results (default 8)")
	cmd.Flags().Float64Var(&opts.threshold, "threshold", 0, "Minimum similarity score in [0,1]")
	cmd.Flags().StringVar(&opts.model, "model", "", "Preferred embedding model override")
	cmd.Flags().StringVarP(&opts.documentType, "type", "t", "", "Restrict results to one document type")
	cmd.Flags().BoolVar(&opts.hybrid, "hybrid", false, "Combine lexical and vector ranking")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")

	return cmd
}

func runQuery(ctx context.Context, cmd *cobra.Command, text string, opts queryOptions) error {
	app, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer app.close()

	qopts := repository.QueryOptions{
		Limit:        opts.limit,
		Threshold:    opts.threshold,
		Model:        opts.model,
		DocumentType: opts.documentType,
	}

	var results []repository.SimilarityResult
	if opts.hybrid {
		results, err = app.repo.QueryHybrid(ctx, text, qopts)
	} else {
		results, err = app.repo.QuerySimilar(ctx, text, qopts)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	if opts.format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	styles := ui.StylesFor(out)
	if len(results) == 0 {
		fmt.Fprintln(out, styles.Dim.Render("no results"))
		return nil
	}

	fmt.Fprintln(out, styles.Header.Render(fmt.Sprintf("%d results for %q", len(results), text)))
	for i, r := range results {
		fmt.Fprintf(out, "\n%s %s  %s %s\n",
			styles.Score.Render(fmt.Sprintf("%2d. %.3f", i+1, r.Score)),
			styles.Label.Render(fmt.Sprintf("%s#%d", r.DocumentID, r.ChunkIndex)),
			styles.Dim.Render("id"), r.ID)
		fmt.Fprintf(out, "    %s\n", snippet(r.Content, 200))
	}
	return nil
}

// snippet trims content to at most n runes on a word boundary.
func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return cut + "…"
}
