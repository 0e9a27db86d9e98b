// Package cmd provides the CLI commands for lexrag.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/casevault/lexrag/pkg/version"
)

var (
	configPath string
	debugMode  bool
)

// NewRootCmd creates the root command for the lexrag CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lexrag",
		Short: "RAG ingestion and retrieval for legal document collections",
		Long: `lexrag ingests legal documents into a vector store and retrieves
the most relevant passages for a query.

Documents are chunked, embedded through a provider fallback chain with
two cache tiers, and persisted to Postgres/pgvector (or an in-process
store for development). Retrieval supports pure vector similarity and
hybrid lexical+vector ranking.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("lexrag version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default ~/.lexrag/config.yaml)")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newQueryCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}
