package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/xhad/crawl2rag/pkg/config"
)

func newSearchCmd(stdout, stderr io.Writer) *cobra.Command {
	var (
		configPath        string
		knowledgeBaseName string
		limit             int
		asJSON            bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search chunks mirrored into Postgres by earlier runs",
		Long: `Search embeds the query with the configured Ollama model and prints the
closest chunks that earlier runs mirrored into the pgvector table. It needs
mirror.database_url (or DATABASE_URL) to be set.

Examples:
  crawl2rag search "how do I rotate keys" --knowledge_base_name tech-kb
  crawl2rag search "pricing" --knowledge_base_name tech-kb --limit 10 --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if !cfg.MirrorEnabled() {
				return &config.ConfigError{
					Path: configPath,
					Err:  errors.New("mirror.database_url is not set"),
				}
			}

			vs, err := openMirror(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to open chunk mirror: %w", err)
			}
			defer vs.Close()

			spinner := getSpinner(stderr, " Searching chunks...")
			hits, err := vs.Search(cmd.Context(), strings.Join(args, " "), knowledgeBaseName, limit)
			spinner.Finish()
			fmt.Fprintln(stderr)
			if err != nil {
				return err
			}

			if asJSON {
				data, err := json.MarshalIndent(hits, "", "  ")
				if err != nil {
					return fmt.Errorf("encoding hits: %w", err)
				}
				fmt.Fprintln(stdout, string(data))
				return nil
			}

			if len(hits) == 0 {
				color.New(color.FgYellow).Fprintln(stdout, "No matching chunks.")
				return nil
			}
			for i, hit := range hits {
				color.New(color.FgCyan).Fprintf(stdout, "%d. %s (page %d, chunk %d, distance %.3f)\n",
					i+1, hit.DocumentID, hit.Page, hit.ChunkIndex, hit.Distance)
				fmt.Fprintf(stdout, "   %s\n   %s\n\n", hit.URL, strings.ReplaceAll(hit.Content, "\n", "\n   "))
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", config.DefaultPath, "Path to the YAML config file")
	flags.StringVar(&knowledgeBaseName, "knowledge_base_name", "", "Knowledge base to search")
	flags.IntVar(&limit, "limit", 5, "Maximum number of chunks to return")
	flags.BoolVar(&asJSON, "json", false, "Print hits as JSON")
	cmd.MarkFlagRequired("knowledge_base_name")

	return cmd
}
