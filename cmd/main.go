package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/xhad/crawl2rag/pkg/config"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(exitCode(err))
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "crawl2rag",
		Short: "crawl2rag crawls numbered pages into a RAGFlow knowledge base",
		Long: `crawl2rag fetches a range of numbered pages through Firecrawl, keeps a
Markdown copy of every page, splits the text into chunks and uploads them
into a RAGFlow knowledge base.

Usage:
  crawl2rag run --base_url <url> --start_page <n> --end_page <m> \
    --doc_id <id> --knowledge_base_name <kb> [flags]`,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(newRunCmd(stdout, stderr))
	root.AddCommand(newSearchCmd(stdout, stderr))
	root.AddCommand(newVersionCmd(stdout))

	return root
}

func newVersionCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the crawl2rag version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(stdout, "crawl2rag %s\n", version)
		},
	}
}

func exitCode(err error) int {
	var configErr *config.ConfigError
	if errors.As(err, &configErr) {
		return 2
	}
	return 1
}
