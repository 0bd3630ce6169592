package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/xhad/crawl2rag/internal/models"
	"github.com/xhad/crawl2rag/pkg/config"
	"github.com/xhad/crawl2rag/pkg/llm"
	"github.com/xhad/crawl2rag/pkg/output"
	"github.com/xhad/crawl2rag/pkg/pipeline"
	"github.com/xhad/crawl2rag/pkg/processor"
	"github.com/xhad/crawl2rag/pkg/ragflow"
	"github.com/xhad/crawl2rag/pkg/scraper"
	"github.com/xhad/crawl2rag/pkg/store"
)

type runOptions struct {
	configPath        string
	baseURL           string
	startPage         int
	endPage           int
	docID             string
	knowledgeBaseName string
	debug             bool
	skipRAG           bool
	waitMin           float64
	waitMax           float64
	workers           int
}

func newRunCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Crawl a page range and upload it into a knowledge base",
		Long: `Run fetches <base_url><n> for every n from start_page to end_page, saves
each page as page-<n>.md in the output directory, splits it into chunks and
adds the chunks to a document inside the RAGFlow knowledge base.

Examples:
  crawl2rag run --base_url https://blog.example.com/article/ --start_page 1 --end_page 20 \
    --doc_id blog --knowledge_base_name tech-kb
  crawl2rag run --base_url https://blog.example.com/article/ --start_page 5 --end_page 5 \
    --doc_id blog --knowledge_base_name tech-kb --skiprag --debug`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.startPage > opts.endPage {
				return fmt.Errorf("--start_page (%d) must not be greater than --end_page (%d)", opts.startPage, opts.endPage)
			}
			// Past flag validation, failures are not usage errors.
			cmd.SilenceUsage = true
			return runCrawl(cmd.Context(), cmd, opts, stdout, stderr)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", config.DefaultPath, "Path to the YAML config file")
	flags.StringVar(&opts.baseURL, "base_url", "", "Base URL; the page number is appended to it")
	flags.IntVar(&opts.startPage, "start_page", 0, "First page number (inclusive)")
	flags.IntVar(&opts.endPage, "end_page", 0, "Last page number (inclusive)")
	flags.StringVar(&opts.docID, "doc_id", "", "Document id pages are uploaded under")
	flags.StringVar(&opts.knowledgeBaseName, "knowledge_base_name", "", "RAGFlow knowledge base name")
	flags.BoolVar(&opts.debug, "debug", false, "Log debug output to the console")
	flags.BoolVar(&opts.skipRAG, "skiprag", false, "Crawl and save pages without uploading to RAGFlow")
	flags.Float64Var(&opts.waitMin, "wait-min", 0, "Minimum seconds to wait between pages (overrides config)")
	flags.Float64Var(&opts.waitMax, "wait-max", 0, "Maximum seconds to wait between pages (overrides config)")
	flags.IntVar(&opts.workers, "workers", 0, "Pages processed concurrently (overrides config)")

	for _, name := range []string{"base_url", "start_page", "end_page", "doc_id", "knowledge_base_name"} {
		cmd.MarkFlagRequired(name)
	}

	return cmd
}

// applyFlags lets explicitly set flags win over the config file.
func (o *runOptions) applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("wait-min") {
		cfg.Pipeline.WaitMin = o.waitMin
	}
	if flags.Changed("wait-max") {
		cfg.Pipeline.WaitMax = o.waitMax
	}
	if flags.Changed("workers") {
		cfg.Pipeline.Workers = o.workers
	}
}

func runCrawl(ctx context.Context, cmd *cobra.Command, opts *runOptions, stdout, stderr io.Writer) error {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	opts.applyFlags(cmd, cfg)
	if err := cfg.Err(opts.configPath); err != nil {
		return err
	}

	writer, err := output.New(cfg.Output.Dir)
	if err != nil {
		return err
	}

	var logFile io.Writer
	if cfg.Output.LogFile != "" {
		f, err := writer.OpenLog(cfg.Output.LogFile)
		if err != nil {
			return err
		}
		defer f.Close()
		logFile = f
	}

	level := slog.LevelInfo
	if opts.debug {
		level = slog.LevelDebug
	}
	runID := uuid.NewString()
	logger := output.NewLogger(stderr, logFile, level).With("run_id", runID)

	crawler, err := scraper.NewWithConfig(scraper.ScraperConfig{
		APIURL:    cfg.Firecrawl.APIURL,
		APIKey:    cfg.Firecrawl.APIKey,
		RateLimit: cfg.Firecrawl.RateLimit,
		Formats:   cfg.Firecrawl.Formats,
		Timeout:   cfg.FirecrawlTimeout(),
		Logger:    logger.With("component", "firecrawl"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize scraper: %w", err)
	}

	segmenter, err := processor.NewWithConfig(processor.ProcessorConfig{
		MaxChunkSize: cfg.Processor.MaxChunkSize,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize processor: %w", err)
	}

	deps := pipeline.Deps{
		Crawler:   crawler,
		Segmenter: segmenter,
		Writer:    writer,
		Logger:    logger,
	}

	if !opts.skipRAG {
		kb, err := ragflow.NewWithConfig(ragflow.ClientConfig{
			APIURL:     cfg.RAGFlow.APIURL,
			APIKey:     cfg.RAGFlow.APIKey,
			Timeout:    cfg.RAGFlowTimeout(),
			MaxRetries: cfg.RAGFlow.MaxRetries,
			Logger:     logger.With("component", "ragflow"),
		})
		if err != nil {
			return fmt.Errorf("failed to initialize RAGFlow client: %w", err)
		}
		deps.KnowledgeBase = kb

		if cfg.MirrorEnabled() {
			mirror, err := openMirror(ctx, cfg)
			if err != nil {
				logger.Warn("chunk mirror disabled", "error", err)
			} else {
				defer mirror.Close()
				deps.Mirror = mirror
			}
		}
	}

	total := opts.endPage - opts.startPage + 1
	bar := getProgressBar(stderr, total, " Crawling pages")

	p, err := pipeline.New(pipeline.Config{
		Workers:         cfg.Pipeline.Workers,
		WaitMin:         seconds(cfg.Pipeline.WaitMin),
		WaitMax:         seconds(cfg.Pipeline.WaitMax),
		DocumentPerPage: cfg.RAGFlow.DocumentPerPage,
		SkipUpload:      opts.skipRAG,
		OnPageDone: func(models.PageResult) {
			bar.Add(1)
		},
	}, deps)
	if err != nil {
		return err
	}

	result, runErr := p.Run(ctx, pipeline.RunRequest{
		BaseURL:           opts.baseURL,
		StartPage:         opts.startPage,
		EndPage:           opts.endPage,
		DocID:             opts.docID,
		KnowledgeBaseName: opts.knowledgeBaseName,
		RunID:             runID,
	})
	bar.Finish()
	fmt.Fprintln(stderr)

	if result == nil {
		return runErr
	}

	printSummary(stderr, result)

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	fmt.Fprintln(stdout, string(data))

	return runErr
}

func openMirror(ctx context.Context, cfg *config.Config) (*store.VectorStore, error) {
	embedder, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{
		Model:   cfg.Mirror.EmbedModel,
		BaseURL: cfg.Mirror.OllamaURL,
	})
	if err != nil {
		return nil, err
	}

	return store.NewWithConfig(ctx, store.VectorStoreConfig{
		ConnString: cfg.Mirror.DatabaseURL,
		TableName:  cfg.Mirror.TableName,
		VectorDim:  cfg.Mirror.VectorDim,
	}, embedder)
}

func printSummary(w io.Writer, result *models.RunResult) {
	status := color.New(color.FgGreen)
	if result.CrawledPages < result.TotalPages || result.FailedChunks > 0 {
		status = color.New(color.FgYellow)
	}
	if result.CrawledPages == 0 {
		status = color.New(color.FgRed)
	}

	status.Fprintf(w, "✓ Crawled %d/%d pages", result.CrawledPages, result.TotalPages)
	if result.SkippedUpload {
		fmt.Fprintln(w, color.CyanString(" (upload skipped)"))
		return
	}
	status.Fprintf(w, ", uploaded %d chunks (%d pages complete)", result.UploadedChunks, result.UploadedPages)
	if result.FailedChunks > 0 {
		fmt.Fprint(w, color.RedString(", %d chunks failed", result.FailedChunks))
	}
	fmt.Fprintln(w)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
