// Package pipeline drives a crawl run: it walks a page range, fetches every
// page, persists the raw text, segments it and uploads the chunks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/xhad/crawl2rag/internal/models"
	"github.com/xhad/crawl2rag/internal/types"
	"golang.org/x/sync/errgroup"
)

const (
	StatusSuccess = "success"
	StatusEmpty   = "empty"
)

type Config struct {
	Workers         int           // pages processed concurrently, 1 keeps strict page order
	WaitMin         time.Duration // random pause before every page but the first
	WaitMax         time.Duration
	DocumentPerPage bool // upload page N into "<doc_id>-page-N" instead of "<doc_id>"
	SkipUpload      bool
	OnPageDone      func(models.PageResult)
}

type Deps struct {
	Crawler       types.Crawler
	KnowledgeBase types.KnowledgeBase
	Segmenter     types.Segmenter
	Writer        types.PageWriter
	Mirror        types.ChunkMirror // optional
	Logger        *slog.Logger      // expected to carry the run_id
}

type RunRequest struct {
	BaseURL           string
	StartPage         int
	EndPage           int
	DocID             string
	KnowledgeBaseName string
	RunID             string
}

func (r RunRequest) Validate() error {
	switch {
	case r.BaseURL == "":
		return errors.New("base URL is required")
	case r.StartPage > r.EndPage:
		return fmt.Errorf("start page %d is after end page %d", r.StartPage, r.EndPage)
	case r.DocID == "":
		return errors.New("document id is required")
	case r.KnowledgeBaseName == "":
		return errors.New("knowledge base name is required")
	}
	return nil
}

type Pipeline struct {
	config Config
	deps   Deps
	logger *slog.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64

	doneMu sync.Mutex
}

func New(config Config, deps Deps) (*Pipeline, error) {
	if deps.Crawler == nil || deps.Segmenter == nil || deps.Writer == nil {
		return nil, errors.New("pipeline: crawler, segmenter and writer are required")
	}
	if deps.KnowledgeBase == nil && !config.SkipUpload {
		return nil, errors.New("pipeline: knowledge base client is required unless uploads are skipped")
	}
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.WaitMax < config.WaitMin {
		config.WaitMax = config.WaitMin
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Pipeline{
		config: config,
		deps:   deps,
		logger: deps.Logger,
		sleep:  sleepContext,
		jitter: rand.Float64,
	}, nil
}

// Run processes every page in [StartPage, EndPage]. Page and chunk failures
// are recorded in the result and never abort the run; only an invalid
// request or a cancelled context returns an error.
func (p *Pipeline) Run(ctx context.Context, req RunRequest) (*models.RunResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	logger := p.logger

	total := req.EndPage - req.StartPage + 1
	results := make([]models.PageResult, total)
	started := make([]bool, total)

	logger.Info("starting run",
		"base_url", req.BaseURL, "start_page", req.StartPage, "end_page", req.EndPage,
		"doc_id", req.DocID, "knowledge_base", req.KnowledgeBaseName, "workers", p.config.Workers)

	process := func(i int) error {
		if i > 0 {
			if err := p.pause(ctx, logger); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		started[i] = true
		results[i] = p.processPage(ctx, logger, req, req.StartPage+i)
		p.pageDone(results[i])
		return nil
	}

	var runErr error
	if p.config.Workers == 1 {
		for i := 0; i < total; i++ {
			if runErr = process(i); runErr != nil {
				break
			}
		}
	} else {
		// Page failures are recorded, not returned, so one page never cancels another.
		var g errgroup.Group
		g.SetLimit(p.config.Workers)
		for i := 0; i < total; i++ {
			i := i
			g.Go(func() error { return process(i) })
		}
		runErr = g.Wait()
	}

	result := summarize(req, results, started, p.config.SkipUpload)

	logger.Info("run finished",
		"crawled_pages", result.CrawledPages, "total_pages", result.TotalPages,
		"uploaded_pages", result.UploadedPages, "uploaded_chunks", result.UploadedChunks,
		"failed_chunks", result.FailedChunks)

	if runErr != nil {
		return result, fmt.Errorf("run interrupted: %w", runErr)
	}
	return result, nil
}

func (p *Pipeline) processPage(ctx context.Context, logger *slog.Logger, req RunRequest, page int) models.PageResult {
	pageReq := models.PageRequest{BaseURL: req.BaseURL, PageNumber: page}
	result := models.PageResult{Page: page, URL: pageReq.URL()}
	logger = logger.With("page", page, "url", result.URL)

	logger.Info("crawling page")
	doc, err := p.deps.Crawler.Scrape(ctx, pageReq)
	if err != nil {
		result.Error = err.Error()
		logger.Error("crawl failed, skipping page", "error", err)
		return result
	}

	path, err := p.deps.Writer.WritePage(page, doc.RawText)
	if err != nil {
		logger.Warn("could not persist raw page", "error", err)
	} else {
		result.FilePath = path
	}

	documentID := p.documentID(req.DocID, page)
	processed := p.deps.Segmenter.Process(*doc, documentID, req.KnowledgeBaseName)
	result.DocumentID = documentID
	result.Chunks = len(processed.Chunks)
	logger.Info("page segmented", "document", documentID, "chunks", result.Chunks)

	if p.config.SkipUpload {
		return result
	}

	uploaded := make([]models.Chunk, 0, len(processed.Chunks))
	for _, chunk := range processed.Chunks {
		if err := ctx.Err(); err != nil {
			result.ChunkErrors = append(result.ChunkErrors, err.Error())
			break
		}
		if err := p.deps.KnowledgeBase.AddChunk(ctx, chunk); err != nil {
			result.ChunkErrors = append(result.ChunkErrors, err.Error())
			logger.Error("chunk upload failed", "document", documentID, "chunk", chunk.SequenceIndex, "error", err)
			continue
		}
		result.UploadedChunks++
		uploaded = append(uploaded, chunk)
		logger.Debug("chunk uploaded", "document", documentID, "chunk", chunk.SequenceIndex)
	}

	logger.Info("page uploaded", "document", documentID, "uploaded_chunks", result.UploadedChunks, "chunks", result.Chunks)

	if p.deps.Mirror != nil && len(uploaded) > 0 {
		processed.Chunks = uploaded
		if err := p.deps.Mirror.Store(ctx, processed); err != nil {
			logger.Warn("chunk mirror failed", "document", documentID, "error", err)
		}
	}

	return result
}

func (p *Pipeline) documentID(docID string, page int) string {
	if p.config.DocumentPerPage {
		return fmt.Sprintf("%s-page-%d", docID, page)
	}
	return docID
}

func (p *Pipeline) pause(ctx context.Context, logger *slog.Logger) error {
	spread := p.config.WaitMax - p.config.WaitMin
	wait := p.config.WaitMin + time.Duration(p.jitter()*float64(spread))
	if wait <= 0 {
		return nil
	}
	logger.Debug("waiting before next page", "wait", wait.Round(time.Millisecond).String())
	return p.sleep(ctx, wait)
}

func (p *Pipeline) pageDone(result models.PageResult) {
	if p.config.OnPageDone == nil {
		return
	}
	p.doneMu.Lock()
	defer p.doneMu.Unlock()
	p.config.OnPageDone(result)
}

func summarize(req RunRequest, results []models.PageResult, started []bool, skipped bool) *models.RunResult {
	result := &models.RunResult{
		RunID:         req.RunID,
		TotalPages:    len(results),
		SkippedUpload: skipped,
		Pages:         make([]models.PageResult, 0, len(results)),
	}

	for i, page := range results {
		if !started[i] {
			continue
		}
		result.Pages = append(result.Pages, page)
		if !page.Crawled() {
			continue
		}
		result.CrawledPages++
		result.UploadedChunks += page.UploadedChunks
		result.FailedChunks += len(page.ChunkErrors)
		if !skipped && page.Chunks > 0 && len(page.ChunkErrors) == 0 {
			result.UploadedPages++
		}
	}

	result.Status = StatusSuccess
	if result.CrawledPages == 0 {
		result.Status = StatusEmpty
	}
	return result
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
