package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/crawl2rag/internal/models"
	"github.com/xhad/crawl2rag/pkg/output"
	"github.com/xhad/crawl2rag/pkg/processor"
)

type stubCrawler struct {
	mu    sync.Mutex
	calls []int
	fail  map[int]bool
}

func (s *stubCrawler) Scrape(ctx context.Context, req models.PageRequest) (*models.CrawledDocument, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req.PageNumber)
	s.mu.Unlock()

	if s.fail[req.PageNumber] {
		return nil, fmt.Errorf("scrape %s: status 500", req.URL())
	}
	text := fmt.Sprintf("Page %d opens here. It has a second sentence.\n\nA new paragraph for page %d follows.", req.PageNumber, req.PageNumber)
	return &models.CrawledDocument{
		URL:       req.URL(),
		Page:      req.PageNumber,
		RawText:   text,
		FetchedAt: time.Now(),
	}, nil
}

type recordingKB struct {
	mu       sync.Mutex
	chunks   []models.Chunk
	rejectAt map[string]int // document id -> sequence index to fail
}

func (r *recordingKB) AddChunk(ctx context.Context, chunk models.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if seq, ok := r.rejectAt[chunk.DocumentID]; ok && seq == chunk.SequenceIndex {
		return errors.New("upload rejected")
	}
	r.chunks = append(r.chunks, chunk)
	return nil
}

type recordingMirror struct {
	mu     sync.Mutex
	docs   []string
	chunks map[string][]int // document id -> stored sequence indexes
	err    error
}

func (m *recordingMirror) Store(ctx context.Context, doc models.ProcessedDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = append(m.docs, doc.DocumentID)
	for _, c := range doc.Chunks {
		m.chunks[doc.DocumentID] = append(m.chunks[doc.DocumentID], c.SequenceIndex)
	}
	return m.err
}

type fixture struct {
	crawler *stubCrawler
	kb      *recordingKB
	mirror  *recordingMirror
	dir     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		crawler: &stubCrawler{fail: map[int]bool{}},
		kb:      &recordingKB{rejectAt: map[string]int{}},
		mirror:  &recordingMirror{chunks: map[string][]int{}},
		dir:     t.TempDir(),
	}
}

func (f *fixture) pipeline(t *testing.T, config Config) *Pipeline {
	t.Helper()

	seg, err := processor.NewWithConfig(processor.ProcessorConfig{MaxChunkSize: 50})
	require.NoError(t, err)
	writer, err := output.New(f.dir)
	require.NoError(t, err)

	p, err := New(config, Deps{
		Crawler:       f.crawler,
		KnowledgeBase: f.kb,
		Segmenter:     seg,
		Writer:        writer,
		Mirror:        f.mirror,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return p
}

func request(start, end int) RunRequest {
	return RunRequest{
		BaseURL:           "https://blog.example.com/article/",
		StartPage:         start,
		EndPage:           end,
		DocID:             "guide",
		KnowledgeBaseName: "tech-kb",
		RunID:             "run-1",
	}
}

func TestRunSkipsFailedPage(t *testing.T) {
	f := newFixture(t)
	f.crawler.fail[2] = true
	p := f.pipeline(t, Config{Workers: 1, DocumentPerPage: true})

	result, err := p.Run(context.Background(), request(1, 3))
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3}, f.crawler.calls)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "run-1", result.RunID)
	assert.Equal(t, 3, result.TotalPages)
	assert.Equal(t, 2, result.CrawledPages)
	assert.Equal(t, 2, result.UploadedPages)
	require.Len(t, result.Pages, 3)

	assert.True(t, result.Pages[0].Crawled())
	assert.False(t, result.Pages[1].Crawled())
	assert.Contains(t, result.Pages[1].Error, "status 500")
	assert.True(t, result.Pages[2].Crawled())

	assert.FileExists(t, result.Pages[0].FilePath)
	assert.NoFileExists(t, f.dir+"/page-2.md")
	assert.FileExists(t, result.Pages[2].FilePath)
}

func TestRunUploadsInPageAndChunkOrder(t *testing.T) {
	f := newFixture(t)
	f.crawler.fail[2] = true
	p := f.pipeline(t, Config{Workers: 1, DocumentPerPage: true})

	result, err := p.Run(context.Background(), request(1, 3))
	require.NoError(t, err)
	require.NotEmpty(t, f.kb.chunks)

	lastPage, lastSeq := 0, -1
	for _, c := range f.kb.chunks {
		assert.NotEqual(t, 2, c.Page)
		assert.Equal(t, "tech-kb", c.KnowledgeBaseName)
		assert.Equal(t, fmt.Sprintf("guide-page-%d", c.Page), c.DocumentID)
		assert.NotEmpty(t, strings.TrimSpace(c.Text))
		assert.LessOrEqual(t, len([]rune(c.Text)), 50)

		if c.Page != lastPage {
			assert.Greater(t, c.Page, lastPage)
			lastPage, lastSeq = c.Page, -1
		}
		assert.Equal(t, lastSeq+1, c.SequenceIndex)
		lastSeq = c.SequenceIndex
	}

	// Every chunk the segmenter produced for a crawled page was uploaded, 0..n-1.
	perPage := map[int][]int{}
	for _, c := range f.kb.chunks {
		perPage[c.Page] = append(perPage[c.Page], c.SequenceIndex)
	}
	sum := 0
	for _, page := range result.Pages {
		if !page.Crawled() {
			assert.Empty(t, perPage[page.Page])
			continue
		}
		require.Greater(t, page.Chunks, 0)
		want := make([]int, page.Chunks)
		for i := range want {
			want[i] = i
		}
		assert.Equal(t, want, perPage[page.Page], "page %d", page.Page)
		sum += page.Chunks
	}
	assert.Equal(t, sum, len(f.kb.chunks))
	assert.Equal(t, sum, result.UploadedChunks)
	assert.Equal(t, []string{"guide-page-1", "guide-page-3"}, f.mirror.docs)
}

func TestRunToleratesChunkFailures(t *testing.T) {
	f := newFixture(t)
	f.kb.rejectAt["guide-page-1"] = 0
	p := f.pipeline(t, Config{Workers: 1, DocumentPerPage: true})

	result, err := p.Run(context.Background(), request(1, 2))
	require.NoError(t, err)

	assert.Equal(t, 2, result.CrawledPages)
	assert.Equal(t, 1, result.UploadedPages)
	assert.Equal(t, 1, result.FailedChunks)
	assert.Equal(t, result.Pages[0].Chunks-1, result.Pages[0].UploadedChunks)
	require.Len(t, result.Pages[0].ChunkErrors, 1)
	assert.Contains(t, result.Pages[0].ChunkErrors[0], "upload rejected")

	// The remaining chunks of page 1 are still uploaded.
	var page1 []int
	for _, c := range f.kb.chunks {
		if c.Page == 1 {
			page1 = append(page1, c.SequenceIndex)
		}
	}
	require.NotEmpty(t, page1)
	assert.Equal(t, 1, page1[0])

	// Only chunks that reached the knowledge base are mirrored.
	assert.Equal(t, page1, f.mirror.chunks["guide-page-1"])
	assert.NotContains(t, f.mirror.chunks["guide-page-1"], 0)
	assert.Len(t, f.mirror.chunks["guide-page-2"], result.Pages[1].Chunks)
}

func TestRunSharedDocument(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, Config{Workers: 1, DocumentPerPage: false})

	result, err := p.Run(context.Background(), request(4, 5))
	require.NoError(t, err)

	assert.Equal(t, "guide", result.Pages[0].DocumentID)
	for _, c := range f.kb.chunks {
		assert.Equal(t, "guide", c.DocumentID)
	}
}

func TestRunSkipUpload(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, Config{Workers: 1, SkipUpload: true, DocumentPerPage: true})

	result, err := p.Run(context.Background(), request(1, 2))
	require.NoError(t, err)

	assert.Empty(t, f.kb.chunks)
	assert.Empty(t, f.mirror.docs)
	assert.True(t, result.SkippedUpload)
	assert.Equal(t, 2, result.CrawledPages)
	assert.Equal(t, 0, result.UploadedPages)
	assert.Greater(t, result.Pages[0].Chunks, 0)
	assert.FileExists(t, result.Pages[1].FilePath)
}

func TestRunAllPagesFail(t *testing.T) {
	f := newFixture(t)
	f.crawler.fail[1] = true
	f.crawler.fail[2] = true
	p := f.pipeline(t, Config{Workers: 1})

	result, err := p.Run(context.Background(), request(1, 2))
	require.NoError(t, err)

	assert.Equal(t, StatusEmpty, result.Status)
	assert.Equal(t, 0, result.CrawledPages)
	assert.Empty(t, f.kb.chunks)
}

func TestRunMirrorFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.mirror.err = errors.New("database unavailable")
	p := f.pipeline(t, Config{Workers: 1, DocumentPerPage: true})

	result, err := p.Run(context.Background(), request(1, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, result.UploadedPages)
}

func TestRunWithWorkersKeepsPageOrder(t *testing.T) {
	f := newFixture(t)
	f.crawler.fail[3] = true

	var mu sync.Mutex
	var done []int
	p := f.pipeline(t, Config{
		Workers:         3,
		DocumentPerPage: true,
		OnPageDone: func(r models.PageResult) {
			mu.Lock()
			done = append(done, r.Page)
			mu.Unlock()
		},
	})

	result, err := p.Run(context.Background(), request(1, 6))
	require.NoError(t, err)

	assert.Len(t, f.crawler.calls, 6)
	assert.Len(t, done, 6)
	require.Len(t, result.Pages, 6)
	for i, page := range result.Pages {
		assert.Equal(t, i+1, page.Page)
	}
	assert.Equal(t, 5, result.CrawledPages)
}

func TestRunWaitsBetweenPages(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, Config{Workers: 1, WaitMin: 2 * time.Second, WaitMax: 4 * time.Second})

	var waits []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	p.jitter = func() float64 { return 0.5 }

	_, err := p.Run(context.Background(), request(1, 3))
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second}, waits)
}

func TestRunCancelled(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, Config{Workers: 1, WaitMin: time.Second, WaitMax: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	p.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	result, err := p.Run(ctx, request(1, 3))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, []int{1}, f.crawler.calls)
	assert.Len(t, result.Pages, 1)
	assert.Equal(t, 3, result.TotalPages)
}

func TestRunRejectsInvalidRequest(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, Config{})

	tests := []struct {
		name   string
		modify func(*RunRequest)
		want   string
	}{
		{"reversed range", func(r *RunRequest) { r.StartPage, r.EndPage = 5, 2 }, "start page 5 is after end page 2"},
		{"missing base url", func(r *RunRequest) { r.BaseURL = "" }, "base URL is required"},
		{"missing doc id", func(r *RunRequest) { r.DocID = "" }, "document id is required"},
		{"missing knowledge base", func(r *RunRequest) { r.KnowledgeBaseName = "" }, "knowledge base name is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request(1, 2)
			tt.modify(&req)
			_, err := p.Run(context.Background(), req)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
	assert.Empty(t, f.crawler.calls)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)

	f := newFixture(t)
	seg, err := processor.NewWithConfig(processor.ProcessorConfig{MaxChunkSize: 50})
	require.NoError(t, err)
	writer, err := output.New(f.dir)
	require.NoError(t, err)

	_, err = New(Config{}, Deps{Crawler: f.crawler, Segmenter: seg, Writer: writer})
	assert.Error(t, err)

	_, err = New(Config{SkipUpload: true}, Deps{Crawler: f.crawler, Segmenter: seg, Writer: writer})
	assert.NoError(t, err)
}
