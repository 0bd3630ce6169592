package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xhad/crawl2rag/internal/models"
	"golang.org/x/time/rate"
)

const maxErrorBody = 512

type ScraperConfig struct {
	APIURL    string // Firecrawl base URL, self-hosted or hosted
	APIKey    string
	RateLimit float64 // requests per second
	Formats   []string
	Timeout   time.Duration
	Logger    *slog.Logger
}

// CrawlError describes a failed page fetch. It is recoverable: the page is
// skipped and the run continues.
type CrawlError struct {
	URL        string
	StatusCode int
	Message    string
	Err        error
}

func (e *CrawlError) Error() string {
	msg := fmt.Sprintf("crawl %s", e.URL)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CrawlError) Unwrap() error {
	return e.Err
}

// Scraper calls the Firecrawl scrape endpoint directly over HTTP so that it
// works against self-hosted deployments.
type Scraper struct {
	config    ScraperConfig
	endpoint  string
	client    *http.Client
	limiter   *rate.Limiter
	converter *Converter
	logger    *slog.Logger
}

type scrapeRequest struct {
	URL     string   `json:"url"`
	Formats []string `json:"formats"`
}

type scrapeResponse struct {
	Success *bool  `json:"success"` // absent on some self-hosted builds
	Error   string `json:"error,omitempty"`
	Data    struct {
		Markdown string `json:"markdown"`
		HTML     string `json:"html"`
		RawHTML  string `json:"rawHtml"`
		Metadata struct {
			Title      string `json:"title"`
			SourceURL  string `json:"sourceURL"`
			StatusCode int    `json:"statusCode"`
		} `json:"metadata"`
	} `json:"data"`
}

func NewWithConfig(config ScraperConfig) (*Scraper, error) {
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 1 // 1 request per second by default
	}
	if len(config.Formats) == 0 {
		config.Formats = []string{"markdown", "html"}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	endpoint, err := scrapeEndpoint(config.APIURL)
	if err != nil {
		return nil, err
	}

	return &Scraper{
		config:   config,
		endpoint: endpoint,
		client: &http.Client{
			Timeout: config.Timeout,
		},
		limiter:   rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		converter: NewConverter(),
		logger:    config.Logger,
	}, nil
}

// scrapeEndpoint appends /scrape to the base URL unless it is already there.
func scrapeEndpoint(apiURL string) (string, error) {
	parsed, err := url.Parse(apiURL)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("invalid Firecrawl API URL %q", apiURL)
	}

	trimmed := strings.TrimRight(apiURL, "/")
	if strings.HasSuffix(trimmed, "/scrape") {
		return trimmed, nil
	}
	return trimmed + "/scrape", nil
}

// Scrape fetches the extracted content of one page. Any failure is returned
// as a *CrawlError.
func (s *Scraper) Scrape(ctx context.Context, req models.PageRequest) (*models.CrawledDocument, error) {
	pageURL := req.URL()

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, &CrawlError{URL: pageURL, Err: err}
	}

	payload, err := json.Marshal(scrapeRequest{URL: pageURL, Formats: s.config.Formats})
	if err != nil {
		return nil, &CrawlError{URL: pageURL, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &CrawlError{URL: pageURL, Err: fmt.Errorf("creating request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.config.APIKey)

	s.logger.Debug("requesting Firecrawl", "endpoint", s.endpoint, "page", req.PageNumber, "url", pageURL)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, &CrawlError{URL: pageURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &CrawlError{URL: pageURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("reading response body: %w", err)}
	}

	s.logger.Debug("Firecrawl responded", "page", req.PageNumber, "status", resp.StatusCode, "bytes", len(body))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &CrawlError{URL: pageURL, StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}

	var result scrapeResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &CrawlError{URL: pageURL, StatusCode: resp.StatusCode, Message: "decoding response", Err: err}
	}
	if result.Success != nil && !*result.Success {
		return nil, &CrawlError{URL: pageURL, StatusCode: resp.StatusCode, Message: nonEmpty(result.Error, "scrape unsuccessful")}
	}

	content, err := s.extractContent(&result)
	if err != nil {
		return nil, &CrawlError{URL: pageURL, StatusCode: resp.StatusCode, Message: "converting HTML", Err: err}
	}
	if strings.TrimSpace(content) == "" {
		return nil, &CrawlError{URL: pageURL, StatusCode: resp.StatusCode, Message: "no content extracted"}
	}

	return &models.CrawledDocument{
		URL:       pageURL,
		Page:      req.PageNumber,
		Title:     result.Data.Metadata.Title,
		RawText:   content,
		FetchedAt: time.Now(),
		Metadata: map[string]interface{}{
			"sourceURL":  result.Data.Metadata.SourceURL,
			"statusCode": result.Data.Metadata.StatusCode,
		},
	}, nil
}

// extractContent prefers Firecrawl's markdown and falls back to converting
// the returned HTML.
func (s *Scraper) extractContent(result *scrapeResponse) (string, error) {
	if strings.TrimSpace(result.Data.Markdown) != "" {
		return result.Data.Markdown, nil
	}

	html := result.Data.HTML
	if strings.TrimSpace(html) == "" {
		html = result.Data.RawHTML
	}
	if strings.TrimSpace(html) == "" {
		return "", nil
	}

	s.logger.Debug("markdown missing, converting HTML", "bytes", len(html))
	return s.converter.Convert(html)
}

func errorMessage(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if msg := nonEmpty(payload.Error, payload.Message); msg != "" {
			return msg
		}
	}
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return strings.TrimSpace(string(body))
}

func nonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// IsCrawlError reports whether err is a *CrawlError.
func IsCrawlError(err error) bool {
	var crawlErr *CrawlError
	return errors.As(err, &crawlErr)
}
