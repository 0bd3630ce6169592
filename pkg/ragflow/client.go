// Package ragflow talks to the RAGFlow HTTP API directly. Requests are built
// against a configurable base URL so self-hosted instances work unchanged.
package ragflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"github.com/xhad/crawl2rag/internal/models"
	"golang.org/x/sync/singleflight"
)

const apiPrefix = "/api/v1"

type ClientConfig struct {
	APIURL        string
	APIKey        string
	Timeout       time.Duration
	MaxRetries    int           // extra attempts per chunk upload
	RetryInterval time.Duration // wait between attempts
	Logger        *slog.Logger
}

// Client uploads chunks into RAGFlow documents. Dataset and document ids are
// resolved once per name and cached; concurrent lookups of the same name share
// one request while different names resolve independently.
type Client struct {
	config  ClientConfig
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger

	mu        sync.Mutex // guards the caches only, never held across requests
	datasets  map[string]string
	documents map[string]string
	lookups   singleflight.Group
}

// apiError is a well-formed RAGFlow response with a non-zero code.
type apiError struct {
	Code    int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("ragflow code %d: %s", e.Code, e.Message)
}

// notOwned reports RAGFlow's answer for a name filter that matches nothing.
func (e *apiError) notOwned() bool {
	return strings.Contains(strings.ToLower(e.Message), "don't own")
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type namedEntity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func NewWithConfig(config ClientConfig) (*Client, error) {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryInterval == 0 {
		config.RetryInterval = time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	baseURL, err := apiBase(config.APIURL)
	if err != nil {
		return nil, err
	}

	logger := config.Logger
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "RAGFlowAPI",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// The server answered; only transport and 5xx failures count.
			var apiErr *apiError
			return err == nil || errors.As(err, &apiErr)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		config:    config,
		baseURL:   baseURL,
		client:    &http.Client{Timeout: config.Timeout},
		breaker:   breaker,
		logger:    logger,
		datasets:  make(map[string]string),
		documents: make(map[string]string),
	}, nil
}

// apiBase appends /api/v1 to the configured URL unless it is already there.
func apiBase(apiURL string) (string, error) {
	parsed, err := url.Parse(apiURL)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("invalid RAGFlow API URL %q", apiURL)
	}

	trimmed := strings.TrimRight(apiURL, "/")
	if strings.HasSuffix(trimmed, apiPrefix) {
		return trimmed, nil
	}
	return trimmed + apiPrefix, nil
}

// AddChunk appends one chunk to its document, creating the document inside
// the named knowledge base when it does not exist yet. Failures are returned
// as *UploadError.
func (c *Client) AddChunk(ctx context.Context, chunk models.Chunk) error {
	datasetID, err := c.datasetID(ctx, chunk.KnowledgeBaseName)
	if err != nil {
		return newUploadError(chunk, "resolving knowledge base", err)
	}

	documentID, err := c.documentID(ctx, datasetID, chunk)
	if err != nil {
		return newUploadError(chunk, "resolving document", err)
	}

	path := fmt.Sprintf("/datasets/%s/documents/%s/chunks", url.PathEscape(datasetID), url.PathEscape(documentID))
	body, err := json.Marshal(map[string]interface{}{
		"content": chunk.Text,
	})
	if err != nil {
		return newUploadError(chunk, "encoding chunk", err)
	}

	attempt := 0
	operation := func() error {
		attempt++
		_, err := c.do(ctx, http.MethodPost, path, "application/json", body)
		if err == nil {
			return nil
		}
		var apiErr *apiError
		if errors.As(err, &apiErr) || errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}
		c.logger.Debug("chunk upload attempt failed",
			"document", chunk.DocumentID, "chunk", chunk.SequenceIndex, "attempt", attempt, "error", err)
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.config.RetryInterval), uint64(c.config.MaxRetries)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		uploadErr := newUploadError(chunk, "adding chunk", err)
		uploadErr.Attempts = attempt
		return uploadErr
	}

	return nil
}

func (c *Client) cached(ids map[string]string, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := ids[key]
	return id, ok
}

func (c *Client) remember(ids map[string]string, key, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids[key] = id
}

// resolve returns the cached id for key, running lookup at most once per key
// at a time.
func (c *Client) resolve(ids map[string]string, key string, lookup func() (string, error)) (string, error) {
	if id, ok := c.cached(ids, key); ok {
		return id, nil
	}

	v, err, _ := c.lookups.Do(key, func() (interface{}, error) {
		if id, ok := c.cached(ids, key); ok {
			return id, nil
		}
		id, err := lookup()
		if err != nil {
			return "", err
		}
		c.remember(ids, key, id)
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) datasetID(ctx context.Context, name string) (string, error) {
	return c.resolve(c.datasets, "dataset:"+name, func() (string, error) {
		return c.lookupDataset(ctx, name)
	})
}

func (c *Client) lookupDataset(ctx context.Context, name string) (string, error) {
	data, err := c.do(ctx, http.MethodGet, "/datasets?"+url.Values{"name": {name}}.Encode(), "", nil)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.notOwned() {
		return "", fmt.Errorf("knowledge base %q not found", name)
	}
	if err != nil {
		return "", err
	}

	var datasets []namedEntity
	if err := json.Unmarshal(data, &datasets); err != nil {
		return "", fmt.Errorf("decoding datasets: %w", err)
	}
	for _, ds := range datasets {
		if ds.Name == name {
			c.logger.Info("resolved knowledge base", "knowledge_base", name, "dataset_id", ds.ID)
			return ds.ID, nil
		}
	}

	return "", fmt.Errorf("knowledge base %q not found", name)
}

func (c *Client) documentID(ctx context.Context, datasetID string, chunk models.Chunk) (string, error) {
	name := documentName(chunk.DocumentID)
	return c.resolve(c.documents, "document:"+datasetID+"/"+name, func() (string, error) {
		return c.lookupDocument(ctx, datasetID, name, chunk)
	})
}

// lookupDocument finds the named document, creating it when it does not exist.
func (c *Client) lookupDocument(ctx context.Context, datasetID, name string, chunk models.Chunk) (string, error) {
	path := fmt.Sprintf("/datasets/%s/documents?%s", url.PathEscape(datasetID), url.Values{"name": {name}}.Encode())
	data, err := c.do(ctx, http.MethodGet, path, "", nil)

	var apiErr *apiError
	switch {
	case errors.As(err, &apiErr) && apiErr.notOwned():
		// No document by that name yet.
	case err != nil:
		return "", err
	default:
		var listing struct {
			Docs []namedEntity `json:"docs"`
		}
		if err := json.Unmarshal(data, &listing); err != nil {
			return "", fmt.Errorf("decoding documents: %w", err)
		}
		for _, doc := range listing.Docs {
			if doc.Name == name {
				return doc.ID, nil
			}
		}
	}

	id, err := c.createDocument(ctx, datasetID, name, chunk)
	if err != nil {
		return "", err
	}
	c.logger.Info("created document", "document", chunk.DocumentID, "document_id", id, "dataset_id", datasetID)
	return id, nil
}

func (c *Client) createDocument(ctx context.Context, datasetID, name string, chunk models.Chunk) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(part, "# %s\n\nsource: %s\nformat: markdown\n", chunk.DocumentID, chunk.SourceURL)
	if err := writer.Close(); err != nil {
		return "", err
	}

	path := fmt.Sprintf("/datasets/%s/documents", url.PathEscape(datasetID))
	data, err := c.do(ctx, http.MethodPost, path, writer.FormDataContentType(), buf.Bytes())
	if err != nil {
		return "", fmt.Errorf("creating document %s: %w", name, err)
	}

	var created []namedEntity
	if err := json.Unmarshal(data, &created); err != nil {
		return "", fmt.Errorf("decoding created document: %w", err)
	}
	if len(created) == 0 || created[0].ID == "" {
		return "", fmt.Errorf("creating document %s: empty response", name)
	}
	return created[0].ID, nil
}

// do sends one request through the circuit breaker and unwraps the RAGFlow
// response envelope.
func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte) (json.RawMessage, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("reading response body: %w", err)
		}

		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			if resp.StatusCode >= 300 {
				return nil, &apiError{Code: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
			}
			return nil, fmt.Errorf("decoding response: %w", err)
		}
		if env.Code != 0 {
			return nil, &apiError{Code: env.Code, Message: env.Message}
		}
		if resp.StatusCode >= 300 {
			return nil, &apiError{Code: resp.StatusCode, Message: env.Message}
		}
		return env.Data, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(json.RawMessage), nil
}

func documentName(documentID string) string {
	if strings.HasSuffix(documentID, ".md") {
		return documentID
	}
	return documentID + ".md"
}
