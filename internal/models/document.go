package models

import (
	"strconv"
	"time"
)

type PageRequest struct {
	BaseURL    string
	PageNumber int
}

// URL concatenates the base URL and the page number, e.g. "https://x/article/" + 12.
func (p PageRequest) URL() string {
	return p.BaseURL + strconv.Itoa(p.PageNumber)
}

type CrawledDocument struct {
	URL       string
	Page      int
	Title     string
	RawText   string
	FetchedAt time.Time
	Metadata  map[string]interface{}
}

type Chunk struct {
	SequenceIndex     int
	Text              string
	DocumentID        string
	KnowledgeBaseName string
	Page              int
	SourceURL         string
}

type ProcessedDocument struct {
	CrawledDocument
	DocumentID string
	Chunks     []Chunk
}

type PageResult struct {
	Page           int      `json:"page_num"`
	URL            string   `json:"url"`
	DocumentID     string   `json:"doc_id,omitempty"`
	FilePath       string   `json:"file_path,omitempty"`
	Chunks         int      `json:"chunks"`
	UploadedChunks int      `json:"uploaded_chunks"`
	Error          string   `json:"error,omitempty"`
	ChunkErrors    []string `json:"chunk_errors,omitempty"`
}

// Crawled reports whether the page content was fetched.
func (r PageResult) Crawled() bool {
	return r.Error == ""
}

type RunResult struct {
	Status         string       `json:"status"`
	RunID          string       `json:"run_id,omitempty"`
	CrawledPages   int          `json:"crawled_pages"`
	TotalPages     int          `json:"total_pages"`
	UploadedPages  int          `json:"uploaded_pages"`
	UploadedChunks int          `json:"uploaded_chunks"`
	FailedChunks   int          `json:"failed_chunks"`
	SkippedUpload  bool         `json:"skipped_upload,omitempty"`
	Pages          []PageResult `json:"pages"`
}
