package types

import (
	"context"

	"github.com/xhad/crawl2rag/internal/models"
)

// Core interfaces
type Crawler interface {
	Scrape(ctx context.Context, req models.PageRequest) (*models.CrawledDocument, error)
}

type KnowledgeBase interface {
	AddChunk(ctx context.Context, chunk models.Chunk) error
}

type Segmenter interface {
	Process(doc models.CrawledDocument, documentID, knowledgeBase string) models.ProcessedDocument
}

type PageWriter interface {
	WritePage(page int, content string) (string, error)
}

// ChunkMirror keeps a secondary copy of uploaded chunks.
type ChunkMirror interface {
	Store(ctx context.Context, doc models.ProcessedDocument) error
}

type Embedder interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}
