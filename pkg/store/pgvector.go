// Package store mirrors uploaded chunks into Postgres with pgvector so a run
// can be inspected or searched without going through RAGFlow.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/xhad/crawl2rag/internal/models"
	"github.com/xhad/crawl2rag/internal/types"
)

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type VectorStoreConfig struct {
	ConnString  string
	TableName   string
	VectorDim   int
	SearchLimit int
}

type VectorStore struct {
	config   VectorStoreConfig
	pool     *pgxpool.Pool
	embedder types.Embedder
}

// SearchHit is one stored chunk ranked by cosine distance to a query.
type SearchHit struct {
	ID            string  `json:"id"`
	URL           string  `json:"url"`
	DocumentID    string  `json:"doc_id"`
	KnowledgeBase string  `json:"knowledge_base"`
	Page          int     `json:"page_num"`
	ChunkIndex    int     `json:"chunk_index"`
	Content       string  `json:"content"`
	Distance      float64 `json:"distance"`
}

func NewWithConfig(ctx context.Context, config VectorStoreConfig, embedder types.Embedder) (*VectorStore, error) {
	if embedder == nil {
		return nil, errors.New("vector store requires an embedder")
	}
	if config.TableName == "" {
		config.TableName = "crawl2rag_chunks"
	}
	if !tableNameRe.MatchString(config.TableName) {
		return nil, fmt.Errorf("invalid table name %q", config.TableName)
	}
	if config.VectorDim == 0 {
		config.VectorDim = 768 // nomic-embed-text
	}
	if config.SearchLimit == 0 {
		config.SearchLimit = 5
	}

	pool, err := pgxpool.New(ctx, config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	vs := &VectorStore{
		config:   config,
		pool:     pool,
		embedder: embedder,
	}

	if err := vs.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return vs, nil
}

func (vs *VectorStore) initialize(ctx context.Context) error {
	if _, err := vs.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			title TEXT,
			document_id TEXT NOT NULL,
			knowledge_base TEXT NOT NULL,
			page INTEGER,
			chunk_index INTEGER,
			content TEXT,
			embedding vector(%d),
			fetched_at TIMESTAMPTZ
		)`, vs.config.TableName, vs.config.VectorDim)

	if _, err := vs.pool.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	createIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s_embedding_idx
		ON %s
		USING hnsw (embedding vector_cosine_ops)`,
		vs.config.TableName, vs.config.TableName)

	if _, err := vs.pool.Exec(ctx, createIndex); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}

// Store upserts every chunk of doc with its embedding in one transaction.
// Re-running a page replaces its rows.
func (vs *VectorStore) Store(ctx context.Context, doc models.ProcessedDocument) error {
	if len(doc.Chunks) == 0 {
		return nil
	}

	texts := make([]string, len(doc.Chunks))
	for i, chunk := range doc.Chunks {
		texts[i] = sanitizeUTF8(chunk.Text)
	}

	embeddings, err := vs.embedder.CreateEmbedding(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to create embeddings: %w", err)
	}
	if len(embeddings) != len(texts) {
		return fmt.Errorf("got %d embeddings for %d chunks", len(embeddings), len(texts))
	}

	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, url, title, document_id, knowledge_base, page, chunk_index, content, embedding, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding,
			fetched_at = EXCLUDED.fetched_at`,
		vs.config.TableName)

	batch := &pgx.Batch{}
	title := sanitizeUTF8(doc.Title)
	for i, chunk := range doc.Chunks {
		if len(embeddings[i]) != vs.config.VectorDim {
			return fmt.Errorf("embedding for chunk %d has %d dimensions, table expects %d",
				chunk.SequenceIndex, len(embeddings[i]), vs.config.VectorDim)
		}
		batch.Queue(stmt,
			rowID(chunk),
			chunk.SourceURL,
			title,
			chunk.DocumentID,
			chunk.KnowledgeBaseName,
			chunk.Page,
			chunk.SequenceIndex,
			texts[i],
			pgvector.NewVector(embeddings[i]),
			doc.FetchedAt,
		)
	}

	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to upsert chunks for %s: %w", doc.DocumentID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Search embeds query and returns the closest mirrored chunks of a
// knowledge base.
func (vs *VectorStore) Search(ctx context.Context, query, knowledgeBase string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = vs.config.SearchLimit
	}

	embeddings, err := vs.embedder.CreateEmbedding(ctx, []string{sanitizeUTF8(query)})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(embeddings) != 1 {
		return nil, fmt.Errorf("got %d embeddings for one query", len(embeddings))
	}

	sql := fmt.Sprintf(`
		SELECT id, url, document_id, knowledge_base, page, chunk_index, content, embedding <=> $1 AS distance
		FROM %s
		WHERE knowledge_base = $2
		ORDER BY distance
		LIMIT $3`,
		vs.config.TableName)

	rows, err := vs.pool.Query(ctx, sql, pgvector.NewVector(embeddings[0]), knowledgeBase, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var hit SearchHit
		if err := rows.Scan(
			&hit.ID,
			&hit.URL,
			&hit.DocumentID,
			&hit.KnowledgeBase,
			&hit.Page,
			&hit.ChunkIndex,
			&hit.Content,
			&hit.Distance,
		); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		hits = append(hits, hit)
	}

	return hits, rows.Err()
}

func (vs *VectorStore) Close() {
	if vs.pool != nil {
		vs.pool.Close()
	}
}

func rowID(chunk models.Chunk) string {
	return fmt.Sprintf("%s/%s_%d", chunk.KnowledgeBaseName, chunk.DocumentID, chunk.SequenceIndex)
}

// sanitizeUTF8 drops invalid byte sequences, which Postgres rejects in TEXT columns.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	v := make([]rune, 0, len(s))
	for i, r := range s {
		if r == utf8.RuneError {
			_, size := utf8.DecodeRuneInString(s[i:])
			if size == 1 {
				continue
			}
		}
		v = append(v, r)
	}
	return string(v)
}
