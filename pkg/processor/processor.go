package processor

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/xhad/crawl2rag/internal/models"
)

// ErrInvalidChunkSize is returned at construction time for a non-positive MaxChunkSize.
var ErrInvalidChunkSize = errors.New("max chunk size must be positive")

var (
	trailingSpaceRe  = regexp.MustCompile(`[ \t]+\n`)
	excessiveLinesRe = regexp.MustCompile(`\n{3,}`)
)

type ProcessorConfig struct {
	MaxChunkSize int // in runes
}

// Processor cleans crawled text and segments it into bounded chunks.
// It holds no mutable state and is safe for concurrent use.
type Processor struct {
	config ProcessorConfig
}

func NewWithConfig(config ProcessorConfig) (*Processor, error) {
	if config.MaxChunkSize <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidChunkSize, config.MaxChunkSize)
	}

	return &Processor{
		config: config,
	}, nil
}

func (p *Processor) MaxChunkSize() int {
	return p.config.MaxChunkSize
}

// Process cleans and segments one crawled page into ordered chunks tied to
// documentID within knowledgeBase.
func (p *Processor) Process(doc models.CrawledDocument, documentID, knowledgeBase string) models.ProcessedDocument {
	texts := p.Segment(Clean(doc.RawText))

	chunks := make([]models.Chunk, 0, len(texts))
	for i, text := range texts {
		chunks = append(chunks, models.Chunk{
			SequenceIndex:     i,
			Text:              text,
			DocumentID:        documentID,
			KnowledgeBaseName: knowledgeBase,
			Page:              doc.Page,
			SourceURL:         doc.URL,
		})
	}

	return models.ProcessedDocument{
		CrawledDocument: doc,
		DocumentID:      documentID,
		Chunks:          chunks,
	}
}

// Clean normalizes line endings, drops trailing spaces on each line and
// collapses runs of blank lines into a single paragraph break.
func Clean(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = trailingSpaceRe.ReplaceAllString(text, "\n")
	text = excessiveLinesRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// Segment splits text into chunks of at most MaxChunkSize runes. Within each
// window it cuts at the last paragraph break, else after the last sentence
// end, else exactly at the window edge.
func (p *Processor) Segment(text string) []string {
	runes := []rune(text)
	size := p.config.MaxChunkSize

	var chunks []string
	cursor := 0
	for {
		for cursor < len(runes) && unicode.IsSpace(runes[cursor]) {
			cursor++
		}
		if cursor >= len(runes) {
			break
		}

		end := len(runes)
		if end-cursor > size {
			end = findCut(runes, cursor, cursor+size)
		}

		chunk := strings.TrimSpace(string(runes[cursor:end]))
		if chunk == "" || len([]rune(chunk)) > size {
			panic(fmt.Sprintf("processor: invalid chunk at [%d:%d] for max size %d", cursor, end, size))
		}
		chunks = append(chunks, chunk)
		cursor = end
	}

	return chunks
}

// findCut returns the cut position for the window [start, limit). The
// returned value is always in (start, limit].
func findCut(runes []rune, start, limit int) int {
	if cut := lastParagraphBreak(runes, start, limit); cut > start {
		return cut
	}
	if cut := lastSentenceEnd(runes, start, limit); cut > start {
		return cut
	}
	return limit
}

// lastParagraphBreak finds the last "\n[ \t]*\n" whose first newline lies in
// (start, limit] and returns that index. Cutting there emits at most
// limit-start runes, so the rest of the break may lie past the window.
func lastParagraphBreak(runes []rune, start, limit int) int {
	if limit >= len(runes) {
		limit = len(runes) - 1
	}
	for j := limit; j > start; j-- {
		if runes[j] != '\n' {
			continue
		}
		for k := j + 1; k < len(runes); k++ {
			if runes[k] == '\n' {
				return j
			}
			if runes[k] != ' ' && runes[k] != '\t' {
				break
			}
		}
	}
	return -1
}

// lastSentenceEnd returns the index just past the last sentence-ending
// punctuation in the window. ASCII terminators must be followed by
// whitespace or the end of text; full-width ones stand alone.
func lastSentenceEnd(runes []rune, start, limit int) int {
	for i := limit - 1; i >= start; i-- {
		switch runes[i] {
		case '。', '！', '？':
			return i + 1
		case '.', '!', '?':
			if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
				return i + 1
			}
		}
	}
	return -1
}
