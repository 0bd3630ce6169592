package processor_test

import (
	"math/rand"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/crawl2rag/internal/models"
	"github.com/xhad/crawl2rag/pkg/processor"
)

func newProcessor(t *testing.T, size int) *processor.Processor {
	t.Helper()
	p, err := processor.NewWithConfig(processor.ProcessorConfig{MaxChunkSize: size})
	require.NoError(t, err)
	return p
}

func TestNewWithConfigRejectsNonPositiveSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		_, err := processor.NewWithConfig(processor.ProcessorConfig{MaxChunkSize: size})
		assert.ErrorIs(t, err, processor.ErrInvalidChunkSize)
	}
}

func TestSegment(t *testing.T) {
	tests := []struct {
		name string
		size int
		text string
		want []string
	}{
		{
			name: "empty text",
			size: 10,
			text: "",
			want: nil,
		},
		{
			name: "whitespace only",
			size: 10,
			text: " \n\n\t ",
			want: nil,
		},
		{
			name: "shorter than window",
			size: 100,
			text: "  Hello world.  \n",
			want: []string{"Hello world."},
		},
		{
			name: "exactly the window",
			size: 5,
			text: "abcde",
			want: []string{"abcde"},
		},
		{
			name: "sentence boundaries",
			size: 15,
			text: "Sentence one. Sentence two. Sentence three.",
			want: []string{"Sentence one.", "Sentence two.", "Sentence three."},
		},
		{
			name: "paragraph preferred over later sentence",
			size: 40,
			text: "First para. Still first.\n\nSecond. More second text here.",
			want: []string{"First para. Still first.", "Second. More second text here."},
		},
		{
			name: "paragraph break with indented blank line",
			size: 16,
			text: "alpha beta\n   \ngamma delta",
			want: []string{"alpha beta", "gamma delta"},
		},
		{
			name: "paragraph break just past the window edge",
			size: 10,
			text: "aaaa. bbbb\n\ncccc",
			want: []string{"aaaa. bbbb", "cccc"},
		},
		{
			name: "paragraph break straddling the window edge",
			size: 10,
			text: "aaaa. bbb\n\ncccc",
			want: []string{"aaaa. bbb", "cccc"},
		},
		{
			name: "sentence end at the window edge",
			size: 10,
			text: "aa. bbbbb. cccc",
			want: []string{"aa. bbbbb.", "cccc"},
		},
		{
			name: "abbreviation-like dot is not a sentence end",
			size: 10,
			text: "v1.2.3 released today",
			want: []string{"v1.2.3 rel", "eased toda", "y"},
		},
		{
			name: "question and exclamation marks",
			size: 12,
			text: "Why not? Go now! Done",
			want: []string{"Why not?", "Go now! Done"},
		},
		{
			name: "full width punctuation",
			size: 6,
			text: "你好世界。再见朋友！结束",
			want: []string{"你好世界。", "再见朋友！", "结束"},
		},
		{
			name: "hard cut without boundaries",
			size: 4,
			text: "abcdefghij",
			want: []string{"abcd", "efgh", "ij"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProcessor(t, tt.size)
			got := p.Segment(tt.text)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSegmentHardCutsLongParagraph(t *testing.T) {
	p := newProcessor(t, 500)
	text := strings.Repeat("abcdefghij", 1000)

	chunks := p.Segment(text)

	require.Len(t, chunks, 20)
	for _, chunk := range chunks {
		assert.Equal(t, 500, utf8.RuneCountInString(chunk))
	}
	assert.Equal(t, text, strings.Join(chunks, ""))
}

func TestSegmentHardCutUnevenTail(t *testing.T) {
	p := newProcessor(t, 300)
	text := strings.Repeat("x", 1000)

	chunks := p.Segment(text)

	require.Len(t, chunks, 4)
	assert.Equal(t, 100, len(chunks[3]))
}

func TestSegmentProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	words := []string{"lorem", "ipsum", "dolor.", "sit!", "amet?", "v1.2", "数据。", "\n", "\n\n", "  ", "consectetur"}

	for round := 0; round < 200; round++ {
		var b strings.Builder
		n := rng.Intn(120)
		for i := 0; i < n; i++ {
			b.WriteString(words[rng.Intn(len(words))])
			b.WriteString(" ")
		}
		text := b.String()
		size := 1 + rng.Intn(40)

		chunks := newProcessor(t, size).Segment(text)

		offset := 0
		for _, chunk := range chunks {
			require.NotEmpty(t, strings.TrimSpace(chunk))
			require.LessOrEqual(t, utf8.RuneCountInString(chunk), size)

			// Chunks appear in source order.
			idx := strings.Index(text[offset:], chunk)
			require.GreaterOrEqual(t, idx, 0, "chunk %q not found after offset %d", chunk, offset)
			offset += idx + len(chunk)
		}

		// Only whitespace is lost at cut points.
		assert.Equal(t, strings.Join(strings.Fields(text), ""), strings.Join(strings.Fields(strings.Join(chunks, "")), ""))
	}
}

func TestClean(t *testing.T) {
	in := "# Title  \r\n\r\n\r\n\r\nBody line\t\nnext\n\n\n\nend  "
	assert.Equal(t, "# Title\n\nBody line\nnext\n\nend", processor.Clean(in))
}

func TestProcessor_Process(t *testing.T) {
	p := newProcessor(t, 25)

	doc := models.CrawledDocument{
		URL:     "https://example.com/article/7",
		Page:    7,
		RawText: "Intro sentence here.\r\n\r\nSecond paragraph text.",
	}

	processed := p.Process(doc, "guide-page-7", "kb")

	require.Len(t, processed.Chunks, 2)
	assert.Equal(t, "guide-page-7", processed.DocumentID)
	for i, chunk := range processed.Chunks {
		assert.Equal(t, i, chunk.SequenceIndex)
		assert.Equal(t, "guide-page-7", chunk.DocumentID)
		assert.Equal(t, "kb", chunk.KnowledgeBaseName)
		assert.Equal(t, 7, chunk.Page)
		assert.Equal(t, doc.URL, chunk.SourceURL)
	}
	assert.Equal(t, "Intro sentence here.", processed.Chunks[0].Text)
	assert.Equal(t, "Second paragraph text.", processed.Chunks[1].Text)
}
