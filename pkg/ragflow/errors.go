package ragflow

import (
	"errors"
	"fmt"

	"github.com/xhad/crawl2rag/internal/models"
)

// UploadError describes a chunk that could not be stored. It is recoverable:
// the chunk is skipped and the run continues.
type UploadError struct {
	DocumentID    string
	KnowledgeBase string
	SequenceIndex int
	Attempts      int
	Op            string
	Code          int // RAGFlow response code, 0 when the failure was not an API answer
	Err           error
}

func newUploadError(chunk models.Chunk, op string, err error) *UploadError {
	uploadErr := &UploadError{
		DocumentID:    chunk.DocumentID,
		KnowledgeBase: chunk.KnowledgeBaseName,
		SequenceIndex: chunk.SequenceIndex,
		Attempts:      1,
		Op:            op,
		Err:           err,
	}

	var apiErr *apiError
	if errors.As(err, &apiErr) {
		uploadErr.Code = apiErr.Code
	}
	return uploadErr
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload chunk %d of %s to %s: %s: %v", e.SequenceIndex, e.DocumentID, e.KnowledgeBase, e.Op, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}
