// Package gateway exposes the tenant-facing HTTP surface: the SSE chat
// endpoint, upstream upload forwarding, and the model listing.
package gateway

import (
	"context"
	"io"
)

// Pre-stream status codes for failures that happen before any SSE frame
// has been written. Once a stream starts, errors travel inside it.
const (
	StatusInvalidKey     = 480
	StatusImageUpload    = 481
	StatusDocumentUpload = 482
)

// ConvertedDocument is the result of extracting text from an uploaded file.
type ConvertedDocument struct {
	FileName         string `json:"file_name"`
	FileType         string `json:"file_type"`
	FileSize         int64  `json:"file_size"`
	ExtractedContent string `json:"extracted_content"`
}

// DocumentConverter turns an uploaded document into plain text. The
// conversion engine lives outside this service.
type DocumentConverter interface {
	Convert(ctx context.Context, filename string, content io.Reader) (ConvertedDocument, error)
}

// SearchAugmenter rewrites a prompt with web search context and returns
// citation lines to append to the assistant's final message.
type SearchAugmenter interface {
	Augment(ctx context.Context, prompt string) (augmented string, citations []string, err error)
}
