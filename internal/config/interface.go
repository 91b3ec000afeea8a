package config

import (
	"context"
	"io"
)

// Loader is the interface for a format-specific document loader.
type Loader interface {
	// Load reads every document found under paths and merges them into one.
	Load(ctx context.Context, paths ...string) (*Document, error)
}

// Writer is the interface for a format-specific document writer.
type Writer interface {
	Write(w io.Writer, doc *Document) error
}
