package routes

import (
	"context"
	"io"
	"time"
)

// Store persists route records keyed by their unique name.
type Store interface {
	// Upsert merges the record into the store by name and returns the stored
	// result. The merge is atomic at the store level.
	Upsert(ctx context.Context, record RouteRecord) (RouteRecord, error)
	Find(ctx context.Context, filter Filter) ([]RouteRecord, error)
	FindByID(ctx context.Context, id string) (RouteRecord, error)
	Ping(ctx context.Context) error
	Close()
}

// Fetcher retrieves the source document.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Document, error)
}

// Extractor turns a fetched document into route candidates.
type Extractor interface {
	Extract(doc Document) (Extraction, error)
}

// Extraction is the result of parsing one document.
type Extraction struct {
	Records []RouteRecord
	// Cards is the number of matched route card elements.
	Cards int
	// Skipped counts cards dropped because they had no name.
	Skipped int
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes sync events to Pub/Sub, Kafka or similar.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// QueryCache caches Find results between syncs.
type QueryCache interface {
	// Get looks filter up in the current cache generation.
	Get(ctx context.Context, filter Filter) (CachedResult, error)
	// Set stores records under generation, the one reported by the Get that
	// missed. A write that lost a race with Invalidate lands in the retired
	// generation and is never served.
	Set(ctx context.Context, generation int64, filter Filter, records []RouteRecord) error
	// Invalidate drops every cached result.
	Invalidate(ctx context.Context) error
}

// CachedResult is the outcome of a QueryCache lookup.
type CachedResult struct {
	Records    []RouteRecord
	Hit        bool
	Generation int64
}

// Hasher produces content digests of fetched documents.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces storage identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
