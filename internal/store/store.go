// Package store persists relay documents and chat logs.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ericfitz/docsync/internal/config"
	"github.com/ericfitz/docsync/internal/delta"
	"github.com/ericfitz/docsync/internal/wire"
)

// ErrNotFound is returned when a document has never been stored
var ErrNotFound = errors.New("document not found")

// Document is the persisted form of a shared document
type Document struct {
	ID      string
	Title   string
	Content delta.Delta
}

// Store is implemented by every persistence backend.
// ChatHistory returns at most limit messages, oldest first; limit <= 0 means all.
type Store interface {
	LoadDocument(ctx context.Context, id string) (Document, error)
	SaveContent(ctx context.Context, id string, content delta.Delta) error
	SaveTitle(ctx context.Context, id, title string) error
	AppendChat(ctx context.Context, id string, msg wire.ChatMessage) error
	ChatHistory(ctx context.Context, id string, limit int) ([]wire.ChatMessage, error)
	Close() error
}

// Open returns the backend selected by cfg.Driver
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", config.StoreMemory:
		return NewMemory(), nil
	case config.StoreRedis:
		return NewRedis(ctx, cfg.Redis)
	case config.StoreSQLite:
		return NewSQLite(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

// tail returns the last limit entries of msgs
func tail(msgs []wire.ChatMessage, limit int) []wire.ChatMessage {
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]wire.ChatMessage, len(msgs))
	copy(out, msgs)
	return out
}
