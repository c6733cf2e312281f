package store

import (
	"context"
	"sync"

	"github.com/ericfitz/docsync/internal/delta"
	"github.com/ericfitz/docsync/internal/wire"
)

// Memory keeps everything in process. Used by tests and single-node relays.
type Memory struct {
	mu    sync.RWMutex
	docs  map[string]Document
	chats map[string][]wire.ChatMessage
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		docs:  make(map[string]Document),
		chats: make(map[string][]wire.ChatMessage),
	}
}

func (m *Memory) LoadDocument(_ context.Context, id string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return doc, nil
}

func (m *Memory) SaveContent(_ context.Context, id string, content delta.Delta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.docs[id]
	doc.ID = id
	doc.Content = content
	m.docs[id] = doc
	return nil
}

func (m *Memory) SaveTitle(_ context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.docs[id]
	doc.ID = id
	doc.Title = title
	m.docs[id] = doc
	return nil
}

func (m *Memory) AppendChat(_ context.Context, id string, msg wire.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats[id] = append(m.chats[id], msg)
	return nil
}

func (m *Memory) ChatHistory(_ context.Context, id string, limit int) ([]wire.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return tail(m.chats[id], limit), nil
}

func (m *Memory) Close() error {
	return nil
}
