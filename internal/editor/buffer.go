// Package editor provides an in-memory rich-text buffer that a document
// session can drive in place of a visual editor widget.
package editor

import (
	"sync"

	"github.com/ericfitz/docsync/internal/delta"
)

// Placeholder is shown until a document snapshot is installed.
const Placeholder = "Loading..."

// Buffer holds the editor's contents and its editable flag. It is safe for
// concurrent use.
type Buffer struct {
	mu       sync.RWMutex
	contents delta.Delta
	enabled  bool
	loaded   bool
	changes  int
}

// NewBuffer returns a disabled buffer showing Placeholder.
func NewBuffer() *Buffer {
	return &Buffer{contents: delta.New().Insert(Placeholder, nil)}
}

// SetContents replaces the whole document.
func (b *Buffer) SetContents(doc delta.Delta) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.contents = doc
	b.loaded = true
	b.changes++
}

// UpdateContents applies change to the current document. The buffer is left
// untouched when the change does not fit.
func (b *Buffer) UpdateContents(change delta.Delta) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	next, err := delta.Apply(b.contents, change)
	if err != nil {
		return err
	}
	b.contents = next
	b.changes++
	return nil
}

// Contents returns the current document.
func (b *Buffer) Contents() delta.Delta {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.contents
}

// Text returns the current document as plain text.
func (b *Buffer) Text() string {
	return b.Contents().Text()
}

// Enable allows user input.
func (b *Buffer) Enable() {
	b.mu.Lock()
	b.enabled = true
	b.mu.Unlock()
}

// Disable blocks user input. Contents are kept.
func (b *Buffer) Disable() {
	b.mu.Lock()
	b.enabled = false
	b.mu.Unlock()
}

// Enabled reports whether user input is allowed.
func (b *Buffer) Enabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.enabled
}

// Loaded reports whether a document has been installed.
func (b *Buffer) Loaded() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.loaded
}

// Revision counts content changes since creation.
func (b *Buffer) Revision() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.changes
}
