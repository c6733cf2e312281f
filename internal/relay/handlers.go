package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/ericfitz/docsync/internal/chat"
	"github.com/ericfitz/docsync/internal/delta"
	"github.com/ericfitz/docsync/internal/slogging"
	"github.com/ericfitz/docsync/internal/uuidgen"
	"github.com/ericfitz/docsync/internal/wire"
)

const storeTimeout = 5 * time.Second

func storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

func logStoreFailure(ctx context.Context, op, documentID string, err error) {
	slogging.Get().ErrorCtx(ctx, "Store operation failed",
		slog.String("op", op),
		slog.String("document_id", documentID),
		slog.Any("error", err))
}

// joined returns c's room locked when c has joined documentID.
func (h *Hub) joined(c *Client, documentID string) (*Room, error) {
	r := c.room
	if r == nil || r.ID != documentID {
		return nil, reply(wire.CodeNotJoined, "request-document %s first", documentID)
	}
	r.mu.Lock()
	return r, nil
}

// request-document(documentId, peerId)
func (h *Hub) handleRequestDocument(c *Client, args []json.RawMessage) error {
	var documentID, peerID string
	if err := wire.DecodeArgs(args, &documentID, &peerID); err != nil {
		return err
	}
	documentID, peerID = strings.TrimSpace(documentID), strings.TrimSpace(peerID)
	if documentID == "" || peerID == "" {
		return reply(wire.CodeBadArguments, "document id and peer id are required")
	}

	ctx, cancel := storeContext()
	defer cancel()
	r, err := h.join(ctx, c, documentID, peerID)
	if err != nil {
		logStoreFailure(ctx, "load_document", documentID, err)
		return reply(wire.CodeStoreFailure, "document %s could not be loaded", documentID)
	}
	defer r.mu.Unlock()

	c.Emit(wire.EventDocumentSnapshot, r.doc, r.title)
	r.broadcast(nil, wire.EventUpdateUsers, r.peers())
	slogging.Get().InfoCtx(ctx, "Peer joined document",
		slog.String("peer_id", peerID),
		slog.String("document_id", documentID),
		slog.Int("clients", len(r.clients)))
	return nil
}

// send-change(delta, documentId)
func (h *Hub) handleSendChange(c *Client, args []json.RawMessage) error {
	var change delta.Delta
	var documentID string
	if err := wire.DecodeArgs(args, &change, &documentID); err != nil {
		return err
	}
	if err := change.Validate(); err != nil {
		return err
	}

	r, err := h.joined(c, documentID)
	if err != nil {
		return err
	}
	defer r.mu.Unlock()

	// The relay keeps a best-effort copy; fan-out does not depend on it.
	if next, err := delta.Apply(r.doc, change); err != nil {
		slogging.Get().Warn("Change from %s does not fit relay copy of %s: %v", c.peerID, documentID, err)
	} else {
		r.doc = next
		r.dirty = true
	}
	r.broadcast(c, wire.EventReceiveChange, change)
	return nil
}

// persist-document(documentId, content)
func (h *Hub) handlePersistDocument(c *Client, args []json.RawMessage) error {
	var documentID string
	var content delta.Delta
	if err := wire.DecodeArgs(args, &documentID, &content); err != nil {
		return err
	}
	if err := content.Validate(); err != nil {
		return err
	}
	if !content.IsDocument() {
		return delta.ErrNotDocument
	}

	r, err := h.joined(c, documentID)
	if err != nil {
		return err
	}
	defer r.mu.Unlock()

	ctx, cancel := storeContext()
	defer cancel()
	if err := h.store.SaveContent(ctx, documentID, content); err != nil {
		logStoreFailure(ctx, "save_content", documentID, err)
		return reply(wire.CodeStoreFailure, "document %s could not be saved", documentID)
	}
	r.doc = content
	r.dirty = false
	return nil
}

// send-cursor(peerId, range, documentId)
func (h *Hub) handleSendCursor(c *Client, args []json.RawMessage) error {
	var peerID, documentID string
	var rng delta.Range
	if err := wire.DecodeArgs(args, &peerID, &rng, &documentID); err != nil {
		return err
	}
	if !rng.Valid() {
		return reply(wire.CodeOutOfRange, "cursor range must be non-negative")
	}

	r, err := h.joined(c, documentID)
	if err != nil {
		return err
	}
	defer r.mu.Unlock()

	r.broadcast(c, wire.EventReceiveCursor, c.peerID, rng)
	return nil
}

// update-title(documentId, title)
func (h *Hub) handleUpdateTitle(c *Client, args []json.RawMessage) error {
	var documentID, title string
	if err := wire.DecodeArgs(args, &documentID, &title); err != nil {
		return err
	}
	cleaned, err := h.sanitizer.Title(title)
	if err != nil {
		return reply(wire.CodeRejectedInput, "title rejected: %v", err)
	}

	r, err := h.joined(c, documentID)
	if err != nil {
		return err
	}
	defer r.mu.Unlock()

	ctx, cancel := storeContext()
	defer cancel()
	if err := h.store.SaveTitle(ctx, documentID, cleaned); err != nil {
		logStoreFailure(ctx, "save_title", documentID, err)
		return reply(wire.CodeStoreFailure, "title of %s could not be saved", documentID)
	}
	r.title = cleaned
	r.broadcast(c, wire.EventTitleUpdated, cleaned)
	if cleaned != title {
		// The sender's copy differs from what everyone else now sees.
		c.Emit(wire.EventTitleUpdated, cleaned)
	}
	return nil
}

// load-chat-history(documentId)
func (h *Hub) handleLoadChatHistory(c *Client, args []json.RawMessage) error {
	var documentID string
	if err := wire.DecodeArgs(args, &documentID); err != nil {
		return err
	}
	if strings.TrimSpace(documentID) == "" {
		return reply(wire.CodeBadArguments, "document id is required")
	}

	ctx, cancel := storeContext()
	defer cancel()
	history, err := h.store.ChatHistory(ctx, documentID, h.opts.Relay.MaxChatHistory)
	if err != nil {
		logStoreFailure(ctx, "chat_history", documentID, err)
		return reply(wire.CodeStoreFailure, "chat history of %s could not be loaded", documentID)
	}
	c.Emit(wire.EventChatHistory, history)
	return nil
}

// send-chat(userId, message, timestamp, documentId)
func (h *Hub) handleSendChat(c *Client, args []json.RawMessage) error {
	var userID, message, timestamp, documentID string
	if err := wire.DecodeArgs(args, &userID, &message, &timestamp, &documentID); err != nil {
		return err
	}
	cleaned, err := h.sanitizer.Chat(message)
	if err != nil {
		return reply(wire.CodeRejectedInput, "message rejected: %v", err)
	}
	if ts, err := time.Parse(time.RFC3339Nano, timestamp); err == nil {
		timestamp = chat.FormatTimestamp(ts)
	} else {
		timestamp = chat.FormatTimestamp(time.Now())
	}

	r, err := h.joined(c, documentID)
	if err != nil {
		return err
	}
	defer r.mu.Unlock()

	msg := wire.ChatMessage{
		ID:        uuidgen.MustNewForChatMessage(),
		UserID:    userID,
		UserName:  c.displayName(userID),
		Message:   cleaned,
		Timestamp: timestamp,
	}
	ctx, cancel := storeContext()
	defer cancel()
	if err := h.store.AppendChat(ctx, documentID, msg); err != nil {
		logStoreFailure(ctx, "append_chat", documentID, err)
		return reply(wire.CodeStoreFailure, "message could not be stored")
	}
	r.broadcast(nil, wire.EventReceiveChat, msg)
	return nil
}
