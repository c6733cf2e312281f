package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ericfitz/docsync/internal/config"
	"github.com/ericfitz/docsync/internal/delta"
	"github.com/ericfitz/docsync/internal/slogging"
	"github.com/ericfitz/docsync/internal/wire"
)

// Hash fields of a document key
const (
	fieldID      = "id"
	fieldTitle   = "title"
	fieldContent = "content"
)

// Redis stores each document as a hash and each chat log as a list of JSON
// encoded messages.
type Redis struct {
	client *redis.Client
	cfg    config.RedisConfig
}

// NewRedis connects to Redis and verifies the connection with a ping
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	logger := slogging.Get()
	logger.Debug("Initializing Redis store at %s DB=%d", cfg.Addr, cfg.DB)

	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		PoolSize:        10,
		MinIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Error("Failed to ping Redis: %v", err)
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	logger.Debug("Redis store connected")

	return &Redis{client: client, cfg: cfg}, nil
}

func (r *Redis) documentKey(id string) string {
	return fmt.Sprintf("%sdoc:%s", r.cfg.KeyPrefix, id)
}

func (r *Redis) chatKey(id string) string {
	return fmt.Sprintf("%schat:%s", r.cfg.KeyPrefix, id)
}

func (r *Redis) LoadDocument(ctx context.Context, id string) (Document, error) {
	fields, err := r.client.HGetAll(ctx, r.documentKey(id)).Result()
	if err != nil {
		return Document{}, fmt.Errorf("failed to load document %s: %w", id, err)
	}
	if len(fields) == 0 {
		return Document{}, ErrNotFound
	}

	doc := Document{ID: id, Title: fields[fieldTitle], Content: delta.New()}
	if raw := fields[fieldContent]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &doc.Content); err != nil {
			return Document{}, fmt.Errorf("failed to decode document %s: %w", id, err)
		}
	}
	return doc, nil
}

func (r *Redis) SaveContent(ctx context.Context, id string, content delta.Delta) error {
	data, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", id, err)
	}
	if err := r.client.HSet(ctx, r.documentKey(id), fieldID, id, fieldContent, string(data)).Err(); err != nil {
		return fmt.Errorf("failed to save document %s: %w", id, err)
	}
	return nil
}

func (r *Redis) SaveTitle(ctx context.Context, id, title string) error {
	if err := r.client.HSet(ctx, r.documentKey(id), fieldID, id, fieldTitle, title).Err(); err != nil {
		return fmt.Errorf("failed to save title %s: %w", id, err)
	}
	return nil
}

func (r *Redis) AppendChat(ctx context.Context, id string, msg wire.ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode chat message: %w", err)
	}
	// Chat-only rooms still get a document hash.
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, r.chatKey(id), string(data))
		pipe.HSetNX(ctx, r.documentKey(id), fieldID, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append chat for %s: %w", id, err)
	}
	return nil
}

func (r *Redis) ChatHistory(ctx context.Context, id string, limit int) ([]wire.ChatMessage, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	entries, err := r.client.LRange(ctx, r.chatKey(id), start, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load chat for %s: %w", id, err)
	}

	msgs := make([]wire.ChatMessage, 0, len(entries))
	for _, entry := range entries {
		var msg wire.ChatMessage
		if err := json.Unmarshal([]byte(entry), &msg); err != nil {
			slogging.Get().Warn("Skipping undecodable chat entry for %s: %v", id, err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Close closes the Redis connection
func (r *Redis) Close() error {
	logger := slogging.Get()
	logger.Debug("Closing Redis store at %s DB=%d", r.cfg.Addr, r.cfg.DB)
	if err := r.client.Close(); err != nil {
		logger.Error("Error closing Redis connection: %v", err)
		return err
	}
	return nil
}
