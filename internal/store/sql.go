package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/ericfitz/docsync/internal/delta"
	"github.com/ericfitz/docsync/internal/slogging"
	"github.com/ericfitz/docsync/internal/wire"
)

type documentRecord struct {
	ID        string `gorm:"primaryKey;size:255"`
	Title     string `gorm:"size:1024"`
	Content   string `gorm:"type:text"`
	UpdatedAt time.Time
}

func (documentRecord) TableName() string { return "documents" }

type chatRecord struct {
	Seq        uint   `gorm:"primaryKey;autoIncrement"`
	DocumentID string `gorm:"index;size:255;not null"`
	MessageID  string `gorm:"size:64"`
	UserID     string `gorm:"size:255"`
	UserName   string `gorm:"size:255"`
	Message    string `gorm:"type:text"`
	Timestamp  string `gorm:"size:64"`
	CreatedAt  time.Time
}

func (chatRecord) TableName() string { return "chat_messages" }

// SQL is a gorm-backed store
type SQL struct {
	db *gorm.DB
}

// NewSQLite opens (creating if needed) the SQLite database at path and
// migrates the schema.
func NewSQLite(path string) (*SQL, error) {
	slogging.Get().Debug("Opening SQLite store at %s", path)

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormLogger(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	return NewSQL(db)
}

// NewSQL wraps an open gorm connection and migrates the schema
func NewSQL(db *gorm.DB) (*SQL, error) {
	if err := db.AutoMigrate(&documentRecord{}, &chatRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate store schema: %w", err)
	}
	return &SQL{db: db}, nil
}

func gormLogger() logger.Interface {
	if slogging.Get().Level() == slogging.LogLevelDebug {
		return logger.Default.LogMode(logger.Info)
	}
	return logger.Default.LogMode(logger.Silent)
}

func (s *SQL) LoadDocument(ctx context.Context, id string) (Document, error) {
	var rec documentRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Document{}, ErrNotFound
		}
		return Document{}, fmt.Errorf("failed to load document %s: %w", id, err)
	}

	doc := Document{ID: rec.ID, Title: rec.Title, Content: delta.New()}
	if rec.Content != "" {
		if err := json.Unmarshal([]byte(rec.Content), &doc.Content); err != nil {
			return Document{}, fmt.Errorf("failed to decode document %s: %w", id, err)
		}
	}
	return doc, nil
}

func (s *SQL) SaveContent(ctx context.Context, id string, content delta.Delta) error {
	data, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", id, err)
	}
	rec := documentRecord{ID: id, Content: string(data), UpdatedAt: time.Now().UTC()}
	return s.upsert(ctx, &rec, "content")
}

func (s *SQL) SaveTitle(ctx context.Context, id, title string) error {
	rec := documentRecord{ID: id, Title: title, UpdatedAt: time.Now().UTC()}
	return s.upsert(ctx, &rec, "title")
}

func (s *SQL) upsert(ctx context.Context, rec *documentRecord, column string) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{column, "updated_at"}),
	}).Create(rec).Error
	if err != nil {
		slogging.Get().Error("Failed to save %s of document %s: %v", column, rec.ID, err)
		return fmt.Errorf("failed to save document %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQL) AppendChat(ctx context.Context, id string, msg wire.ChatMessage) error {
	rec := chatRecord{
		DocumentID: id,
		MessageID:  msg.ID,
		UserID:     msg.UserID,
		UserName:   msg.UserName,
		Message:    msg.Message,
		Timestamp:  msg.Timestamp,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to append chat for %s: %w", id, err)
	}
	return nil
}

func (s *SQL) ChatHistory(ctx context.Context, id string, limit int) ([]wire.ChatMessage, error) {
	var recs []chatRecord
	q := s.db.WithContext(ctx).Where("document_id = ?", id).Order("seq DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to load chat for %s: %w", id, err)
	}

	msgs := make([]wire.ChatMessage, len(recs))
	for i, rec := range recs {
		msgs[len(recs)-1-i] = wire.ChatMessage{
			ID:        rec.MessageID,
			UserID:    rec.UserID,
			UserName:  rec.UserName,
			Message:   rec.Message,
			Timestamp: rec.Timestamp,
		}
	}
	return msgs, nil
}

// Close closes the underlying database handle
func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
