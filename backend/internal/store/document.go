// Package store is the document store collaborator: load persisted text on
// session creation, save a snapshot on teardown. MySQL through gorm.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	driver "github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// ErrDocumentNotFound means there is no store entry to seed a session from.
var ErrDocumentNotFound = errors.New("SESSION_NOT_FOUND")

type Document struct {
	ID        string `gorm:"primaryKey;size:64"`
	OwnerID   string `gorm:"size:64;index"`
	Title     string `gorm:"size:255"`
	Content   string `gorm:"type:longtext"`
	Version   uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DocumentSnapshot is an append-only history row; (document_id, version) is
// unique and a duplicate insert is treated as already-saved.
type DocumentSnapshot struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	DocumentID string `gorm:"size:64;uniqueIndex:idx_doc_version"`
	Version    uint64 `gorm:"uniqueIndex:idx_doc_version"`
	Content    string `gorm:"type:longtext"`
	CreatedAt  time.Time
}

type DocumentStore interface {
	Load(ctx context.Context, documentID string) (content string, version uint64, err error)
	Save(ctx context.Context, documentID, content string, version uint64) error
}

type MySQLStore struct {
	db *gorm.DB
}

func Open(dsn string) (*MySQLStore, error) {
	db, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if err := db.AutoMigrate(&Document{}, &DocumentSnapshot{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &MySQLStore{db: db}, nil
}

func NewMySQLStore(db *gorm.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

func (s *MySQLStore) Load(ctx context.Context, documentID string) (string, uint64, error) {
	var doc Document
	err := s.db.WithContext(ctx).First(&doc, "id = ?", documentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", 0, fmt.Errorf("%w: document %s", ErrDocumentNotFound, documentID)
	}
	if err != nil {
		return "", 0, fmt.Errorf("load document %s: %w", documentID, err)
	}
	return doc.Content, doc.Version, nil
}

func (s *MySQLStore) Save(ctx context.Context, documentID, content string, version uint64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Document{}).
			Where("id = ? AND version <= ?", documentID, version).
			Updates(map[string]any{"content": content, "version": version})
		if res.Error != nil {
			return fmt.Errorf("update document %s: %w", documentID, res.Error)
		}

		snap := DocumentSnapshot{DocumentID: documentID, Version: version, Content: content}
		if err := tx.Create(&snap).Error; err != nil {
			var mysqlErr *driver.MySQLError
			if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
				// Same (doc, version) flushed twice; nothing new to record.
				return nil
			}
			return fmt.Errorf("append snapshot %s@%d: %w", documentID, version, err)
		}
		return nil
	})
}

// Create inserts a fresh document row. Used by tooling; the collaboration
// core itself never creates documents.
func (s *MySQLStore) Create(ctx context.Context, doc Document) error {
	if err := s.db.WithContext(ctx).Create(&doc).Error; err != nil {
		return fmt.Errorf("create document %s: %w", doc.ID, err)
	}
	return nil
}
