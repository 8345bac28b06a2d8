// Package sqlstore keeps documents in a single relational table through
// gorm. The JSON body is authoritative; the filterable fields are copied into
// indexed columns so listings can be narrowed in SQL.
package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"task-hierarchy/backend/internal/domain"
	"task-hierarchy/backend/internal/store"
)

type documentRow struct {
	Collection     string `gorm:"primaryKey;size:32"`
	ID             string `gorm:"primaryKey;size:64"`
	Data           string `gorm:"type:text;not null"`
	Version        int64  `gorm:"not null;default:1"`
	CreatorID      string `gorm:"size:64;index"`
	AssignedUserID string `gorm:"size:64;index"`
	Status         string `gorm:"size:32;index"`
	EpicID         string `gorm:"size:64;index"`
	StoryID        string `gorm:"size:64;index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (documentRow) TableName() string { return "documents" }

// indexed maps filterable document fields to their column.
var indexed = map[string]string{
	"creator_id":       "creator_id",
	"assigned_user_id": "assigned_user_id",
	"status":           "status",
	"epic_id":          "epic_id",
	"story_id":         "story_id",
}

type Store struct {
	db         *gorm.DB
	casRetries int
}

// New migrates the documents table and returns a store over db.
func New(db *gorm.DB, casRetries int) (*Store, error) {
	if err := db.AutoMigrate(&documentRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate documents table: %w", err)
	}
	if casRetries <= 0 {
		casRetries = 10
	}
	return &Store{db: db, casRetries: casRetries}, nil
}

func str(doc store.Document, field string) string {
	s, _ := doc[field].(string)
	return s
}

func toRow(c store.Collection, id string, doc store.Document) (*documentRow, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	return &documentRow{
		Collection:     string(c),
		ID:             id,
		Data:           string(data),
		Version:        1,
		CreatorID:      str(doc, "creator_id"),
		AssignedUserID: str(doc, "assigned_user_id"),
		Status:         str(doc, "status"),
		EpicID:         str(doc, "epic_id"),
		StoryID:        str(doc, "story_id"),
	}, nil
}

func (r *documentRow) document() (store.Document, error) {
	var doc store.Document
	if err := json.Unmarshal([]byte(r.Data), &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document %s/%s: %w", r.Collection, r.ID, err)
	}
	return store.Normalize(doc), nil
}

func notFound(c store.Collection, id string) error {
	return fmt.Errorf("%s %s: %w", c, id, domain.ErrNotFound)
}

func (s *Store) Create(ctx context.Context, c store.Collection, id string, doc store.Document) (store.Document, error) {
	stored := store.Clone(doc)
	stored["id"] = id
	row, err := toRow(c, id, stored)
	if err != nil {
		return nil, domain.NewStoreError("create", string(c), err)
	}

	set := clause.AssignmentColumns([]string{"data", "creator_id", "assigned_user_id", "status", "epic_id", "story_id", "updated_at"})
	set = append(set, clause.Assignment{Column: clause.Column{Name: "version"}, Value: gorm.Expr("documents.version + 1")})

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "id"}},
		DoUpdates: set,
	}).Create(row).Error
	if err != nil {
		return nil, domain.NewStoreError("create", string(c), err)
	}
	return stored, nil
}

func (s *Store) load(ctx context.Context, c store.Collection, id string) (*documentRow, error) {
	var row documentRow
	err := s.db.WithContext(ctx).Where("collection = ? AND id = ?", string(c), id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(c, id)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *Store) Get(ctx context.Context, c store.Collection, id string) (store.Document, error) {
	row, err := s.load(ctx, c, id)
	if err != nil {
		return nil, domain.NewStoreError("get", string(c), err)
	}
	doc, err := row.document()
	return doc, domain.NewStoreError("get", string(c), err)
}

func (s *Store) List(ctx context.Context, c store.Collection, f store.Filter) ([]store.Document, error) {
	q := s.db.WithContext(ctx).Where("collection = ?", string(c))
	for field, want := range f {
		if col, ok := indexed[field]; ok && want != "" {
			q = q.Where(col+" = ?", want)
		}
	}

	var rows []documentRow
	if err := q.Order("id").Find(&rows).Error; err != nil {
		return nil, domain.NewStoreError("list", string(c), err)
	}

	out := make([]store.Document, 0, len(rows))
	for i := range rows {
		doc, err := rows[i].document()
		if err != nil {
			return nil, domain.NewStoreError("list", string(c), err)
		}
		// fields without a column are matched here
		if f.Matches(doc) {
			out = append(out, doc)
		}
	}
	return out, nil
}

// update is a compare-and-swap on the version column, retried while another
// writer keeps winning.
func (s *Store) update(ctx context.Context, op string, c store.Collection, id string, mutate func(store.Document) (store.Document, bool)) (store.Document, error) {
	for i := 0; i < s.casRetries; i++ {
		row, err := s.load(ctx, c, id)
		if err != nil {
			return nil, domain.NewStoreError(op, string(c), err)
		}
		doc, err := row.document()
		if err != nil {
			return nil, domain.NewStoreError(op, string(c), err)
		}

		updated, changed := mutate(doc)
		if !changed {
			return updated, nil
		}
		next, err := toRow(c, id, updated)
		if err != nil {
			return nil, domain.NewStoreError(op, string(c), err)
		}

		res := s.db.WithContext(ctx).Model(&documentRow{}).
			Where("collection = ? AND id = ? AND version = ?", string(c), id, row.Version).
			Updates(map[string]interface{}{
				"data":             next.Data,
				"version":          row.Version + 1,
				"creator_id":       next.CreatorID,
				"assigned_user_id": next.AssignedUserID,
				"status":           next.Status,
				"epic_id":          next.EpicID,
				"story_id":         next.StoryID,
			})
		if res.Error != nil {
			return nil, domain.NewStoreError(op, string(c), res.Error)
		}
		if res.RowsAffected == 1 {
			return updated, nil
		}
	}
	return nil, &domain.StoreError{Op: op, Collection: string(c), Err: fmt.Errorf("%s %s: %w", c, id, domain.ErrConflict)}
}

func (s *Store) Patch(ctx context.Context, c store.Collection, id string, fields store.Document) (store.Document, error) {
	return s.update(ctx, "patch", c, id, func(doc store.Document) (store.Document, bool) {
		return store.Merge(doc, fields), true
	})
}

func (s *Store) AppendToList(ctx context.Context, c store.Collection, id, field, value string) (store.Document, error) {
	return s.update(ctx, "append", c, id, func(doc store.Document) (store.Document, bool) {
		return store.AppendUnique(doc, field, value)
	})
}

func (s *Store) Delete(ctx context.Context, c store.Collection, id string) error {
	err := s.db.WithContext(ctx).
		Where("collection = ? AND id = ?", string(c), id).
		Delete(&documentRow{}).Error
	return domain.NewStoreError("delete", string(c), err)
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
