package models

import (
	"fmt"
	"strings"
	"time"

	"task-hierarchy/backend/internal/domain"

	"github.com/gofrs/uuid"
)

// Kind names one of the three levels of the hierarchy.
type Kind string

const (
	KindEpic  Kind = "epic"
	KindStory Kind = "story"
	KindTask  Kind = "task"
)

func (k Kind) Valid() bool {
	return k == KindEpic || k == KindStory || k == KindTask
}

// Fields is the flat wire/storage representation of a record.
type Fields map[string]any

// Entity is implemented by Epic, Story and Task.
type Entity interface {
	EntityID() string
	EntityKind() Kind
	ToFields() Fields
}

// Base holds the fields shared by every entity kind.
type Base struct {
	ID             string  `json:"id" validate:"required"`
	Name           string  `json:"name" validate:"required"`
	Description    string  `json:"description" validate:"required"`
	Status         Status  `json:"status" validate:"required,status"`
	CreatorID      string  `json:"creator_id" validate:"required"`
	AssignedUserID *string `json:"assigned_user_id"`
	DueDate        string  `json:"due_date" validate:"omitempty,rfc3339"`
	CreatedAt      string  `json:"created_at" validate:"required,rfc3339"`
}

func (b Base) EntityID() string { return b.ID }

func (b Base) fields() Fields {
	var assigned any
	if b.AssignedUserID != nil {
		assigned = *b.AssignedUserID
	}
	return Fields{
		"id":               b.ID,
		"name":             b.Name,
		"description":      b.Description,
		"status":           string(b.Status),
		"creator_id":       b.CreatorID,
		"assigned_user_id": assigned,
		"due_date":         b.DueDate,
		"created_at":       b.CreatedAt,
	}
}

// now is swapped in tests.
var now = func() time.Time { return time.Now().UTC() }

// NewID returns a 32 character hex identifier.
func NewID() string {
	return strings.ReplaceAll(uuid.Must(uuid.NewV4()).String(), "-", "")
}

// fieldReader coerces untyped field values, collecting type errors when strict.
type fieldReader struct {
	fields Fields
	strict bool
	errs   []domain.FieldError
}

func (r *fieldReader) typeError(key, want string) {
	if r.strict {
		r.errs = append(r.errs, domain.FieldError{Field: key, Message: "must be " + want})
	}
}

func (r *fieldReader) str(key string) string {
	v, ok := r.fields[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case Status:
		return string(s)
	}
	r.typeError(key, "a string")
	return ""
}

func (r *fieldReader) optStr(key string) *string {
	v, ok := r.fields[key]
	if !ok || v == nil {
		return nil
	}
	s := r.str(key)
	if s == "" {
		return nil
	}
	return &s
}

func (r *fieldReader) list(key string) []string {
	out := []string{}
	v, ok := r.fields[key]
	if !ok || v == nil {
		return out
	}
	switch items := v.(type) {
	case []string:
		return append(out, items...)
	case []any:
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				r.typeError(key, "a list of strings")
				return []string{}
			}
			out = append(out, s)
		}
		return out
	}
	r.typeError(key, "a list of strings")
	return out
}

func (r *fieldReader) base(id string) Base {
	return Base{
		ID:             id,
		Name:           r.str("name"),
		Description:    r.str("description"),
		Status:         Status(r.str("status")),
		CreatorID:      r.str("creator_id"),
		AssignedUserID: r.optStr("assigned_user_id"),
		DueDate:        r.str("due_date"),
		CreatedAt:      r.str("created_at"),
	}
}

func (r *fieldReader) err() error {
	if len(r.errs) == 0 {
		return nil
	}
	return domain.NewValidationErrors(r.errs)
}

// Construct validates fields as a complete record of the given kind.
// The id must be present; created_at defaults to the current time.
func Construct(kind Kind, fields Fields) (Entity, error) {
	r := &fieldReader{fields: fields, strict: true}
	return build(kind, r, r.str("id"))
}

// ParseExternal is Construct with a freshly generated id when none is
// supplied, either as the argument or in fields.
func ParseExternal(kind Kind, fields Fields, id string) (Entity, error) {
	r := &fieldReader{fields: fields, strict: true}
	if id == "" {
		id = r.str("id")
	}
	if id == "" {
		id = NewID()
	}
	return build(kind, r, id)
}

// ParseStored rebuilds a record persisted under recordID. It performs type
// coercion only; the record was validated when it was written.
func ParseStored(kind Kind, recordID string, fields Fields) (Entity, error) {
	r := &fieldReader{fields: fields}
	b := r.base(recordID)
	switch kind {
	case KindEpic:
		return &Epic{Base: b, ChildUserStories: r.list("child_user_stories")}, nil
	case KindStory:
		return &Story{Base: b, EpicID: r.str("epic_id"), ChildTasks: r.list("child_tasks")}, nil
	case KindTask:
		return &Task{Base: b, StoryID: r.str("story_id")}, nil
	}
	return nil, fmt.Errorf("unknown entity kind %q", kind)
}

func build(kind Kind, r *fieldReader, id string) (Entity, error) {
	b := r.base(id)
	if b.CreatedAt == "" {
		b.CreatedAt = now().Format(time.RFC3339)
	}

	var e Entity
	switch kind {
	case KindEpic:
		e = &Epic{Base: b, ChildUserStories: r.list("child_user_stories")}
	case KindStory:
		e = &Story{Base: b, EpicID: r.str("epic_id"), ChildTasks: r.list("child_tasks")}
	case KindTask:
		e = &Task{Base: b, StoryID: r.str("story_id")}
	default:
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}

	if err := r.err(); err != nil {
		return nil, err
	}
	if err := validateStruct(e); err != nil {
		return nil, err
	}
	return e, nil
}
