package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"task-hierarchy/backend/internal/domain"
	"task-hierarchy/backend/internal/models"
	"task-hierarchy/backend/internal/store"
)

// OrphanReporter takes over cleanup of a child document whose compensating
// delete failed.
type OrphanReporter interface {
	ReportOrphan(ctx context.Context, c store.Collection, id string, cause error) error
}

const (
	defaultFanOut         = 8
	compensationTimeout   = 10 * time.Second
	childUserStoriesField = "child_user_stories"
	childTasksField       = "child_tasks"
)

// link describes where a child kind records itself in its parent.
type link struct {
	parent store.Collection
	field  string
}

var links = map[models.Kind]link{
	models.KindStory: {parent: store.Epics, field: childUserStoriesField},
	models.KindTask:  {parent: store.Stories, field: childTasksField},
}

var filterKeys = map[models.Kind]map[string]bool{
	models.KindEpic:  {"creator_id": true, "assigned_user_id": true, "status": true},
	models.KindStory: {"creator_id": true, "assigned_user_id": true, "status": true, "epic_id": true},
	models.KindTask:  {"creator_id": true, "assigned_user_id": true, "status": true, "epic_id": true, "story_id": true},
}

func CollectionFor(kind models.Kind) store.Collection {
	switch kind {
	case models.KindEpic:
		return store.Epics
	case models.KindStory:
		return store.Stories
	default:
		return store.Tasks
	}
}

// Manager keeps parent child lists consistent with the children created
// under them, and answers traversal queries across the hierarchy.
type Manager struct {
	store   store.Gateway
	logger  *slog.Logger
	orphans OrphanReporter
	fanOut  int
}

type Option func(*Manager)

func WithOrphanReporter(r OrphanReporter) Option {
	return func(m *Manager) { m.orphans = r }
}

// WithFanOut bounds the concurrent per-story queries of GetTasksUnderEpic.
func WithFanOut(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.fanOut = n
		}
	}
}

func NewManager(gw store.Gateway, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:  gw,
		logger: logger.With("component", "hierarchy"),
		fanOut: defaultFanOut,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) CreateEpic(ctx context.Context, fields models.Fields) (*models.Epic, error) {
	e, err := m.create(ctx, models.KindEpic, fields)
	if err != nil {
		return nil, err
	}
	return e.(*models.Epic), nil
}

func (m *Manager) CreateStoryLinked(ctx context.Context, fields models.Fields) (*models.Story, error) {
	e, err := m.create(ctx, models.KindStory, fields)
	if err != nil {
		return nil, err
	}
	return e.(*models.Story), nil
}

func (m *Manager) CreateTaskLinked(ctx context.Context, fields models.Fields) (*models.Task, error) {
	e, err := m.create(ctx, models.KindTask, fields)
	if err != nil {
		return nil, err
	}
	return e.(*models.Task), nil
}

// Create dispatches on kind.
func (m *Manager) Create(ctx context.Context, kind models.Kind, fields models.Fields) (models.Entity, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	return m.create(ctx, kind, fields)
}

// create validates and persists the record, then appends it to its declared
// parent. A failed append deletes the child again before returning a
// LinkError. Ids are always assigned here; Gateway.Create overwrites, so a
// caller-chosen id could replace an existing record and the rollback would
// then delete it.
func (m *Manager) create(ctx context.Context, kind models.Kind, fields models.Fields) (models.Entity, error) {
	if _, ok := fields["id"]; ok {
		return nil, domain.NewValidationError("id", "is assigned by the server")
	}
	rec, err := models.ParseExternal(kind, fields, models.NewID())
	if err != nil {
		return nil, err
	}

	coll := CollectionFor(kind)
	doc, err := m.store.Create(ctx, coll, rec.EntityID(), store.Document(rec.ToFields()))
	if err != nil {
		return nil, domain.NewStoreError("create", string(coll), err)
	}

	parentID := models.ParentID(rec)
	if parentID != "" {
		l := links[kind]
		if _, err := m.store.AppendToList(ctx, l.parent, parentID, l.field, rec.EntityID()); err != nil {
			return nil, m.compensate(ctx, kind, rec.EntityID(), parentID, err)
		}
	}

	return models.ParseStored(kind, doc.ID(), models.Fields(doc))
}

func (m *Manager) compensate(ctx context.Context, kind models.Kind, childID, parentID string, cause error) error {
	coll := CollectionFor(kind)
	linkErr := &domain.LinkError{Kind: string(kind), ChildID: childID, ParentID: parentID, Cause: cause}

	// the caller's deadline may be what broke the link
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	delErr := m.store.Delete(cctx, coll, childID)
	if delErr == nil {
		m.logger.Warn("link failed, child rolled back",
			"kind", kind, "id", childID, "parent_id", parentID, "error", cause)
		return linkErr
	}

	linkErr.RollbackIncomplete = true
	linkErr.RollbackErr = delErr
	m.logger.Error("rollback failed, orphan left in store",
		"collection", coll, "id", childID, "parent_id", parentID, "error", delErr)

	if m.orphans != nil {
		if err := m.orphans.ReportOrphan(cctx, coll, childID, delErr); err != nil {
			m.logger.Error("failed to queue orphan cleanup", "collection", coll, "id", childID, "error", err)
		}
	}
	return linkErr
}

func (m *Manager) Get(ctx context.Context, kind models.Kind, id string) (models.Entity, error) {
	coll := CollectionFor(kind)
	doc, err := m.store.Get(ctx, coll, id)
	if err != nil {
		return nil, domain.NewStoreError("get", string(coll), err)
	}
	return models.ParseStored(kind, doc.ID(), models.Fields(doc))
}

func (m *Manager) validateFilter(kind models.Kind, f store.Filter) error {
	allowed := filterKeys[kind]
	var errs []domain.FieldError
	for key := range f {
		if !allowed[key] {
			errs = append(errs, domain.FieldError{Field: key, Message: fmt.Sprintf("is not a %s filter", kind)})
		}
	}
	if len(errs) > 0 {
		return domain.NewValidationErrors(errs)
	}
	return nil
}

// List returns every record of kind matching all non-empty filters. Tasks
// carry no epic id, so a task epic_id filter is answered by traversal.
func (m *Manager) List(ctx context.Context, kind models.Kind, f store.Filter) ([]models.Entity, error) {
	if err := m.validateFilter(kind, f); err != nil {
		return nil, err
	}

	if kind == models.KindTask && f["epic_id"] != "" {
		tasks, err := m.GetTasksUnderEpic(ctx, f["epic_id"], f["status"])
		if err != nil {
			return nil, err
		}
		rest := store.Filter{}
		for k, v := range f {
			if k != "epic_id" {
				rest[k] = v
			}
		}
		out := make([]models.Entity, 0, len(tasks))
		for _, t := range tasks {
			if rest.Matches(store.Document(t.ToFields())) {
				out = append(out, t)
			}
		}
		return out, nil
	}

	coll := CollectionFor(kind)
	docs, err := m.store.List(ctx, coll, f)
	if err != nil {
		return nil, domain.NewStoreError("list", string(coll), err)
	}
	return parseAll(kind, docs)
}

func parseAll(kind models.Kind, docs []store.Document) ([]models.Entity, error) {
	out := make([]models.Entity, 0, len(docs))
	for _, doc := range docs {
		e, err := models.ParseStored(kind, doc.ID(), models.Fields(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// UpdateEntity re-validates the patch and writes it. Child lists may be
// replaced wholesale here; no parent or child is touched.
func (m *Manager) UpdateEntity(ctx context.Context, kind models.Kind, id string, patch models.Fields) (models.Entity, error) {
	clean, err := models.ValidatePatch(kind, patch)
	if err != nil {
		return nil, err
	}

	coll := CollectionFor(kind)
	doc, err := m.store.Patch(ctx, coll, id, store.Document(clean))
	if err != nil {
		return nil, domain.NewStoreError("patch", string(coll), err)
	}
	return models.ParseStored(kind, doc.ID(), models.Fields(doc))
}

// GetEpicForTask follows task -> story -> epic. Any missing hop is reported
// as ErrNotFound, with the hop named in the message.
func (m *Manager) GetEpicForTask(ctx context.Context, taskID string) (*models.Epic, error) {
	t, err := m.Get(ctx, models.KindTask, taskID)
	if err != nil {
		return nil, fmt.Errorf("epic for task %s: %w", taskID, err)
	}
	task := t.(*models.Task)
	if task.StoryID == "" {
		return nil, fmt.Errorf("epic for task %s: task has no story: %w", taskID, domain.ErrNotFound)
	}

	s, err := m.Get(ctx, models.KindStory, task.StoryID)
	if err != nil {
		return nil, fmt.Errorf("epic for task %s: story %s: %w", taskID, task.StoryID, err)
	}
	story := s.(*models.Story)
	if story.EpicID == "" {
		return nil, fmt.Errorf("epic for task %s: story %s has no epic: %w", taskID, story.ID, domain.ErrNotFound)
	}

	e, err := m.Get(ctx, models.KindEpic, story.EpicID)
	if err != nil {
		return nil, fmt.Errorf("epic for task %s: epic %s: %w", taskID, story.EpicID, err)
	}
	return e.(*models.Epic), nil
}

// GetTasksUnderEpic lists the tasks of every story whose epic_id is epicID,
// optionally narrowed to one status. Per-story queries run concurrently;
// results keep story order. An empty epicID matches nothing.
func (m *Manager) GetTasksUnderEpic(ctx context.Context, epicID, status string) ([]*models.Task, error) {
	if epicID == "" {
		return []*models.Task{}, nil
	}
	stories, err := m.store.List(ctx, store.Stories, store.Filter{"epic_id": epicID})
	if err != nil {
		return nil, domain.NewStoreError("list", string(store.Stories), err)
	}

	perStory := make([][]store.Document, len(stories))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.fanOut)

	for i, s := range stories {
		i := i
		storyID := s.ID()
		g.Go(func() error {
			docs, err := m.store.List(gctx, store.Tasks, store.Filter{"story_id": storyID, "status": status})
			if err != nil {
				return domain.NewStoreError("list", string(store.Tasks), err)
			}
			perStory[i] = docs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := []*models.Task{}
	for _, docs := range perStory {
		for _, doc := range docs {
			e, err := models.ParseStored(models.KindTask, doc.ID(), models.Fields(doc))
			if err != nil {
				return nil, err
			}
			out = append(out, e.(*models.Task))
		}
	}
	return out, nil
}
