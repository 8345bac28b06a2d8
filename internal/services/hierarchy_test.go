package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"task-hierarchy/backend/internal/domain"
	"task-hierarchy/backend/internal/models"
	"task-hierarchy/backend/internal/store"
	"task-hierarchy/backend/internal/store/memstore"
)

var errBackend = errors.New("backend unavailable")

// faultyStore injects failures into selected memstore operations.
type faultyStore struct {
	*memstore.Store
	appendErr   error
	deleteErr   error
	taskListErr error
}

func (f *faultyStore) AppendToList(ctx context.Context, c store.Collection, id, field, value string) (store.Document, error) {
	if f.appendErr != nil {
		return nil, f.appendErr
	}
	return f.Store.AppendToList(ctx, c, id, field, value)
}

func (f *faultyStore) Delete(ctx context.Context, c store.Collection, id string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.Store.Delete(ctx, c, id)
}

func (f *faultyStore) List(ctx context.Context, c store.Collection, flt store.Filter) ([]store.Document, error) {
	if c == store.Tasks && f.taskListErr != nil {
		return nil, f.taskListErr
	}
	return f.Store.List(ctx, c, flt)
}

type recordingReporter struct {
	mu     sync.Mutex
	orphan []string
	err    error
}

func (r *recordingReporter) ReportOrphan(_ context.Context, c store.Collection, id string, _ error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orphan = append(r.orphan, string(c)+"/"+id)
	return r.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *faultyStore) {
	t.Helper()
	fs := &faultyStore{Store: memstore.New()}
	return NewManager(fs, testLogger(), opts...), fs
}

func entityFields(name string) models.Fields {
	return models.Fields{
		"name":             name,
		"description":      name + " description",
		"creator_id":       "u1",
		"status":           "Pending",
		"assigned_user_id": nil,
	}
}

func withField(f models.Fields, key string, value any) models.Fields {
	f[key] = value
	return f
}

func TestScenario_EpicThenLinkedStory(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	epic, err := m.CreateEpic(ctx, withField(entityFields("Q1 Goals"), "child_user_stories", []any{}))
	require.NoError(t, err)
	assert.NotEmpty(t, epic.ID)
	assert.NotEmpty(t, epic.CreatedAt)
	assert.Empty(t, epic.ChildUserStories)

	story, err := m.CreateStoryLinked(ctx, withField(entityFields("Login"), "epic_id", epic.ID))
	require.NoError(t, err)

	got, err := m.Get(ctx, models.KindEpic, epic.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{story.ID}, got.(*models.Epic).ChildUserStories)
}

func TestCreateStoryLinked_LinksExactlyOnce(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	epic, err := m.CreateEpic(ctx, entityFields("E"))
	require.NoError(t, err)

	story, err := m.CreateStoryLinked(ctx, withField(entityFields("S"), "epic_id", epic.ID))
	require.NoError(t, err)
	assert.NotEmpty(t, story.ID)

	got, err := m.Get(ctx, models.KindEpic, epic.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{story.ID}, got.(*models.Epic).ChildUserStories)

	_, err = m.Get(ctx, models.KindStory, story.ID)
	assert.NoError(t, err)
}

func TestCreate_RejectsClientID(t *testing.T) {
	m, fs := newTestManager(t)

	for _, kind := range []models.Kind{models.KindEpic, models.KindStory, models.KindTask} {
		_, err := m.Create(context.Background(), kind, withField(entityFields("x"), "id", "chosen"))
		assert.ErrorIs(t, err, domain.ErrValidation, kind)

		var vErr *domain.ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, "id", vErr.Errors[0].Field)
	}
	assert.Equal(t, 0, fs.Len(store.Epics)+fs.Len(store.Stories)+fs.Len(store.Tasks))
}

func TestCreate_FailedLinkNeverRemovesExistingRecord(t *testing.T) {
	m, fs := newTestManager(t)
	ctx := context.Background()

	epic, err := m.CreateEpic(ctx, entityFields("E"))
	require.NoError(t, err)
	story, err := m.CreateStoryLinked(ctx, withField(entityFields("S"), "epic_id", epic.ID))
	require.NoError(t, err)
	task, err := m.CreateTaskLinked(ctx, withField(entityFields("T"), "story_id", story.ID))
	require.NoError(t, err)

	// reusing the story's id with a dangling parent
	f := withField(withField(entityFields("S2"), "epic_id", "missing"), "id", story.ID)
	_, err = m.CreateStoryLinked(ctx, f)
	assert.ErrorIs(t, err, domain.ErrValidation)

	// reusing the epic's id would otherwise reset its child list
	_, err = m.CreateEpic(ctx, withField(entityFields("E2"), "id", epic.ID))
	assert.ErrorIs(t, err, domain.ErrValidation)

	gotStory, err := m.Get(ctx, models.KindStory, story.ID)
	require.NoError(t, err)
	assert.Equal(t, "S", gotStory.(*models.Story).Name)
	assert.Equal(t, []string{task.ID}, gotStory.(*models.Story).ChildTasks)

	gotEpic, err := m.Get(ctx, models.KindEpic, epic.ID)
	require.NoError(t, err)
	assert.Equal(t, "E", gotEpic.(*models.Epic).Name)
	assert.Equal(t, []string{story.ID}, gotEpic.(*models.Epic).ChildUserStories)

	// a genuine link failure rolls back only the new record
	_, err = m.CreateStoryLinked(ctx, withField(entityFields("S3"), "epic_id", "missing"))
	assert.ErrorIs(t, err, domain.ErrLinkFailure)
	assert.Equal(t, 1, fs.Len(store.Stories))
	assert.Equal(t, 1, fs.Len(store.Tasks))
}

func TestCreateStoryLinked_MissingEpicRollsBack(t *testing.T) {
	m, fs := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateStoryLinked(ctx, withField(entityFields("S"), "epic_id", "no-such-epic"))

	require.ErrorIs(t, err, domain.ErrLinkFailure)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.KindLinkFailure, domain.KindOf(err))

	var linkErr *domain.LinkError
	require.ErrorAs(t, err, &linkErr)
	assert.False(t, linkErr.RollbackIncomplete)
	assert.NotEmpty(t, linkErr.ChildID)
	assert.Equal(t, "no-such-epic", linkErr.ParentID)

	_, err = m.Get(ctx, models.KindStory, linkErr.ChildID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 0, fs.Len(store.Stories))
}

func TestCreateTaskLinked(t *testing.T) {
	m, fs := newTestManager(t)
	ctx := context.Background()

	story, err := m.CreateStoryLinked(ctx, entityFields("S"))
	require.NoError(t, err)

	task, err := m.CreateTaskLinked(ctx, withField(entityFields("T"), "story_id", story.ID))
	require.NoError(t, err)

	got, err := m.Get(ctx, models.KindStory, story.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{task.ID}, got.(*models.Story).ChildTasks)

	_, err = m.CreateTaskLinked(ctx, withField(entityFields("orphan"), "story_id", "missing"))
	assert.ErrorIs(t, err, domain.ErrLinkFailure)
	assert.Equal(t, 1, fs.Len(store.Tasks))
}

func TestCreate_AppendStoreFailureRollsBack(t *testing.T) {
	m, fs := newTestManager(t)
	ctx := context.Background()

	epic, err := m.CreateEpic(ctx, entityFields("E"))
	require.NoError(t, err)

	fs.appendErr = &domain.StoreError{Op: "append", Collection: "epics", Err: errBackend}
	_, err = m.CreateStoryLinked(ctx, withField(entityFields("S"), "epic_id", epic.ID))

	assert.Equal(t, domain.KindLinkFailure, domain.KindOf(err))
	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, 0, fs.Len(store.Stories))
}

func TestCreate_RollbackFailureReportsOrphan(t *testing.T) {
	reporter := &recordingReporter{}
	m, fs := newTestManager(t, WithOrphanReporter(reporter))
	ctx := context.Background()

	fs.deleteErr = errBackend
	_, err := m.CreateTaskLinked(ctx, withField(entityFields("T"), "story_id", "missing"))

	var linkErr *domain.LinkError
	require.ErrorAs(t, err, &linkErr)
	assert.True(t, linkErr.RollbackIncomplete)
	assert.ErrorIs(t, linkErr.RollbackErr, errBackend)
	assert.Contains(t, err.Error(), "rollback incomplete")

	assert.Equal(t, []string{"tasks/" + linkErr.ChildID}, reporter.orphan)
	assert.Equal(t, 1, fs.Len(store.Tasks))
}

func TestCreate_ReporterFailureStillReturnsLinkError(t *testing.T) {
	reporter := &recordingReporter{err: errors.New("queue down")}
	m, fs := newTestManager(t, WithOrphanReporter(reporter))
	fs.deleteErr = errBackend

	_, err := m.CreateStoryLinked(context.Background(), withField(entityFields("S"), "epic_id", "missing"))
	assert.Equal(t, domain.KindLinkFailure, domain.KindOf(err))
	assert.Len(t, reporter.orphan, 1)
}

func TestCreate_ValidationWritesNothing(t *testing.T) {
	m, fs := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateEpic(ctx, withField(entityFields("E"), "status", "Done"))
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = m.CreateTaskLinked(ctx, withField(entityFields("T"), "due_date", "soon"))
	assert.ErrorIs(t, err, domain.ErrValidation)

	bad := entityFields("S")
	delete(bad, "creator_id")
	_, err = m.CreateStoryLinked(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrValidation)

	assert.Equal(t, 0, fs.Len(store.Epics)+fs.Len(store.Stories)+fs.Len(store.Tasks))
}

func TestCreate_ConcurrentChildrenAreAllLinked(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	epic, err := m.CreateEpic(ctx, entityFields("E"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.CreateStoryLinked(ctx, withField(entityFields(fmt.Sprintf("S%d", i)), "epic_id", epic.ID))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := m.Get(ctx, models.KindEpic, epic.ID)
	require.NoError(t, err)
	assert.Len(t, got.(*models.Epic).ChildUserStories, 25)
}

func TestList_FilterConjunction(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for _, tc := range []struct{ creator, status string }{
		{"u1", "Pending"}, {"u1", "Completed"}, {"u2", "Pending"}, {"u1", "Pending"},
	} {
		f := entityFields("T")
		f["creator_id"] = tc.creator
		f["status"] = tc.status
		_, err := m.CreateTaskLinked(ctx, f)
		require.NoError(t, err)
	}

	both, err := m.List(ctx, models.KindTask, store.Filter{"status": "Pending", "creator_id": "u1"})
	require.NoError(t, err)
	assert.Len(t, both, 2)
	for _, e := range both {
		task := e.(*models.Task)
		assert.Equal(t, "u1", task.CreatorID)
		assert.Equal(t, models.StatusPending, task.Status)
	}

	all, err := m.List(ctx, models.KindTask, nil)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	none, err := m.List(ctx, models.KindEpic, store.Filter{"status": "Pending"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestList_RejectsForeignFilter(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.List(context.Background(), models.KindEpic, store.Filter{"story_id": "s1"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

// buildTree creates E -> S1, S2 with one Pending task each, plus a Completed
// task under S2 and an unrelated story and task.
func buildTree(t *testing.T, m *Manager) (epic *models.Epic, tasks []string) {
	t.Helper()
	ctx := context.Background()

	epic, err := m.CreateEpic(ctx, entityFields("E"))
	require.NoError(t, err)

	for _, name := range []string{"S1", "S2"} {
		s, err := m.CreateStoryLinked(ctx, withField(entityFields(name), "epic_id", epic.ID))
		require.NoError(t, err)
		task, err := m.CreateTaskLinked(ctx, withField(entityFields(name+"-T"), "story_id", s.ID))
		require.NoError(t, err)
		tasks = append(tasks, task.ID)

		if name == "S2" {
			done := withField(entityFields("S2-done"), "story_id", s.ID)
			done["status"] = "Completed"
			_, err := m.CreateTaskLinked(ctx, done)
			require.NoError(t, err)
		}
	}

	other, err := m.CreateStoryLinked(ctx, entityFields("unrelated"))
	require.NoError(t, err)
	_, err = m.CreateTaskLinked(ctx, withField(entityFields("unrelated-T"), "story_id", other.ID))
	require.NoError(t, err)
	return epic, tasks
}

func taskIDs(tasks []*models.Task) []string {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)
	return ids
}

func TestGetTasksUnderEpic(t *testing.T) {
	m, _ := newTestManager(t, WithFanOut(1))
	ctx := context.Background()
	epic, pending := buildTree(t, m)
	sort.Strings(pending)

	got, err := m.GetTasksUnderEpic(ctx, epic.ID, "Pending")
	require.NoError(t, err)
	assert.Equal(t, pending, taskIDs(got))

	all, err := m.GetTasksUnderEpic(ctx, epic.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := m.GetTasksUnderEpic(ctx, "missing", "")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestGetTasksUnderEpic_EmptyEpicIDMatchesNothing(t *testing.T) {
	m, fs := newTestManager(t)
	ctx := context.Background()
	// includes a story with no epic and a task under it
	buildTree(t, m)
	require.Equal(t, 4, fs.Len(store.Tasks))

	got, err := m.GetTasksUnderEpic(ctx, "", "")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestGetTasksUnderEpic_PropagatesStoreError(t *testing.T) {
	m, fs := newTestManager(t)
	epic, _ := buildTree(t, m)

	fs.taskListErr = errBackend
	_, err := m.GetTasksUnderEpic(context.Background(), epic.ID, "")
	assert.Equal(t, domain.KindStore, domain.KindOf(err))
	assert.ErrorIs(t, err, errBackend)
}

func TestList_TaskEpicFilterUsesTraversal(t *testing.T) {
	m, _ := newTestManager(t)
	epic, _ := buildTree(t, m)

	got, err := m.List(context.Background(), models.KindTask, store.Filter{"epic_id": epic.ID, "status": "Completed"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "S2-done", got[0].(*models.Task).Name)
}

func TestGetEpicForTask(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	epic, err := m.CreateEpic(ctx, entityFields("E"))
	require.NoError(t, err)
	story, err := m.CreateStoryLinked(ctx, withField(entityFields("S"), "epic_id", epic.ID))
	require.NoError(t, err)
	task, err := m.CreateTaskLinked(ctx, withField(entityFields("T"), "story_id", story.ID))
	require.NoError(t, err)

	got, err := m.GetEpicForTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, epic.ID, got.ID)

	_, err = m.UpdateEntity(ctx, models.KindStory, story.ID, models.Fields{"epic_id": ""})
	require.NoError(t, err)

	_, err = m.GetEpicForTask(ctx, task.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Contains(t, err.Error(), story.ID)
}

func TestGetEpicForTask_BrokenHops(t *testing.T) {
	m, fs := newTestManager(t)
	ctx := context.Background()

	_, err := m.GetEpicForTask(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = fs.Create(ctx, store.Tasks, "t1", store.Document{"name": "t", "story_id": "gone"})
	require.NoError(t, err)
	_, err = m.GetEpicForTask(ctx, "t1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Contains(t, err.Error(), "story gone")

	_, err = fs.Create(ctx, store.Stories, "s1", store.Document{"name": "s", "epic_id": "gone-epic"})
	require.NoError(t, err)
	_, err = fs.Create(ctx, store.Tasks, "t2", store.Document{"name": "t", "story_id": "s1"})
	require.NoError(t, err)
	_, err = m.GetEpicForTask(ctx, "t2")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Contains(t, err.Error(), "epic gone-epic")

	_, err = fs.Create(ctx, store.Tasks, "t3", store.Document{"name": "t"})
	require.NoError(t, err)
	_, err = m.GetEpicForTask(ctx, "t3")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateEntity(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	epic, err := m.CreateEpic(ctx, entityFields("E"))
	require.NoError(t, err)

	updated, err := m.UpdateEntity(ctx, models.KindEpic, epic.ID, models.Fields{
		"status":             "In Progress",
		"child_user_stories": []any{"b", "a"},
	})
	require.NoError(t, err)
	got := updated.(*models.Epic)
	assert.Equal(t, models.StatusInProgress, got.Status)
	assert.Equal(t, []string{"b", "a"}, got.ChildUserStories)
	assert.Equal(t, epic.Name, got.Name)
	assert.Equal(t, epic.CreatedAt, got.CreatedAt)

	_, err = m.UpdateEntity(ctx, models.KindEpic, epic.ID, models.Fields{"status": "Done"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	after, err := m.Get(ctx, models.KindEpic, epic.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, after.(*models.Epic).Status)

	_, err = m.UpdateEntity(ctx, models.KindTask, "missing", models.Fields{"status": "Completed"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreate_UnknownKind(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Create(context.Background(), models.Kind("initiative"), entityFields("x"))
	assert.Error(t, err)
}
