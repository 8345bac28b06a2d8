package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterMatches(t *testing.T) {
	doc := Document{"id": "t1", "status": "Pending", "creator_id": "u1", "assigned_user_id": nil}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"nil filter", nil, true},
		{"empty values ignored", Filter{"status": "", "creator_id": ""}, true},
		{"single match", Filter{"status": "Pending"}, true},
		{"conjunction", Filter{"status": "Pending", "creator_id": "u1"}, true},
		{"one field differs", Filter{"status": "Pending", "creator_id": "u2"}, false},
		{"null field never matches", Filter{"assigned_user_id": "u1"}, false},
		{"absent field never matches", Filter{"epic_id": "e1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(doc))
		})
	}
}

func TestMerge_KeepsStoredID(t *testing.T) {
	doc := Document{"id": "e1", "name": "old", "child_user_stories": []string{"s1"}}
	out := Merge(doc, Document{"id": "other", "name": "new"})

	assert.Equal(t, "e1", out.ID())
	assert.Equal(t, "new", out["name"])
	assert.Equal(t, []string{"s1"}, out["child_user_stories"])
	assert.Equal(t, "old", doc["name"])
}

func TestAppendUnique(t *testing.T) {
	doc := Document{"id": "s1", "child_tasks": []any{"t1"}}

	out, changed := AppendUnique(doc, "child_tasks", "t2")
	assert.True(t, changed)
	assert.Equal(t, []string{"t1", "t2"}, out["child_tasks"])
	assert.Equal(t, []any{"t1"}, doc["child_tasks"])

	out, changed = AppendUnique(out, "child_tasks", "t1")
	assert.False(t, changed)
	assert.Equal(t, []string{"t1", "t2"}, out["child_tasks"])

	out, changed = AppendUnique(Document{"id": "s2"}, "child_tasks", "t9")
	assert.True(t, changed)
	assert.Equal(t, []string{"t9"}, out["child_tasks"])
}

func TestCloneCopiesLists(t *testing.T) {
	doc := Document{"child_tasks": []string{"t1"}}
	c := Clone(doc)
	c["child_tasks"].([]string)[0] = "changed"
	assert.Equal(t, "t1", doc["child_tasks"].([]string)[0])
	assert.Nil(t, Clone(nil))
}

func TestSortByID(t *testing.T) {
	docs := []Document{{"id": "c"}, {"id": "a"}, {"id": "b"}}
	SortByID(docs)
	assert.Equal(t, "a", docs[0].ID())
	assert.Equal(t, "c", docs[2].ID())
}

func TestNormalize(t *testing.T) {
	doc := Normalize(Document{"child_tasks": []any{"t1", "t2"}, "mixed": []any{"a", 1}, "empty": []any{}})
	assert.Equal(t, []string{"t1", "t2"}, doc["child_tasks"])
	assert.Equal(t, []any{"a", 1}, doc["mixed"])
	assert.Equal(t, []string{}, doc["empty"])
}
