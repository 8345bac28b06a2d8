package models

// Epic is the top level of the hierarchy and owns an ordered list of stories.
type Epic struct {
	Base
	ChildUserStories []string `json:"child_user_stories"`
}

func (e *Epic) EntityKind() Kind { return KindEpic }

func (e *Epic) ToFields() Fields {
	f := e.Base.fields()
	f["child_user_stories"] = append([]string{}, e.ChildUserStories...)
	return f
}

// Story sits under an optional Epic and owns an ordered list of tasks.
type Story struct {
	Base
	EpicID     string   `json:"epic_id"`
	ChildTasks []string `json:"child_tasks"`
}

func (s *Story) EntityKind() Kind { return KindStory }

func (s *Story) ToFields() Fields {
	f := s.Base.fields()
	f["epic_id"] = s.EpicID
	f["child_tasks"] = append([]string{}, s.ChildTasks...)
	return f
}

// Task is a leaf under an optional Story.
type Task struct {
	Base
	StoryID string `json:"story_id"`
}

func (t *Task) EntityKind() Kind { return KindTask }

func (t *Task) ToFields() Fields {
	f := t.Base.fields()
	f["story_id"] = t.StoryID
	return f
}

// ParentID returns the identifier of the entity a record links into, or "".
func ParentID(e Entity) string {
	switch v := e.(type) {
	case *Story:
		return v.EpicID
	case *Task:
		return v.StoryID
	}
	return ""
}
