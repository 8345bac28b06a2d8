// Package store is the collection-scoped document gateway used by the
// hierarchy services. Backends live in the memstore, redisstore and sqlstore
// subpackages.
package store

import (
	"context"
	"sort"
)

type Collection string

const (
	Epics   Collection = "epics"
	Stories Collection = "stories"
	Tasks   Collection = "tasks"
)

// Collections lists every collection the gateway serves.
var Collections = []Collection{Epics, Stories, Tasks}

// Document is a flat field mapping keyed by field name. Stored documents
// always carry their own identifier under "id".
type Document map[string]any

func (d Document) ID() string {
	id, _ := d["id"].(string)
	return id
}

// Filter maps a field to the value it must equal. Empty values place no
// constraint on their field.
type Filter map[string]string

// Matches reports whether doc satisfies every non-empty entry of f.
func (f Filter) Matches(doc Document) bool {
	for field, want := range f {
		if want == "" {
			continue
		}
		got, ok := doc[field].(string)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Gateway is the document store contract.
//
// Create overwrites any document already stored under id. Patch replaces
// only the named fields and never re-validates them. AppendToList adds value
// to a list field unless it is already present; implementations make the
// read-modify-write atomic with respect to concurrent appends and patches.
type Gateway interface {
	Create(ctx context.Context, c Collection, id string, doc Document) (Document, error)
	Get(ctx context.Context, c Collection, id string) (Document, error)
	List(ctx context.Context, c Collection, f Filter) ([]Document, error)
	Patch(ctx context.Context, c Collection, id string, fields Document) (Document, error)
	Delete(ctx context.Context, c Collection, id string) error
	AppendToList(ctx context.Context, c Collection, id, field, value string) (Document, error)
	Ping(ctx context.Context) error
	Close() error
}

// Clone deep-copies doc, including list values.
func Clone(doc Document) Document {
	if doc == nil {
		return nil
	}
	out := make(Document, len(doc))
	for k, v := range doc {
		switch list := v.(type) {
		case []string:
			out[k] = append([]string{}, list...)
		case []any:
			out[k] = append([]any{}, list...)
		default:
			out[k] = v
		}
	}
	return out
}

// Merge applies fields onto a copy of doc, keeping the stored id.
func Merge(doc, fields Document) Document {
	out := Clone(doc)
	for k, v := range Clone(fields) {
		out[k] = v
	}
	out["id"] = doc["id"]
	return out
}

// AppendUnique returns doc with value appended to the list at field, and
// whether anything changed.
func AppendUnique(doc Document, field, value string) (Document, bool) {
	current := StringList(doc[field])
	for _, v := range current {
		if v == value {
			return doc, false
		}
	}
	out := Clone(doc)
	out[field] = append(current, value)
	return out, true
}

// StringList coerces a stored list value to []string, skipping non-strings.
func StringList(v any) []string {
	out := []string{}
	switch list := v.(type) {
	case []string:
		out = append(out, list...)
	case []any:
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// SortByID orders documents by identifier for stable listings.
func SortByID(docs []Document) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID() < docs[j].ID() })
}

// Normalize converts decoded lists of strings to []string in place, so
// documents read back from a serialized backend match those held in memory.
func Normalize(doc Document) Document {
	for k, v := range doc {
		list, ok := v.([]any)
		if !ok {
			continue
		}
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				out = nil
				break
			}
			out = append(out, s)
		}
		if out != nil {
			doc[k] = out
		}
	}
	return doc
}
