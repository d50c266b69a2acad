package model

import (
	"github.com/jmerrifield20/openregister/internal/canonical"
)

// ActionType classifies an entry relative to the previous version of its key.
type ActionType string

const (
	ActionNew     ActionType = "NEW"
	ActionUpdated ActionType = "UPDATED"
)

// ActionFor returns ActionUpdated when a previous version exists.
func ActionFor(previous Item) ActionType {
	if previous != nil {
		return ActionUpdated
	}
	return ActionNew
}

// Record is the latest entry for a key together with its item.
type Record struct {
	Entry Entry
	Item  Item
}

// Fields renders the record for the API, naming the key after keyField.
func (r Record) Fields(keyField string) canonical.Object {
	return canonical.Object{
		FieldEntryNumber:    r.Entry.Number,
		FieldEntryTimestamp: FormatTimestamp(r.Entry.Timestamp),
		FieldItemHash:       r.Entry.ItemHash,
		keyField:            r.Entry.Key,
		"item":              map[string]any(r.Item),
	}
}

// Change is the old and new value of one item field.
type Change struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// ItemChanges maps field names to their change between two item versions.
type ItemChanges map[string]Change

// DiffItems compares item against previous over the union of their field
// names. A missing field compares as null.
func DiffItems(item, previous Item) ItemChanges {
	changes := ItemChanges{}
	seen := make(map[string]struct{}, len(item)+len(previous))
	for k := range item {
		seen[k] = struct{}{}
	}
	for k := range previous {
		seen[k] = struct{}{}
	}
	for k := range seen {
		oldValue, newValue := previous[k], item[k]
		if !Equal(oldValue, newValue) {
			changes[k] = Change{Old: oldValue, New: newValue}
		}
	}
	return changes
}

func (c ItemChanges) object() canonical.Object {
	out := make(canonical.Object, len(c))
	for k, ch := range c {
		out[k] = canonical.Object{"old": ch.Old, "new": ch.New}
	}
	return out
}
