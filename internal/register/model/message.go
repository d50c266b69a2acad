package model

import (
	"github.com/jmerrifield20/openregister/internal/canonical"
)

// Message is the change event emitted for an appended or republished entry.
type Message struct {
	Entry       Entry
	ActionType  ActionType
	Item        Item
	ItemChanges ItemChanges
}

// NewMessage builds the event for entry. previous is the item of the latest
// earlier entry with the same key, or nil.
func NewMessage(entry Entry, item, previous Item) Message {
	m := Message{
		Entry:      entry,
		ActionType: ActionFor(previous),
		Item:       item,
	}
	if m.ActionType == ActionUpdated {
		m.ItemChanges = DiffItems(item, previous)
	}
	return m
}

// Fields returns the event body: the entry fields plus action-type, the item
// when present, and item-changes for updates.
func (m Message) Fields() canonical.Object {
	fields := m.Entry.Fields()
	fields["action-type"] = string(m.ActionType)
	if m.Item != nil {
		fields["item"] = map[string]any(m.Item)
	}
	if m.ActionType == ActionUpdated {
		fields["item-changes"] = m.ItemChanges.object()
	}
	return fields
}

// MarshalJSON encodes the event body in canonical form.
func (m Message) MarshalJSON() ([]byte, error) {
	return canonical.Marshal(m.Fields())
}
