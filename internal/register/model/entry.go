package model

import (
	"time"

	"github.com/jmerrifield20/openregister/internal/canonical"
)

// TimestampLayout is the wire and leaf-hash format of entry timestamps.
const TimestampLayout = "2006-01-02 15:04:05.000000"

// Field names shared by entries, leaf hashes and change events.
const (
	FieldEntryNumber    = "entry-number"
	FieldEntryTimestamp = "entry-timestamp"
	FieldItemHash       = "item-hash"
	FieldKey            = "key"
	FieldItemSignature  = "item-signature"
)

// Entry is one position in the append-only log.
//
// An entry with an empty ItemHash is an empty entry: a placeholder for a
// number that has no stored row. Its leaf hash is still well defined.
type Entry struct {
	Number    int64
	Timestamp time.Time
	ItemHash  string
	Key       string
	Signature string
}

// EmptyEntry returns the placeholder entry for number n.
func EmptyEntry(n int64) Entry {
	return Entry{Number: n}
}

// IsEmpty reports whether e is a gap placeholder.
func (e Entry) IsEmpty() bool {
	return e.ItemHash == ""
}

// Now returns the current wall-clock time at the precision entries store.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// FormatTimestamp renders t in TimestampLayout, in UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Fields returns the object whose canonical form is hashed into the leaf.
// Every field except entry-number is null for an empty entry.
func (e Entry) Fields() canonical.Object {
	if e.IsEmpty() {
		return canonical.Object{
			FieldEntryNumber:    e.Number,
			FieldEntryTimestamp: nil,
			FieldItemHash:       nil,
			FieldKey:            nil,
			FieldItemSignature:  nil,
		}
	}
	return canonical.Object{
		FieldEntryNumber:    e.Number,
		FieldEntryTimestamp: FormatTimestamp(e.Timestamp),
		FieldItemHash:       e.ItemHash,
		FieldKey:            e.Key,
		FieldItemSignature:  e.Signature,
	}
}

// MarshalJSON encodes the entry the way it is hashed.
func (e Entry) MarshalJSON() ([]byte, error) {
	return canonical.Marshal(e.Fields())
}
