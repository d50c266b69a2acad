package model

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jmerrifield20/openregister/internal/canonical"
)

// Item is the free-form JSON object a register stores, addressed by its hash.
// Numbers are kept as json.Number so that re-encoding never changes them.
type Item map[string]any

// DecodeItem parses a JSON object into an Item.
func DecodeItem(data []byte) (Item, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var item Item
	if err := dec.Decode(&item); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}
	if item == nil {
		return nil, fmt.Errorf("decode item: not an object")
	}
	return item, nil
}

// Key returns the string form of the named field, and false when the field is
// missing or null. Strings are used as-is; other values use their JSON text.
func (i Item) Key(field string) (string, bool) {
	v, ok := i[field]
	if !ok || v == nil {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, true
	case json.Number:
		return val.String(), true
	case bool:
		return strconv.FormatBool(val), true
	}
	b, err := canonical.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(b), true
}

// SigningPayload is the byte string an item's hash and signature cover:
// canonical JSON with non-ASCII characters escaped.
func (i Item) SigningPayload() ([]byte, error) {
	return canonical.MarshalASCII(map[string]any(i))
}

// Hash returns "sha-256:" followed by the lowercase hex digest of the
// item's signing payload.
func (i Item) Hash() (string, error) {
	payload, err := i.SigningPayload()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return "sha-256:" + hex.EncodeToString(sum[:]), nil
}

// Equal reports whether a and b have the same canonical encoding.
func Equal(a, b any) bool {
	ab, err := canonical.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := canonical.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
