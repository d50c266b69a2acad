package model_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/jmerrifield20/openregister/internal/merkle"
	"github.com/jmerrifield20/openregister/internal/register/model"
)

func TestEmptyEntry_leafHash(t *testing.T) {
	e := model.EmptyEntry(698)
	if !e.IsEmpty() {
		t.Fatal("EmptyEntry should report IsEmpty")
	}
	h, err := merkle.LeafHash(e.Fields())
	if err != nil {
		t.Fatal(err)
	}
	want := "sha-256:F0C3DCD45728134CF63D4C59B9BA442D6056E24B46EBF76E9F6648E8E7068E3B"
	if got := merkle.FormatDigest(h); got != want {
		t.Errorf("empty entry leaf = %s, want %s", got, want)
	}
}

func TestEntry_MarshalJSON(t *testing.T) {
	e := model.Entry{
		Number:    3,
		Timestamp: time.Date(2017, 1, 31, 14, 39, 5, 123456789, time.UTC),
		ItemHash:  "sha-256:abc",
		Key:       "GB",
		Signature: "rs256:sig",
	}
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"entry-number":3,"entry-timestamp":"2017-01-31 14:39:05.123456","item-hash":"sha-256:abc","item-signature":"rs256:sig","key":"GB"}`
	if string(b) != want {
		t.Errorf("MarshalJSON() = %s\nwant %s", b, want)
	}
}

func TestItem_Key(t *testing.T) {
	item, err := model.DecodeItem([]byte(`{"code":"GB","number":42,"flag":true,"empty":null,"list":["a"]}`))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		field  string
		want   string
		wantOK bool
	}{
		{"code", "GB", true},
		{"number", "42", true},
		{"flag", "true", true},
		{"list", `["a"]`, true},
		{"empty", "", false},
		{"missing", "", false},
	}
	for _, tc := range tests {
		got, ok := item.Key(tc.field)
		if got != tc.want || ok != tc.wantOK {
			t.Errorf("Key(%q) = (%q, %v), want (%q, %v)", tc.field, got, ok, tc.want, tc.wantOK)
		}
	}
}

func TestDecodeItem_rejectsNonObjects(t *testing.T) {
	for _, in := range []string{`null`, `[1]`, `"x"`, `{`} {
		if _, err := model.DecodeItem([]byte(in)); err == nil {
			t.Errorf("DecodeItem(%s): expected error", in)
		}
	}
}

func TestItem_Hash(t *testing.T) {
	item := model.Item{"name": "Lòria", "code": "AD"}
	payload, err := item.SigningPayload()
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"code":"AD","name":"L\u00f2ria"}`; string(payload) != want {
		t.Errorf("SigningPayload() = %s, want %s", payload, want)
	}
	h, err := item.Hash()
	if err != nil {
		t.Fatal(err)
	}
	if len(h) != len("sha-256:")+64 {
		t.Errorf("Hash() = %q has unexpected length", h)
	}
}

func TestDiffItems(t *testing.T) {
	previous, _ := model.DecodeItem([]byte(`{"code":"GB","name":"Britain","population":60}`))
	item, _ := model.DecodeItem([]byte(`{"code":"GB","name":"United Kingdom","capital":"London","population":60}`))

	got := model.DiffItems(item, previous)
	want := model.ItemChanges{
		"name":    {Old: "Britain", New: "United Kingdom"},
		"capital": {Old: nil, New: "London"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("DiffItems() mismatch (-want +got):\n%s", diff)
	}
}

func TestNewMessage(t *testing.T) {
	entry := model.Entry{Number: 2, Timestamp: time.Unix(0, 0), ItemHash: "sha-256:b", Key: "GB", Signature: "s"}
	item := model.Item{"code": "GB", "name": "UK"}

	fresh := model.NewMessage(entry, item, nil)
	if fresh.ActionType != model.ActionNew {
		t.Errorf("expected NEW, got %s", fresh.ActionType)
	}
	if _, ok := fresh.Fields()["item-changes"]; ok {
		t.Error("NEW message must not carry item-changes")
	}

	updated := model.NewMessage(entry, item, model.Item{"code": "GB", "name": "Britain"})
	if updated.ActionType != model.ActionUpdated {
		t.Errorf("expected UPDATED, got %s", updated.ActionType)
	}
	b, err := json.Marshal(updated)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"action-type":"UPDATED","entry-number":2,"entry-timestamp":"1970-01-01 00:00:00.000000","item":{"code":"GB","name":"UK"},"item-changes":{"name":{"new":"UK","old":"Britain"}},"item-hash":"sha-256:b","item-signature":"s","key":"GB"}`
	if string(b) != want {
		t.Errorf("MarshalJSON() = %s\nwant %s", b, want)
	}
}

func TestNewMessage_emptyEntry(t *testing.T) {
	b, err := json.Marshal(model.NewMessage(model.EmptyEntry(5), nil, nil))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"action-type":"NEW","entry-number":5,"entry-timestamp":null,"item-hash":null,"item-signature":null,"key":null}`
	if string(b) != want {
		t.Errorf("MarshalJSON() = %s\nwant %s", b, want)
	}
}
