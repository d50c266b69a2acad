package validation_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/jmerrifield20/openregister/internal/register/model"
	"github.com/jmerrifield20/openregister/internal/validation"
)

func decode(t *testing.T, s string) any {
	t.Helper()
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestEnvelope(t *testing.T) {
	v := validation.New("code", zap.NewNop())

	tests := []struct {
		name string
		body string
		want []validation.Error
	}{
		{
			name: "valid",
			body: `{"item":{"code":"GB"},"item-hash":"sha-256:ab","item-signature":"rs256:x"}`,
		},
		{
			name: "not an object",
			body: `[1]`,
			want: []validation.Error{{Message: "array is not of type 'object'", Location: "$."}},
		},
		{
			name: "missing fields",
			body: `{"item":{"code":"GB"}}`,
			want: []validation.Error{
				{Message: "'item-hash' is a required property", Location: "$."},
				{Message: "'item-signature' is a required property", Location: "$."},
			},
		},
		{
			name: "wrong types and extra property",
			body: `{"item":"GB","item-hash":"sha-256:ab","item-signature":1,"extra":true}`,
			want: []validation.Error{
				{Message: "'GB' is not of type 'object'", Location: "$.item"},
				{Message: "number is not of type 'string'", Location: "$.item-signature"},
				{Message: "Additional properties are not allowed ('extra' was unexpected)", Location: "$."},
			},
		},
		{
			name: "hash without algorithm",
			body: `{"item":{"code":"GB"},"item-hash":"ab","item-signature":""}`,
			want: []validation.Error{{Message: "'item-hash' must start with 'sha-256:'", Location: "$.item-hash"}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env, errs := v.Envelope(decode(t, tc.body))
			if diff := cmp.Diff(tc.want, errs); diff != "" {
				t.Errorf("Envelope() errors mismatch (-want +got):\n%s", diff)
			}
			if tc.want == nil && env == nil {
				t.Error("expected an envelope for a valid body")
			}
		})
	}
}

func TestList(t *testing.T) {
	v := validation.New("code", zap.NewNop())

	envs, errs := v.List(decode(t, `[{"item":{"code":"GB"},"item-hash":"sha-256:a","item-signature":""},{"item":{"code":"FR"},"item-hash":"sha-256:b","item-signature":""}]`))
	if errs != nil {
		t.Fatalf("List() errors = %+v", errs)
	}
	if len(envs) != 2 || envs[1].Item["code"] != "FR" {
		t.Errorf("List() = %+v", envs)
	}

	_, errs = v.List(decode(t, `{"item":{}}`))
	if len(errs) != 1 || errs[0].Message != "object is not of type 'array'" {
		t.Errorf("List(object) errors = %+v", errs)
	}

	_, errs = v.List(decode(t, `[{"item":{"code":"GB"},"item-hash":"sha-256:a","item-signature":""},"x"]`))
	want := []validation.Error{{Message: "'x' is not of type 'object'", Location: "$[1]"}}
	if diff := cmp.Diff(want, errs); diff != "" {
		t.Errorf("List() element errors mismatch (-want +got):\n%s", diff)
	}
}

func TestItem(t *testing.T) {
	v := validation.New("code", zap.NewNop())
	if errs := v.Item(model.Item{"code": "GB"}); errs != nil {
		t.Errorf("Item() = %+v, want nil", errs)
	}
	errs := v.Item(model.Item{"name": "Britain"})
	want := []validation.Error{{Message: "Key field (code) is missing", Location: "$."}}
	if diff := cmp.Diff(want, errs); diff != "" {
		t.Errorf("Item() mismatch (-want +got):\n%s", diff)
	}
}
