package canonical_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/jmerrifield20/openregister/internal/canonical"
)

func TestMarshal(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"null", nil, `null`},
		{"sorted keys", canonical.Object{"b": "2", "a": "1", "c": nil}, `{"a":"1","b":"2","c":null}`},
		{"nested", canonical.Object{"z": []any{"x", true, false}, "a": canonical.Object{"y": "1", "x": "2"}}, `{"a":{"x":"2","y":"1"},"z":["x",true,false]}`},
		{"integer", canonical.Object{"entry-number": int64(698)}, `{"entry-number":698}`},
		{"json number verbatim", json.Number("12.50"), `12.50`},
		{"integral float", 3.0, `3.0`},
		{"fractional float", 0.1, `0.1`},
		{"large float", 1e16, `1e+16`},
		{"small float", 0.00001, `1e-05`},
		{"raw utf8", "Sant Julià de Lòria", `"Sant Julià de Lòria"`},
		{"html not escaped", "<a&b>", `"<a&b>"`},
		{"quote and backslash", `a"b\c`, `"a\"b\\c"`},
		{"control characters", "a\nb\tc\x01", `"a\nb\tc\u0001"`},
		{"struct normalised", struct {
			B string `json:"b"`
			A int    `json:"a"`
		}{"x", 1}, `{"a":1,"b":"x"}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := canonical.Marshal(tc.in)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if string(got) != tc.want {
				t.Errorf("Marshal() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestMarshalASCII(t *testing.T) {
	got, err := canonical.MarshalASCII(canonical.Object{"name": "Lòria", "emoji": "\U0001F600"})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"emoji":"\ud83d\ude00","name":"L\u00f2ria"}`
	if string(got) != want {
		t.Errorf("MarshalASCII() = %s, want %s", got, want)
	}
}

func TestMarshal_rejectsNaN(t *testing.T) {
	var zero float64
	_, err := canonical.Marshal(zero / zero)
	if err == nil || !strings.Contains(err.Error(), "unsupported float") {
		t.Errorf("expected unsupported float error, got %v", err)
	}
}
