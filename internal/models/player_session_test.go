package models

import (
	"encoding/json"
	"testing"
)

func TestCodeString(t *testing.T) {
	tests := []struct {
		code     Code
		expected string
	}{
		{0, "0000"},
		{7, "0007"},
		{42, "0042"},
		{4242, "4242"},
		{9999, "9999"},
	}

	for _, tc := range tests {
		if got := tc.code.String(); got != tc.expected {
			t.Errorf("Code(%d).String() = %q, want %q", int(tc.code), got, tc.expected)
		}
	}
}

func TestParseCode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Code
		wantErr bool
	}{
		{"padded", "0042", 42, false},
		{"unpadded", "42", 42, false},
		{"max", "9999", 9999, false},
		{"zero", "0000", 0, false},
		{"too long", "10000", 0, true},
		{"empty", "", 0, true},
		{"sign", "-1", 0, true},
		{"letters", "12a4", 0, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseCode(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("ParseCode(%q) = %d, want %d", tc.input, got, tc.want)
			}
		})
	}
}

func TestSettingsJSON(t *testing.T) {
	raw := []byte(`{"direction":"rtl","display_score":false,"track_assessments":true,"drag_assist":false}`)

	var s Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	want := Settings{Direction: DirectionRTL, DisplayScore: false, TrackAssessments: true, DragAssist: false}
	if s != want {
		t.Fatalf("expected %+v, got %+v", want, s)
	}

	out, err := json.Marshal(DefaultSettings())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"direction":"ltr","display_score":true,"track_assessments":true,"drag_assist":true}` {
		t.Fatalf("unexpected encoding %s", out)
	}
}

func TestDirectionRejectsUnknown(t *testing.T) {
	var s Settings
	if err := json.Unmarshal([]byte(`{"direction":"ttb"}`), &s); err == nil {
		t.Fatalf("expected unknown direction to be rejected")
	}
}

func TestCodeJSONAcceptsIntegers(t *testing.T) {
	var c Code
	if err := json.Unmarshal([]byte(`17`), &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c != 17 {
		t.Fatalf("expected 17, got %d", c)
	}

	out, _ := json.Marshal(c)
	if string(out) != `"0017"` {
		t.Fatalf("expected zero padded string, got %s", out)
	}
}
