package validator

import (
	"encoding/json"
	"math/big"
	"testing"
)

func newComparer(t *testing.T, tolerance string) *comparer {
	t.Helper()
	tol, ok := new(big.Rat).SetString(tolerance)
	if !ok {
		t.Fatalf("parse tolerance %q", tolerance)
	}
	return &comparer{tolerance: tol}
}

func TestEqualNormalizesValues(t *testing.T) {
	cmp := newComparer(t, "0.01")

	tests := []struct {
		name string
		a, b interface{}
		want bool
	}{
		{"identical floats", 19.99, 19.99, true},
		{"within tolerance", 19.99, 19.989, true},
		{"beyond tolerance", 19.99, 19.97, false},
		{"exactly at tolerance", "19.99", "19.98", true},
		{"numeric string vs float", "19.99", 19.99, true},
		{"int vs float", 5, 5.0, true},
		{"json number", json.Number("42"), 42.0, true},
		{"padded string", " alice ", "alice", true},
		{"different strings", "alice", "bob", false},
		{"numeric string vs text", "19.99", "cheap", false},
		{"rfc3339 vs python isoformat", "2023-08-01T12:30:45Z", "2023-08-01 12:30:45", true},
		{"subsecond precision ignored", "2023-08-01T12:30:45.123456Z", "2023-08-01T12:30:45Z", true},
		{"different seconds", "2023-08-01T12:30:45Z", "2023-08-01T12:30:46Z", false},
		{"timestamp vs plain string", "2023-08-01T12:30:45Z", "yesterday", false},
		{"bools", true, true, true},
		{"bool mismatch", true, false, false},
		{"bool vs string", true, "true", false},
		{"both nil", nil, nil, true},
		{"nil vs value", nil, "x", false},
		{"equal slices", []interface{}{1.0, 2.0}, []interface{}{1.0, 2.0}, true},
		{"slice order matters", []interface{}{1.0, 2.0}, []interface{}{2.0, 1.0}, false},
		{"slice length differs", []interface{}{1.0}, []interface{}{1.0, 2.0}, false},
		{"nested maps", map[string]interface{}{"qty": 2.0}, map[string]interface{}{"qty": 2.0}, true},
		{"nested tolerance applies", map[string]interface{}{"qty": 2.0}, map[string]interface{}{"qty": 2.005}, true},
		{"nested map drift", map[string]interface{}{"qty": 2.0}, map[string]interface{}{"qty": 3.0}, false},
		{"missing map key", map[string]interface{}{"qty": 2.0}, map[string]interface{}{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cmp.equal(tt.a, tt.b); got != tt.want {
				t.Fatalf("equal(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestEqualZeroTolerance(t *testing.T) {
	cmp := newComparer(t, "0")

	// 新旧库小数位数不同但数值相同
	if !cmp.equal("10.00", "10") {
		t.Fatal(`equal("10.00", "10") = false, want true`)
	}
	if cmp.equal(10.0, 10.001) {
		t.Fatal("equal(10.0, 10.001) = true, want false at zero tolerance")
	}
}

func TestParseTimeLayouts(t *testing.T) {
	valid := []string{
		"2023-08-01T12:30:45.123456789Z",
		"2023-08-01T12:30:45Z",
		"2023-08-01T12:30:45.123456",
		"2023-08-01T12:30:45",
		"2023-08-01 12:30:45.123456",
		"2023-08-01 12:30:45",
	}
	for _, s := range valid {
		if _, ok := parseTime(s); !ok {
			t.Fatalf("parseTime(%q) not recognized", s)
		}
	}

	for _, s := range []string{"not a time", "2023-08-01", ""} {
		if _, ok := parseTime(s); ok {
			t.Fatalf("parseTime(%q) recognized, want rejection", s)
		}
	}
}
