package types

import (
	"testing"
	"time"
)

func TestParseNamespace(t *testing.T) {
	tests := []struct {
		in      string
		want    Namespace
		wantErr bool
	}{
		{"prod.metrics", Namespace{DB: "prod", Coll: "metrics"}, false},
		{"prod.sub.metrics", Namespace{DB: "prod", Coll: "sub.metrics"}, false},
		{"nodot", Namespace{}, true},
		{".coll", Namespace{}, true},
		{"db.", Namespace{}, true},
		{"", Namespace{}, true},
	}

	for _, tt := range tests {
		got, err := ParseNamespace(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseNamespace(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseNamespace(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNamespaceString(t *testing.T) {
	ns := NewNamespace("prod", "metrics")
	if ns.String() != "prod.metrics" {
		t.Errorf("String() = %q, want %q", ns.String(), "prod.metrics")
	}
	if ns.IsZero() {
		t.Error("IsZero() should be false for a populated namespace")
	}
	if !(Namespace{}).IsZero() {
		t.Error("IsZero() should be true for the zero namespace")
	}
}

func TestMeasurementFieldNames(t *testing.T) {
	m := NewMeasurement(time.Now()).Set("b", int64(1)).Set("a", 2.0)

	got := m.FieldNames()
	want := []string{"a", "b", "time"}
	if len(got) != len(want) {
		t.Fatalf("FieldNames() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("FieldNames()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMeasurementValidate(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		m       Measurement
		wantErr bool
	}{
		{"valid", NewMeasurement(now).Set("a", 1.0), false},
		{"no fields", NewMeasurement(now), false},
		{"zero time", Measurement{}, true},
		{"reserved name", NewMeasurement(now).Set("time", 1.0), true},
		{"empty name", NewMeasurement(now).Set("", 1.0), true},
		{"bad value type", NewMeasurement(now).Set("a", []int{1}), true},
		{"string value", NewMeasurement(now).Set("fw", "v1.2"), false},
		{"bool value", NewMeasurement(now).Set("up", true), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.m.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
