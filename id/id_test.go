package id_test

import (
	"strings"
	"testing"

	"github.com/dramaplan/billing/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"SubscriptionID", id.NewSubscriptionID, "sub_"},
		{"PurchaseID", id.NewPurchaseID, "opur_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
	}{
		{"SubscriptionID", id.NewSubscriptionID, id.ParseSubscriptionID},
		{"PurchaseID", id.NewPurchaseID, id.ParsePurchaseID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := tt.newFn()
			parsed, err := tt.parseFn(original.String())
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if parsed.String() != original.String() {
				t.Errorf("round-trip mismatch: %q != %q", parsed.String(), original.String())
			}
		})
	}
}

func TestCrossTypeRejection(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		parseFn func(string) (id.ID, error)
	}{
		{"ParseSubscriptionID rejects opur_", id.NewPurchaseID().String(), id.ParseSubscriptionID},
		{"ParsePurchaseID rejects sub_", id.NewSubscriptionID().String(), id.ParsePurchaseID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.parseFn(tt.input); err == nil {
				t.Errorf("expected error for cross-type parse of %q, got nil", tt.input)
			}
		})
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := id.Parse(""); err == nil {
		t.Error("expected error for empty string")
	}
}

func TestNilID(t *testing.T) {
	var i id.ID
	if !i.IsNil() {
		t.Error("zero-value ID should be nil")
	}
	if i.String() != "" {
		t.Errorf("expected empty string, got %q", i.String())
	}
	if i.Prefix() != "" {
		t.Errorf("expected empty prefix, got %q", i.Prefix())
	}
}

func TestMarshalUnmarshalText(t *testing.T) {
	original := id.NewPurchaseID()
	data, err := original.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText failed: %v", err)
	}

	var restored id.ID
	if unmarshalErr := restored.UnmarshalText(data); unmarshalErr != nil {
		t.Fatalf("UnmarshalText failed: %v", unmarshalErr)
	}
	if restored.String() != original.String() {
		t.Errorf("mismatch: %q != %q", restored.String(), original.String())
	}

	var empty id.ID
	if err := empty.UnmarshalText(nil); err != nil {
		t.Fatalf("UnmarshalText(nil) failed: %v", err)
	}
	if !empty.IsNil() {
		t.Error("expected nil after unmarshal of empty input")
	}
}

func TestValueScan(t *testing.T) {
	original := id.NewSubscriptionID()
	val, err := original.Value()
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}

	var scanned id.ID
	if scanErr := scanned.Scan(val); scanErr != nil {
		t.Fatalf("Scan failed: %v", scanErr)
	}
	if scanned.String() != original.String() {
		t.Errorf("mismatch: %q != %q", scanned.String(), original.String())
	}

	var fromBytes id.ID
	if scanErr := fromBytes.Scan([]byte(original.String())); scanErr != nil {
		t.Fatalf("Scan([]byte) failed: %v", scanErr)
	}
	if fromBytes.String() != original.String() {
		t.Errorf("mismatch: %q != %q", fromBytes.String(), original.String())
	}

	var nilID id.ID
	val, err = nilID.Value()
	if err != nil {
		t.Fatalf("Value(nil) failed: %v", err)
	}
	if val != nil {
		t.Errorf("expected nil value for nil ID, got %v", val)
	}

	if err := nilID.Scan(42); err == nil {
		t.Error("expected error scanning an int")
	}
}

func TestUniqueness(t *testing.T) {
	a := id.NewPurchaseID()
	b := id.NewPurchaseID()
	if a.String() == b.String() {
		t.Errorf("two consecutive NewPurchaseID() calls returned the same ID: %q", a.String())
	}
}
