package store

import (
	"testing"
)

func TestVectorRoundTrip(t *testing.T) {
	vec := []float32{0.25, -1.5, 0, 3.125e-3}

	s := vectorToString(vec)
	got, err := vectorFromString(s)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(got) != len(vec) {
		t.Fatalf("length mismatch: %d vs %d", len(got), len(vec))
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Errorf("component %d: %f vs %f", i, got[i], vec[i])
		}
	}
}

func TestVectorFromString_Malformed(t *testing.T) {
	for _, s := range []string{"", "1,2,3", "[1,2", "[a,b]"} {
		if _, err := vectorFromString(s); err == nil {
			t.Errorf("expected error for %q", s)
		}
	}
}

func TestVectorToString_Empty(t *testing.T) {
	if got := vectorToString(nil); got != "[]" {
		t.Errorf("expected [], got %q", got)
	}
}

func TestPayloadTable_RejectsBadIDs(t *testing.T) {
	for _, id := range []string{"doc_1; DROP TABLE tenants", "Doc_A", "doc 1", ""} {
		if _, err := payloadTable(id); err == nil {
			t.Errorf("expected rejection for %q", id)
		}
	}
	if table, err := payloadTable("doc_20250101120000_abcdef123456"); err != nil || table != "payload_doc_20250101120000_abcdef123456" {
		t.Errorf("unexpected result %q, %v", table, err)
	}
}
