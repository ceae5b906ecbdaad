package store

import (
	"testing"
	"time"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from  string
		to    string
		valid bool
	}{
		{"waiting", "serving", true},
		{"serving", "serving", false},
		{"waiting", "completed", true},
		{"serving", "completed", true},
		{"completed", "completed", false},
		{"waiting", "skipped", true},
		{"serving", "skipped", true},
		{"skipped", "skipped", false},
		{"cancelled", "skipped", false},
		{"waiting", "cancelled", true},
		{"serving", "cancelled", true},
		{"completed", "cancelled", false},
		{"skipped", "serving", false},
		{"completed", "serving", false},
		{"waiting", "waiting", false},
		{"waiting", "unknown", false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.from, tt.to); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}

func TestTerminal(t *testing.T) {
	cases := []struct {
		status   string
		terminal bool
	}{
		{"waiting", false},
		{"serving", false},
		{"completed", true},
		{"skipped", true},
		{"cancelled", true},
		{"", false},
	}
	for _, tt := range cases {
		if got := Terminal(tt.status); got != tt.terminal {
			t.Fatalf("Terminal(%q)=%v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestTokenEventHashChains(t *testing.T) {
	at := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	payload := []byte(`{"status":"waiting"}`)
	first := ComputeTokenEventHash("", "tok-1", "token.waiting", payload, at, 1)
	second := ComputeTokenEventHash(first, "tok-1", "token.serving", payload, at, 2)
	if first == second {
		t.Fatal("chained hashes must differ")
	}
	again := ComputeTokenEventHash("", "tok-1", "token.waiting", payload, at, 1)
	if first != again {
		t.Fatal("hash must be deterministic for identical input")
	}
}
