package textnorm

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"Heart Attack", "heart attack"},
		{"  Myocardial   infarction\t", "myocardial infarction"},
		{"Ménière's disease", "meniere's disease"},
		{"Sjögren syndrome", "sjogren syndrome"},
		{"ÅNGSTRÖM", "angstrom"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeDisplay(t *testing.T) {
	got := NormalizeDisplay("Diabetes mellitus (disorder)")
	if got != "diabetes mellitus disorder" {
		t.Errorf("unexpected %q", got)
	}
	got = NormalizeDisplay("Non-insulin dependent, type 2")
	if got != "non insulin dependent type 2" {
		t.Errorf("unexpected %q", got)
	}
}

func TestHasPhrase(t *testing.T) {
	if !HasPhrase("acute heart attack syndrome", "heart attack") {
		t.Error("expected phrase match")
	}
	if HasPhrase("heart attacks", "heart attack") {
		t.Error("partial word must not match as phrase")
	}
	if !HasPhrase("heart attack", "heart attack") {
		t.Error("exact term is a phrase match")
	}
	if HasPhrase("heart attack", "") {
		t.Error("empty query never matches")
	}
}

func TestHasWordPrefix(t *testing.T) {
	if !HasWordPrefix("acute heart attack", "heart") {
		t.Error("expected word boundary match")
	}
	if HasWordPrefix("heartburn", "burn") {
		t.Error("mid-word occurrence must not match")
	}
}

func TestEscapeLike(t *testing.T) {
	if got := EscapeLike(`50%_a\b`); got != `50\%\_a\\b` {
		t.Errorf("unexpected %q", got)
	}
}

func TestMatchesWordPrefix(t *testing.T) {
	tests := []struct {
		term, q string
		want    bool
	}{
		{"diabetes mellitus", "diab", true},
		{"type 2 diabetes mellitus", "diab", true},
		{"acute myocardial infarction", "infarct", true},
		{"myocardial infarction", "cardial", false},
		{"heart attack", "", false},
	}
	for _, tt := range tests {
		if got := MatchesWordPrefix(tt.term, tt.q); got != tt.want {
			t.Errorf("MatchesWordPrefix(%q, %q) = %v, want %v", tt.term, tt.q, got, tt.want)
		}
	}
}
