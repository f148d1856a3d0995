package graph

import "testing"

func TestContentHash_Deterministic(t *testing.T) {
	a := ContentHash("note", "Title", "body", []string{"x", "y"})
	b := ContentHash("note", "Title", "body", []string{"x", "y"})
	if a != b {
		t.Fatal("expected identical inputs to hash identically")
	}

	c := ContentHash("note", "Title", "different body", []string{"x", "y"})
	if a == c {
		t.Fatal("expected different content to hash differently")
	}
}

func TestUnionTags(t *testing.T) {
	got := unionTags([]string{"a", "b"}, []string{"b", "c"})
	want := map[string]bool{"a": true, "b": true, "c": true}
	if len(got) != len(want) {
		t.Fatalf("expected %d unique tags, got %v", len(want), got)
	}
	for _, tag := range got {
		if !want[tag] {
			t.Fatalf("unexpected tag %q in union", tag)
		}
	}
}

func TestUnionTags_NoDuplicates(t *testing.T) {
	got := unionTags([]string{"a"}, []string{"a"})
	if len(got) != 1 {
		t.Fatalf("expected union of identical sets to dedupe, got %v", got)
	}
}
