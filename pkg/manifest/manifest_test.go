package manifest

import (
	"errors"
	"iter"
	"testing"
)

func TestCollect_TotalsAndOrder(t *testing.T) {
	m, err := Collect("src", FromList([]FileInfo{
		{RelPath: "b", Size: 5},
		{RelPath: "a", Size: 10},
		{RelPath: "c", Size: -1},
	}))
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if m.FileCount != 3 || m.TotalBytes != 15 || m.UnknownSizes != 1 {
		t.Fatalf("totals = %+v", m)
	}
	if m.Items[0].RelPath != "a" || m.Items[2].RelPath != "c" {
		t.Fatalf("items not sorted: %+v", m.Items)
	}
	for _, it := range m.Items {
		if len(it.ID) != 16 {
			t.Fatalf("ID = %q, want 16 hex chars", it.ID)
		}
	}
}

func TestCollect_KeepsGoingOnErrors(t *testing.T) {
	seq := iter.Seq2[FileInfo, error](func(yield func(FileInfo, error) bool) {
		if !yield(FileInfo{RelPath: "bad"}, errors.New("permission denied")) {
			return
		}
		yield(FileInfo{RelPath: "good", Size: 1}, nil)
	})
	m, err := Collect("src", seq)
	if err == nil {
		t.Fatal("expected joined scan error")
	}
	if m.FileCount != 1 || m.Items[0].RelPath != "good" {
		t.Fatalf("manifest = %+v", m)
	}
}

func TestManifestID_Deterministic(t *testing.T) {
	files := []FileInfo{{RelPath: "a", Size: 1}, {RelPath: "b", Size: 2}}
	m1, _ := Collect("src", FromList(files))
	m2, _ := Collect("src", FromList([]FileInfo{files[1], files[0]}))
	if ManifestID(m1) != ManifestID(m2) {
		t.Fatal("ManifestID should not depend on input order")
	}
	m3, _ := Collect("src", FromList([]FileInfo{{RelPath: "a", Size: 1}, {RelPath: "b", Size: 3}}))
	if ManifestID(m1) == ManifestID(m3) {
		t.Fatal("ManifestID should change when a size changes")
	}
	if ManifestID(Manifest{}) != "" {
		t.Fatal("empty manifest should have empty ID")
	}
}
