package history

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sheerbytes/warp/internal/report"
)

func TestBoltStore_SaveGetList(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "history.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	var ids []string
	for i, code := range []report.ErrorCode{report.OK, report.PartialFailure, report.Aborted} {
		r := &report.Report{TransferID: "t", Role: "sender", Code: code, FilesTransferred: i}
		id, err := store.Save(r)
		if err != nil {
			t.Fatalf("Save: %v", err)
		}
		ids = append(ids, id)
		now = now.Add(time.Minute)
	}

	rec, err := store.Get(ids[1])
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Report.Code != report.PartialFailure || rec.Report.FilesTransferred != 1 {
		t.Fatalf("unexpected record: %+v", rec.Report)
	}

	all, err := store.List(0)
	if err != nil || len(all) != 3 {
		t.Fatalf("List(0) = %d records, err=%v", len(all), err)
	}
	if all[0].ID != ids[2] || all[2].ID != ids[0] {
		t.Fatalf("List should return newest first: %v", []string{all[0].ID, all[1].ID, all[2].ID})
	}
	latest, err := store.List(1)
	if err != nil || len(latest) != 1 || latest[0].Report.Code != report.Aborted {
		t.Fatalf("List(1) = %+v err=%v", latest, err)
	}

	if _, err := store.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBoltStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	id, err := store.Save(&report.Report{TransferID: "persisted"})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	store, err = Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	rec, err := store.Get(id)
	if err != nil || rec.Report.TransferID != "persisted" {
		t.Fatalf("record lost across reopen: %+v err=%v", rec, err)
	}
}
