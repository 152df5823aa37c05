package modfile

import (
	"path/filepath"
	"testing"
)

func TestOpenCreatesEmptyLog(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "0.seq.1.tsfile")

	mf, err := Open(dataPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer mf.Close()

	if got := mf.Deletions(); len(got) != 0 {
		t.Fatalf("Deletions() = %v, want empty", got)
	}
}

func TestAppendThenDeletionsReturnsAll(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "0.seq.1.tsfile")

	mf, err := Open(dataPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer mf.Close()

	d1 := Deletion{Device: "d1", Measurement: "temp", UpperBound: 100, FileVersion: 5}
	d2 := Deletion{Device: "d2", UpperBound: 200, FileVersion: 6}
	if err := mf.Append(d1); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := mf.Append(d2); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got := mf.Deletions()
	if len(got) != 2 {
		t.Fatalf("Deletions() len = %d, want 2", len(got))
	}
	if got[0] != d1 || got[1] != d2 {
		t.Fatalf("Deletions() = %+v, want [%+v %+v]", got, d1, d2)
	}
}

func TestOpenReplaysExistingEntries(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "0.seq.1.tsfile")

	mf, err := Open(dataPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	d := Deletion{Device: "d1", Measurement: "temp", UpperBound: 50, FileVersion: 2}
	if err := mf.Append(d); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := mf.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(dataPath)
	if err != nil {
		t.Fatalf("re-Open() error = %v", err)
	}
	defer reopened.Close()

	got := reopened.Deletions()
	if len(got) != 1 || got[0] != d {
		t.Fatalf("replayed Deletions() = %+v, want [%+v]", got, d)
	}
}

func TestAppendAfterReopenContinuesFromEnd(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "0.seq.1.tsfile")

	mf, _ := Open(dataPath)
	mf.Append(Deletion{Device: "d1", UpperBound: 10, FileVersion: 1})
	mf.Close()

	reopened, err := Open(dataPath)
	if err != nil {
		t.Fatalf("re-Open() error = %v", err)
	}
	defer reopened.Close()
	if err := reopened.Append(Deletion{Device: "d2", UpperBound: 20, FileVersion: 2}); err != nil {
		t.Fatalf("Append() after reopen error = %v", err)
	}
	if got := reopened.Deletions(); len(got) != 2 {
		t.Fatalf("Deletions() after reopen+append = %d entries, want 2", len(got))
	}
}

func TestApplyMatchesDeviceAndMeasurement(t *testing.T) {
	deletions := []Deletion{
		{Device: "d1", Measurement: "temp", UpperBound: 100, FileVersion: 5},
	}
	if !Apply(deletions, "d1", "temp", 50, 3) {
		t.Error("Apply() = false, want true: ts and version within tombstone bounds")
	}
	if Apply(deletions, "d1", "humidity", 50, 3) {
		t.Error("Apply() = true for a different measurement, want false")
	}
	if Apply(deletions, "d2", "temp", 50, 3) {
		t.Error("Apply() = true for a different device, want false")
	}
}

func TestApplyWildcardMeasurement(t *testing.T) {
	deletions := []Deletion{
		{Device: "d1", Measurement: "", UpperBound: 100, FileVersion: 5},
	}
	if !Apply(deletions, "d1", "anything", 50, 3) {
		t.Error("Apply() = false for a wildcard-measurement tombstone, want true")
	}
}

func TestApplyRespectsUpperBoundAndFileVersion(t *testing.T) {
	deletions := []Deletion{
		{Device: "d1", UpperBound: 100, FileVersion: 5},
	}
	if Apply(deletions, "d1", "temp", 150, 3) {
		t.Error("Apply() = true for a timestamp past the tombstone's upper bound")
	}
	if Apply(deletions, "d1", "temp", 50, 6) {
		t.Error("Apply() = true for a chunk version newer than the deletion's file version")
	}
}
