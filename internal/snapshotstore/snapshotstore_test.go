package snapshotstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/styxy-dev/styxy/internal/model"
)

func TestLoadMissingFileReturnsEmptySnapshot(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "daemon.state"))
	snap, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Allocations) != 0 || snap.Version != model.CurrentSnapshotVersion {
		t.Fatalf("unexpected empty snapshot: %+v", snap)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "daemon.state"))
	snap := model.Snapshot{
		Allocations: []model.Allocation{{Port: 3000, LockID: "a", ServiceType: "dev"}},
		Singletons:  map[string]model.SingletonRef{},
		Instances:   []model.Instance{},
		Version:     model.CurrentSnapshotVersion,
	}

	if err := s.Save(snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Allocations) != 1 || got.Allocations[0].Port != 3000 {
		t.Fatalf("unexpected round-tripped snapshot: %+v", got)
	}
}

func TestLoadMalformedFileReturnsErrMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.state")
	if err := os.WriteFile(path, []byte("corrupted"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s := New(path)
	_, err := s.Load()
	if err == nil {
		t.Fatal("expected ErrMalformed for corrupt snapshot bytes")
	}
}

func TestBackupCopiesFileAside(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.state")
	if err := os.WriteFile(path, []byte("corrupted"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s := New(path)
	backupPath, err := s.Backup()
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if backupPath == "" {
		t.Fatal("expected non-empty backup path")
	}

	data, err := os.ReadFile(backupPath)
	if err != nil {
		t.Fatalf("reading backup: %v", err)
	}
	if string(data) != "corrupted" {
		t.Fatalf("expected backup to contain original bytes, got %q", data)
	}
}

func TestBackupOfMissingFileIsNoOp(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "daemon.state"))
	backupPath, err := s.Backup()
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if backupPath != "" {
		t.Fatalf("expected no backup path for a missing source file, got %q", backupPath)
	}
}
