package blobstore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/zeebo/blake3"
)

func TestStore_PutGet_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	payload := []byte("hi")
	digest, err := s.Put(payload)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	want := Digest(blake3.Sum256(payload))
	if digest != want {
		t.Fatalf("digest mismatch: got %x want %x", digest, want)
	}

	got, err := s.Get(digest)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("roundtrip mismatch: got %q want %q", got, payload)
	}
}

func TestStore_Put_Dedup(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	d1, err := s.Put([]byte("same"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	d2, err := s.Put([]byte("same"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if d1 != d2 {
		t.Fatalf("expected identical digests for identical payload")
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 stored blob after dedup, got %d", s.Len())
	}
}

func TestStore_Get_NotFound(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	var missing Digest
	if _, err := s.Get(missing); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_ReplayEquivalence(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	d, err := s.Put([]byte("durable"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = s2.Close() })

	got, err := s2.Get(d)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(got) != "durable" {
		t.Fatalf("unexpected bytes after reopen: %q", got)
	}
}

func TestStore_CorruptByteFlip_FailsGet(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	d, err := s.Put([]byte("integrity"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	packPath := filepath.Join(dir, "blobs.pack")
	data, err := os.ReadFile(packPath)
	if err != nil {
		t.Fatalf("read pack: %v", err)
	}
	data[0] ^= 0xFF
	if err := os.WriteFile(packPath, data, 0o644); err != nil {
		t.Fatalf("write pack: %v", err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = s2.Close() })

	if _, err := s2.Get(d); err != ErrCorrupt {
		t.Fatalf("expected ErrCorrupt after byte flip, got %v", err)
	}
}

func TestStore_RecoversTruncatedIndexEntry(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Put([]byte("one")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate a crash between index-append and pack-fsync: append a bogus
	// index record pointing past the pack's actual length.
	idxPath := filepath.Join(dir, "blobs.idx")
	idx, err := os.OpenFile(idxPath, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	bogus := make([]byte, indexRecordSize)
	bogus[indexRecordSize-1] = 0xFF // huge length field
	bogus[indexRecordSize-2] = 0xFF
	bogus[indexRecordSize-3] = 0xFF
	bogus[indexRecordSize-4] = 0xFF
	if _, err := idx.Write(bogus); err != nil {
		t.Fatalf("write bogus index record: %v", err)
	}
	idx.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen after truncated index: %v", err)
	}
	t.Cleanup(func() { _ = s2.Close() })

	if s2.Len() != 1 {
		t.Fatalf("expected recovery to drop the dangling index entry, got %d entries", s2.Len())
	}

	idxInfo, err := os.Stat(idxPath)
	if err != nil {
		t.Fatalf("stat index: %v", err)
	}
	if idxInfo.Size() != indexRecordSize {
		t.Fatalf("expected index truncated back to 1 record, got %d bytes", idxInfo.Size())
	}
}
