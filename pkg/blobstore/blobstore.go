// Package blobstore implements the content-addressed pack+index store: an
// append-only pack file of raw payload bytes plus a parallel index file of
// fixed {digest, offset, length} records, deduplicated by BLAKE3 digest.
package blobstore

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/zeebo/blake3"
)

// DigestSize is the length in bytes of a BLAKE3 content digest.
const DigestSize = 32

// indexRecordSize is the on-disk size of one blobs.idx entry:
// digest(32) + offset(8) + length(4).
const indexRecordSize = DigestSize + 8 + 4

// Digest identifies a blob by its BLAKE3 hash.
type Digest [DigestSize]byte

func (d Digest) String() string {
	return fmt.Sprintf("%x", d[:])
}

// ErrNotFound is returned by Get/Has lookups that miss the index.
var ErrNotFound = errors.New("blobstore: digest not found")

// ErrCorrupt is returned when stored bytes no longer hash to their recorded
// digest, or a short read occurs against the pack file.
var ErrCorrupt = errors.New("blobstore: corrupt pack data")

type entry struct {
	offset uint64
	length uint32
}

// Store is a write-once, content-addressed blob store backed by a pack file
// (blobs.pack) and an index file (blobs.idx) in one directory.
//
// Safe for concurrent use; callers needing put-then-get atomicity across
// multiple calls must serialize externally (pkg/store does this as part of
// its single coarse mutex).
type Store struct {
	mu sync.Mutex

	packPath string
	idxPath  string

	packFile *os.File
	idxFile  *os.File
	packW    *bufio.Writer

	index      map[Digest]entry
	packOffset uint64 // next write offset == current pack length
}

// Open opens (creating if absent) the pack+index pair under dir, recovering
// from a truncated index tail per the spec's recovery rule: any index entry
// whose (offset+length) exceeds the pack's actual length is dropped and the
// index file truncated to the last fully-backed record.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: mkdir %s: %w", dir, err)
	}

	packPath := filepath.Join(dir, "blobs.pack")
	idxPath := filepath.Join(dir, "blobs.idx")

	packFile, err := os.OpenFile(packPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blobstore: open pack: %w", err)
	}
	idxFile, err := os.OpenFile(idxPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		packFile.Close()
		return nil, fmt.Errorf("blobstore: open index: %w", err)
	}

	packInfo, err := packFile.Stat()
	if err != nil {
		packFile.Close()
		idxFile.Close()
		return nil, fmt.Errorf("blobstore: stat pack: %w", err)
	}
	packLen := uint64(packInfo.Size())

	index, validIdxLen, err := loadIndex(idxFile, packLen)
	if err != nil {
		packFile.Close()
		idxFile.Close()
		return nil, err
	}

	idxInfo, err := idxFile.Stat()
	if err != nil {
		packFile.Close()
		idxFile.Close()
		return nil, fmt.Errorf("blobstore: stat index: %w", err)
	}
	if idxInfo.Size() != validIdxLen {
		if err := idxFile.Truncate(validIdxLen); err != nil {
			packFile.Close()
			idxFile.Close()
			return nil, fmt.Errorf("blobstore: truncate recovered index: %w", err)
		}
	}

	if _, err := packFile.Seek(0, io.SeekEnd); err != nil {
		packFile.Close()
		idxFile.Close()
		return nil, err
	}
	if _, err := idxFile.Seek(0, io.SeekEnd); err != nil {
		packFile.Close()
		idxFile.Close()
		return nil, err
	}

	return &Store{
		packPath:   packPath,
		idxPath:    idxPath,
		packFile:   packFile,
		idxFile:    idxFile,
		packW:      bufio.NewWriter(packFile),
		index:      index,
		packOffset: packLen,
	}, nil
}

// loadIndex reads the full index file into memory, stopping (and reporting
// the valid byte length) at the first record whose backing bytes are not
// present in the pack — the open-time recovery rule from spec.md §4.1.
func loadIndex(idxFile *os.File, packLen uint64) (map[Digest]entry, int64, error) {
	if _, err := idxFile.Seek(0, io.SeekStart); err != nil {
		return nil, 0, err
	}
	r := bufio.NewReader(idxFile)
	index := make(map[Digest]entry)

	var validLen int64
	buf := make([]byte, indexRecordSize)
	for {
		n, err := io.ReadFull(r, buf)
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			// Trailing partial record: drop it, keep everything before it.
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("blobstore: read index: %w", err)
		}
		_ = n

		var d Digest
		copy(d[:], buf[0:DigestSize])
		offset := binary.LittleEndian.Uint64(buf[DigestSize : DigestSize+8])
		length := binary.LittleEndian.Uint32(buf[DigestSize+8 : DigestSize+12])

		if offset+uint64(length) > packLen {
			// Index entry references bytes never fsynced to the pack.
			break
		}

		index[d] = entry{offset: offset, length: length}
		validLen += indexRecordSize
	}

	return index, validLen, nil
}

// Put stores bytes under their BLAKE3 digest, deduplicating repeat writes
// (I7). The pack bytes and then the index record are both fsynced before
// Put returns.
func (s *Store) Put(payload []byte) (Digest, error) {
	digest := Digest(blake3.Sum256(payload))

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[digest]; ok {
		return digest, nil
	}

	offset := s.packOffset
	if _, err := s.packW.Write(payload); err != nil {
		return Digest{}, fmt.Errorf("blobstore: write pack: %w", err)
	}
	if err := s.packW.Flush(); err != nil {
		return Digest{}, fmt.Errorf("blobstore: flush pack: %w", err)
	}
	if err := s.packFile.Sync(); err != nil {
		return Digest{}, fmt.Errorf("blobstore: fsync pack: %w", err)
	}
	s.packOffset += uint64(len(payload))

	rec := make([]byte, indexRecordSize)
	copy(rec[0:DigestSize], digest[:])
	binary.LittleEndian.PutUint64(rec[DigestSize:DigestSize+8], offset)
	binary.LittleEndian.PutUint32(rec[DigestSize+8:DigestSize+12], uint32(len(payload)))

	if _, err := s.idxFile.Write(rec); err != nil {
		return Digest{}, fmt.Errorf("blobstore: write index: %w", err)
	}
	if err := s.idxFile.Sync(); err != nil {
		return Digest{}, fmt.Errorf("blobstore: fsync index: %w", err)
	}

	s.index[digest] = entry{offset: offset, length: uint32(len(payload))}
	return digest, nil
}

// Get returns the bytes stored under digest, verifying the recomputed
// BLAKE3 hash matches before returning (I4).
func (s *Store) Get(digest Digest) ([]byte, error) {
	s.mu.Lock()
	e, ok := s.index[digest]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	buf := make([]byte, e.length)
	n, err := s.packFile.ReadAt(buf, int64(e.offset))
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("blobstore: read pack: %w", err)
	}
	if n != int(e.length) {
		return nil, ErrCorrupt
	}

	got := Digest(blake3.Sum256(buf))
	if got != digest {
		return nil, ErrCorrupt
	}
	return buf, nil
}

// Has reports whether digest is present in the index.
func (s *Store) Has(digest Digest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[digest]
	return ok
}

// Len returns the number of distinct blobs stored.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// PackBytes returns the current size of the pack file in bytes, for metrics
// reporting (SPEC_FULL.md §6.7's blob pack size gauge).
func (s *Store) PackBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(s.packOffset)
}

// Sync fsyncs the pack file; the index is always fsynced synchronously on
// Put, so this only needs to cover the buffered pack writer.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.packW.Flush(); err != nil {
		return err
	}
	return s.packFile.Sync()
}

// Close flushes and closes both files.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.packW.Flush(); err != nil {
		s.packFile.Close()
		s.idxFile.Close()
		return err
	}
	perr := s.packFile.Close()
	ierr := s.idxFile.Close()
	if perr != nil {
		return perr
	}
	return ierr
}
