package turnlog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
)

// idxRecordSize is the on-disk size of one turns.idx entry:
// turn_id(8) + context_id(8) + log_offset(8) + log_length(4).
const idxRecordSize = 8 + 8 + 8 + 4

// frameOverhead is the length-prefix (u32) plus CRC32 trailer (u32) wrapped
// around every log record.
const frameOverhead = 4 + 4

type idxEntry struct {
	contextID uint64
	logOffset uint64
	logLength uint32
}

// log owns turns.log and turns.idx: append-only storage of framed turn
// records plus a dense-by-append-order index enabling O(1) lookup by
// turn_id.
type log struct {
	logPath string
	idxPath string

	logFile *os.File
	idxFile *os.File
	logW    *bufio.Writer

	logOffset uint64 // next write offset == current log file length
	byTurnID  map[uint64]idxEntry
}

func openLog(dir string) (*log, error) {
	logPath := filepath.Join(dir, "turns.log")
	idxPath := filepath.Join(dir, "turns.idx")

	logFile, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("turnlog: open log: %w", err)
	}
	idxFile, err := os.OpenFile(idxPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("turnlog: open index: %w", err)
	}

	logInfo, err := logFile.Stat()
	if err != nil {
		logFile.Close()
		idxFile.Close()
		return nil, fmt.Errorf("turnlog: stat log: %w", err)
	}
	logLen := uint64(logInfo.Size())

	byTurnID, validIdxLen, idxLogLen, err := loadIdx(idxFile)
	if err != nil {
		logFile.Close()
		idxFile.Close()
		return nil, err
	}

	idxInfo, err := idxFile.Stat()
	if err != nil {
		logFile.Close()
		idxFile.Close()
		return nil, err
	}
	if idxInfo.Size() != validIdxLen {
		if err := idxFile.Truncate(validIdxLen); err != nil {
			logFile.Close()
			idxFile.Close()
			return nil, fmt.Errorf("turnlog: truncate recovered index: %w", err)
		}
	}

	l := &log{
		logPath:   logPath,
		idxPath:   idxPath,
		logFile:   logFile,
		idxFile:   idxFile,
		logW:      bufio.NewWriter(logFile),
		logOffset: idxLogLen,
		byTurnID:  byTurnID,
	}

	// The index may lag the log (crash between log fsync and idx fsync, or
	// between idx fsync and head update). Scan forward from the index's
	// last known offset and rebuild any missing entries.
	if idxLogLen < logLen {
		if err := l.recoverTail(idxLogLen, logLen); err != nil {
			logFile.Close()
			idxFile.Close()
			return nil, err
		}
	} else if idxLogLen > logLen {
		// Index claims more than the log actually has: the log write
		// itself never completed. Truncate both to the log's true length.
		var keptIdxLen int64
		var keptLogLen uint64
		for turnID, e := range byTurnID {
			if end := e.logOffset + frameOverhead + uint64(e.logLength); end <= logLen {
				keptIdxLen += idxRecordSize
				keptLogLen = max(keptLogLen, end)
			} else {
				delete(byTurnID, turnID)
			}
		}
		l.logOffset = keptLogLen
		err = idxFile.Truncate(keptIdxLen)
		if err == nil {
			err = logFile.Truncate(int64(keptLogLen))
		}
		if err != nil {
			logFile.Close()
			idxFile.Close()
			return nil, err
		}
	}

	if _, err := logFile.Seek(0, io.SeekEnd); err != nil {
		logFile.Close()
		idxFile.Close()
		return nil, err
	}
	if _, err := idxFile.Seek(0, io.SeekEnd); err != nil {
		logFile.Close()
		idxFile.Close()
		return nil, err
	}

	return l, nil
}

// loadIdx reads turns.idx fully, returning the recovered entries keyed by
// turn_id, the valid byte length of the index file, and the log offset
// implied by the last complete entry (i.e. how much of turns.log the index
// accounts for).
func loadIdx(idxFile *os.File) (map[uint64]idxEntry, int64, uint64, error) {
	if _, err := idxFile.Seek(0, io.SeekStart); err != nil {
		return nil, 0, 0, err
	}
	r := bufio.NewReader(idxFile)
	entries := make(map[uint64]idxEntry)

	var validLen int64
	var logLen uint64
	buf := make([]byte, idxRecordSize)
	for {
		_, err := io.ReadFull(r, buf)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, 0, 0, fmt.Errorf("turnlog: read index: %w", err)
		}

		turnID := binary.LittleEndian.Uint64(buf[0:8])
		contextID := binary.LittleEndian.Uint64(buf[8:16])
		logOffset := binary.LittleEndian.Uint64(buf[16:24])
		logLength := binary.LittleEndian.Uint32(buf[24:28])

		entries[turnID] = idxEntry{contextID: contextID, logOffset: logOffset, logLength: logLength}
		validLen += idxRecordSize
		logLen = logOffset + frameOverhead + uint64(logLength)
	}

	return entries, validLen, logLen, nil
}

// recoverTail scans turns.log from fromOffset forward, validating each
// frame's CRC, and rebuilds any turns.idx entries the index was missing.
// A trailing short or corrupt frame is dropped silently: it was never
// acknowledged to a client (the index fsync in the write protocol happens
// only after the log fsync), so it cannot have been observed as durable.
func (l *log) recoverTail(fromOffset, toOffset uint64) error {
	r := io.NewSectionReader(l.logFile, int64(fromOffset), int64(toOffset-fromOffset))
	br := bufio.NewReader(r)

	offset := fromOffset
	for offset < toOffset {
		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(br, lenBuf); err != nil {
			break
		}
		recLen := binary.LittleEndian.Uint32(lenBuf)

		recBuf := make([]byte, recLen)
		if _, err := io.ReadFull(br, recBuf); err != nil {
			break
		}

		crcBuf := make([]byte, 4)
		if _, err := io.ReadFull(br, crcBuf); err != nil {
			break
		}
		wantCRC := binary.LittleEndian.Uint32(crcBuf)
		if crc32.ChecksumIEEE(recBuf) != wantCRC {
			break
		}

		rec, err := decodeRecord(recBuf)
		if err != nil {
			break
		}

		l.byTurnID[rec.TurnID] = idxEntry{contextID: rec.ContextID, logOffset: offset, logLength: recLen}
		if err := l.appendIdxEntry(rec.TurnID, rec.ContextID, offset, recLen); err != nil {
			return err
		}

		offset += frameOverhead + uint64(recLen)
	}

	l.logOffset = offset
	if offset < toOffset {
		if err := l.logFile.Truncate(int64(offset)); err != nil {
			return fmt.Errorf("turnlog: truncate partial log tail: %w", err)
		}
	}
	return nil
}

// append writes rec's frame to turns.log and its entry to turns.idx,
// fsyncing both in that order (spec.md §4.2 step 5). Returns the log
// offset the frame was written at.
func (l *log) append(rec Record) (uint64, error) {
	body := rec.encode()
	crc := crc32.ChecksumIEEE(body)

	offset := l.logOffset

	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(body)))
	if _, err := l.logW.Write(lenBuf); err != nil {
		return 0, fmt.Errorf("turnlog: write log length: %w", err)
	}
	if _, err := l.logW.Write(body); err != nil {
		return 0, fmt.Errorf("turnlog: write log record: %w", err)
	}
	crcBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(crcBuf, crc)
	if _, err := l.logW.Write(crcBuf); err != nil {
		return 0, fmt.Errorf("turnlog: write log crc: %w", err)
	}
	if err := l.logW.Flush(); err != nil {
		return 0, fmt.Errorf("turnlog: flush log: %w", err)
	}
	if err := l.logFile.Sync(); err != nil {
		return 0, fmt.Errorf("turnlog: fsync log: %w", err)
	}
	l.logOffset += frameOverhead + uint64(len(body))

	if err := l.appendIdxEntry(rec.TurnID, rec.ContextID, offset, uint32(len(body))); err != nil {
		return 0, err
	}
	l.byTurnID[rec.TurnID] = idxEntry{contextID: rec.ContextID, logOffset: offset, logLength: uint32(len(body))}

	return offset, nil
}

func (l *log) appendIdxEntry(turnID, contextID, logOffset uint64, logLength uint32) error {
	buf := make([]byte, idxRecordSize)
	binary.LittleEndian.PutUint64(buf[0:8], turnID)
	binary.LittleEndian.PutUint64(buf[8:16], contextID)
	binary.LittleEndian.PutUint64(buf[16:24], logOffset)
	binary.LittleEndian.PutUint32(buf[24:28], logLength)

	if _, err := l.idxFile.Write(buf); err != nil {
		return fmt.Errorf("turnlog: write idx entry: %w", err)
	}
	if err := l.idxFile.Sync(); err != nil {
		return fmt.Errorf("turnlog: fsync idx: %w", err)
	}
	return nil
}

// readAt returns the decoded record for turnID, validating its CRC.
func (l *log) readAt(turnID uint64) (Record, error) {
	e, ok := l.byTurnID[turnID]
	if !ok {
		return Record{}, ErrNotFound
	}

	frame := make([]byte, frameOverhead+uint64(e.logLength))
	n, err := l.logFile.ReadAt(frame, int64(e.logOffset))
	if err != nil && err != io.EOF {
		return Record{}, fmt.Errorf("turnlog: read log: %w", err)
	}
	if n != len(frame) {
		return Record{}, ErrCorrupt
	}

	body := frame[4 : 4+e.logLength]
	wantCRC := binary.LittleEndian.Uint32(frame[4+e.logLength:])
	if crc32.ChecksumIEEE(body) != wantCRC {
		return Record{}, ErrCorrupt
	}

	return decodeRecord(body)
}

func (l *log) close() error {
	if err := l.logW.Flush(); err != nil {
		l.logFile.Close()
		l.idxFile.Close()
		return err
	}
	lerr := l.logFile.Close()
	ierr := l.idxFile.Close()
	if lerr != nil {
		return lerr
	}
	return ierr
}
