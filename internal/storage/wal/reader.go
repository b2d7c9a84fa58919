package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
)

// Replay reads every segment in dir in sequence order and calls fn for
// each decoded entry. A torn record at the tail of a segment (partial
// header, short payload, or checksum mismatch) ends replay of that
// segment without error; corruption mid-segment is reported.
func Replay(dir string, fn func(Entry) error) error {
	return ReplayBefore(dir, math.MaxInt64, fn)
}

// ReplayBefore is Replay bounded to segments with sequence numbers below
// beforeSeq. A writer appending to dir while replay runs journals whatever
// fn inserts; bounding the scan at the writer's active segment keeps
// replay from consuming its own output.
func ReplayBefore(dir string, beforeSeq int64, fn func(Entry) error) error {
	seqs, err := listSegmentSeqs(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("list segments: %w", err)
	}

	for _, seq := range seqs {
		if seq >= beforeSeq {
			break
		}
		path := filepath.Join(dir, segmentName(seq))
		if err := replaySegment(path, fn); err != nil {
			return fmt.Errorf("segment %s: %w", segmentName(seq), err)
		}
	}
	return nil
}

func replaySegment(path string, fn func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			// Empty or truncated header, nothing to replay.
			return nil
		}
		return fmt.Errorf("read header: %w", err)
	}
	if binary.LittleEndian.Uint64(header[0:8]) != walMagic {
		return fmt.Errorf("bad magic")
	}
	if v := binary.LittleEndian.Uint32(header[8:12]); v != walVersion {
		return fmt.Errorf("unsupported version %d", v)
	}

	for {
		var rh [recordHeaderSize]byte
		if _, err := io.ReadFull(r, rh[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil // torn tail
			}
			return fmt.Errorf("read record header: %w", err)
		}

		length := binary.LittleEndian.Uint32(rh[0:4])
		sum := binary.LittleEndian.Uint32(rh[4:8])

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil // torn tail
			}
			return fmt.Errorf("read record payload: %w", err)
		}

		if crc32.ChecksumIEEE(payload) != sum {
			return nil // torn tail or partial fsync; stop here
		}

		entries, err := decodeEntries(payload)
		if err != nil {
			return fmt.Errorf("decode record: %w", err)
		}
		for _, e := range entries {
			if err := fn(e); err != nil {
				return err
			}
		}
	}
}
