package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// Frame layout: [4B CRC32][4B length][8B term][8B index][1B kind][payload].
// frameOverhead is used only to size-estimate group-commit batches; the
// exact on-disk header size is headerSize.
const (
	headerSize    = 4 + 4 + 8 + 8 + 1
	frameOverhead = headerSize
)

var errCRCMismatch = errors.New("wal: CRC mismatch")

func encodeFrame(e Entry) []byte {
	buf := make([]byte, headerSize+len(e.Command))
	binary.LittleEndian.PutUint64(buf[8:16], e.Term)
	binary.LittleEndian.PutUint64(buf[16:24], e.Index)
	buf[24] = byte(e.Kind)
	copy(buf[headerSize:], e.Command)
	crc := crc32.ChecksumIEEE(buf[8:])
	binary.LittleEndian.PutUint32(buf[0:4], crc)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(e.Command)))
	return buf
}

// readFrame reads one frame from r, first skipping any run of all-zero
// header blocks left behind by a torn write from a previous process (the
// framing artifact spec.md calls out). It returns io.EOF once the reader is
// exhausted with nothing but trailing padding left.
//
// Padding is detected a whole header at a time, not one leading byte at a
// time: a genuine frame's Index field is never all-zero (WAL indices start
// at 1), so "every byte of this header is 0x00" is an unambiguous padding
// signal, whereas a single leading 0x00 byte is not: about 1 in 256 real
// frames has a CRC whose first byte happens to be zero, and treating that
// byte alone as padding would devour part of a legitimate frame.
func readFrame(r io.Reader) (Entry, error) {
	header := make([]byte, headerSize)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			return Entry{}, err
		}
		if !allZero(header) {
			break
		}
	}

	crc := binary.LittleEndian.Uint32(header[0:4])
	length := binary.LittleEndian.Uint32(header[4:8])
	term := binary.LittleEndian.Uint64(header[8:16])
	index := binary.LittleEndian.Uint64(header[16:24])
	kind := EntryKind(header[24])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Entry{}, io.ErrUnexpectedEOF
	}

	check := make([]byte, 17+len(payload))
	copy(check, header[8:])
	copy(check[17:], payload)
	if crc32.ChecksumIEEE(check) != crc {
		return Entry{}, fmt.Errorf("%w", errCRCMismatch)
	}

	return Entry{Term: term, Index: index, Kind: kind, Command: payload}, nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
