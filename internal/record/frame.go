package record

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

var (
	fileMagic = [4]byte{'D', 'W', 'R', '1'}

	// castagnoli is the CRC-32C table used to checksum frame payloads.
	castagnoli = crc32.MakeTable(crc32.Castagnoli)
)

const (
	formatVersion = 1

	// maxFrameLen bounds a single frame payload. A full 65x65 tile with
	// maxBands float32 planes is well under this.
	maxFrameLen = 8 << 20
)

// ErrCorruptFrame reports a frame whose checksum or structure is invalid.
var ErrCorruptFrame = errors.New("corrupt record frame")

// Writer appends framed records to an underlying stream.
type Writer struct {
	w       *bufio.Writer
	started bool
	count   int
}

// NewWriter returns a Writer that emits the file header on the first Append.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Append encodes and frames one record.
func (w *Writer) Append(r *Record) error {
	payload, err := r.Marshal()
	if err != nil {
		return err
	}
	if !w.started {
		if _, err := w.w.Write(fileMagic[:]); err != nil {
			return err
		}
		if err := w.w.WriteByte(formatVersion); err != nil {
			return err
		}
		w.started = true
	}

	var head [8]byte
	binary.LittleEndian.PutUint32(head[0:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(head[4:], crc32.Checksum(payload, castagnoli))
	if _, err := w.w.Write(head[:]); err != nil {
		return err
	}
	if _, err := w.w.Write(payload); err != nil {
		return err
	}
	w.count++
	return nil
}

// Count returns the number of records appended so far.
func (w *Writer) Count() int { return w.count }

// Flush writes the header even for an empty file and flushes buffered data.
func (w *Writer) Flush() error {
	if !w.started {
		if _, err := w.w.Write(fileMagic[:]); err != nil {
			return err
		}
		if err := w.w.WriteByte(formatVersion); err != nil {
			return err
		}
		w.started = true
	}
	return w.w.Flush()
}

// Reader iterates framed records from a stream.
type Reader struct {
	r *bufio.Reader

	// Strict makes checksum mismatches fatal. When false, corrupt frames
	// are skipped and counted instead.
	Strict bool

	headerRead bool
	skipped    int
}

// NewReader returns a strict Reader; callers tolerating corrupt frames clear
// Strict before the first Next.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r), Strict: true}
}

// Skipped returns the number of corrupt frames skipped in lenient mode.
func (r *Reader) Skipped() int { return r.skipped }

// Next returns the next record, or io.EOF at end of stream.
func (r *Reader) Next() (*Record, error) {
	if !r.headerRead {
		if err := r.readHeader(); err != nil {
			return nil, err
		}
		r.headerRead = true
	}

	for {
		var head [8]byte
		if _, err := io.ReadFull(r.r, head[:]); err != nil {
			if err == io.ErrUnexpectedEOF {
				return nil, fmt.Errorf("%w: truncated frame header", ErrCorruptFrame)
			}
			return nil, err
		}
		payloadLen := binary.LittleEndian.Uint32(head[0:])
		wantCRC := binary.LittleEndian.Uint32(head[4:])
		if payloadLen > maxFrameLen {
			return nil, fmt.Errorf("%w: frame length %d exceeds limit", ErrCorruptFrame, payloadLen)
		}

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r.r, payload); err != nil {
			return nil, fmt.Errorf("%w: truncated frame payload", ErrCorruptFrame)
		}

		if crc32.Checksum(payload, castagnoli) != wantCRC {
			if r.Strict {
				return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptFrame)
			}
			r.skipped++
			continue
		}

		rec, err := Unmarshal(payload)
		if err != nil {
			if r.Strict {
				return nil, fmt.Errorf("%w: %v", ErrCorruptFrame, err)
			}
			r.skipped++
			continue
		}
		return rec, nil
	}
}

// ReadAll drains the reader.
func (r *Reader) ReadAll() ([]*Record, error) {
	var out []*Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

func (r *Reader) readHeader() error {
	var head [5]byte
	if _, err := io.ReadFull(r.r, head[:]); err != nil {
		return fmt.Errorf("%w: missing file header", ErrCorruptFrame)
	}
	if [4]byte(head[:4]) != fileMagic {
		return fmt.Errorf("%w: bad magic %q", ErrCorruptFrame, head[:4])
	}
	if head[4] != formatVersion {
		return fmt.Errorf("unsupported record format version %d", head[4])
	}
	return nil
}
