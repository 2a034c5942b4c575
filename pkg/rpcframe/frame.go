// Package rpcframe implements RFC 1831 section 10 record marking: each RPC
// message on a stream transport is split into one or more fragments, each
// prefixed by a 4-byte header whose top bit marks the last fragment of the
// record and whose low 31 bits give that fragment's length.
package rpcframe

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/oncrpcd/oncrpc/pkg/bufpool"
)

// MaxRecordSize bounds the total size of a reassembled record. It is larger
// than the largest call/reply payload this runtime expects so that
// legitimate traffic never hits the limit, while corrupt or hostile fragment
// headers are rejected before they can exhaust memory.
const MaxRecordSize = (1 << 20) + (1 << 18)

// RecordTooLarge is returned when a fragment header or accumulated record
// would exceed MaxRecordSize.
type RecordTooLarge struct {
	Size uint32
}

func (e *RecordTooLarge) Error() string {
	return fmt.Sprintf("rpcframe: record too large: %d bytes (max %d)", e.Size, MaxRecordSize)
}

// Header is a parsed 4-byte fragment header.
type Header struct {
	Last   bool
	Length uint32
}

// ReadHeader reads and parses the 4-byte fragment header from r. EOF errors
// are returned unwrapped so callers can distinguish a clean disconnect
// between records from a truncated one mid-record.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	word := binary.BigEndian.Uint32(buf[:])
	return Header{
		Last:   word&0x80000000 != 0,
		Length: word & 0x7fffffff,
	}, nil
}

// PutHeader encodes a fragment header into buf[0:4].
func PutHeader(buf []byte, last bool, length uint32) {
	word := length & 0x7fffffff
	if last {
		word |= 0x80000000
	}
	binary.BigEndian.PutUint32(buf, word)
}

// Reader reassembles a sequence of fragments on a stream transport into
// whole records. A single Reader is reused across records on one
// connection; each call to ReadRecord blocks until the last fragment of the
// next record arrives.
type Reader struct {
	r io.Reader
}

// NewReader wraps a stream reader (typically a net.Conn) for record
// reassembly.
func NewReader(r io.Reader) *Reader { return &Reader{r: r} }

// ReadRecord reads one complete record, reassembling fragments as needed.
// The returned slice is drawn from the shared buffer pool (pkg/bufpool) and
// must be released with bufpool.Put once the caller is done decoding it.
func (fr *Reader) ReadRecord() ([]byte, error) {
	hdr, err := ReadHeader(fr.r)
	if err != nil {
		return nil, err
	}
	if hdr.Length > MaxRecordSize {
		return nil, &RecordTooLarge{Size: hdr.Length}
	}

	// Fast path: a single-fragment record needs no reassembly buffer beyond
	// the pooled destination itself.
	if hdr.Last {
		return readInto(fr.r, hdr.Length)
	}

	record := bufpool.Get(int(hdr.Length))
	if _, err := io.ReadFull(fr.r, record); err != nil {
		bufpool.Put(record)
		return nil, fmt.Errorf("rpcframe: read fragment: %w", err)
	}
	total := uint64(hdr.Length)

	for {
		hdr, err = ReadHeader(fr.r)
		if err != nil {
			bufpool.Put(record)
			return nil, fmt.Errorf("rpcframe: read fragment header: %w", err)
		}
		total += uint64(hdr.Length)
		if total > MaxRecordSize {
			bufpool.Put(record)
			return nil, &RecordTooLarge{Size: uint32(total)}
		}
		grown := bufpool.Get(int(total))
		copy(grown, record)
		bufpool.Put(record)
		record = grown
		if _, err := io.ReadFull(fr.r, record[total-uint64(hdr.Length):]); err != nil {
			bufpool.Put(record)
			return nil, fmt.Errorf("rpcframe: read fragment: %w", err)
		}
		if hdr.Last {
			return record, nil
		}
	}
}

func readInto(r io.Reader, length uint32) ([]byte, error) {
	buf := bufpool.Get(int(length))
	if _, err := io.ReadFull(r, buf); err != nil {
		bufpool.Put(buf)
		return nil, fmt.Errorf("rpcframe: read fragment: %w", err)
	}
	return buf, nil
}

// Writer emits a record as a single fragment. Callers that need to bound
// per-fragment size for flow control can call WriteFragment directly with
// last=false for every fragment but the record's final one.
type Writer struct {
	w io.Writer
}

// NewWriter wraps a stream writer for framed record output.
func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

// WriteRecord writes payload as a single, last fragment.
func (fw *Writer) WriteRecord(payload []byte) error {
	return fw.WriteFragment(payload, true)
}

// WriteFragment writes one fragment of payload, with the last-fragment bit
// set per last.
func (fw *Writer) WriteFragment(payload []byte, last bool) error {
	var hdr [4]byte
	PutHeader(hdr[:], last, uint32(len(payload)))
	if _, err := fw.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("rpcframe: write fragment header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := fw.w.Write(payload); err != nil {
		return fmt.Errorf("rpcframe: write fragment: %w", err)
	}
	return nil
}
