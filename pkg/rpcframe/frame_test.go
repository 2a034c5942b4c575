package rpcframe

import (
	"bytes"
	"io"
	"testing"

	"github.com/oncrpcd/oncrpc/pkg/bufpool"
)

func TestReadRecordSingleFragment(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	payload := []byte("hello rpc")
	if err := w.WriteRecord(payload); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}

	r := NewReader(&buf)
	record, err := r.ReadRecord()
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	defer bufpool.Put(record)
	if !bytes.Equal(record, payload) {
		t.Fatalf("got %q, want %q", record, payload)
	}
}

func TestReadRecordMultiFragment(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	part1 := []byte("first part ")
	part2 := []byte("second part")
	if err := w.WriteFragment(part1, false); err != nil {
		t.Fatalf("WriteFragment 1: %v", err)
	}
	if err := w.WriteFragment(part2, true); err != nil {
		t.Fatalf("WriteFragment 2: %v", err)
	}

	r := NewReader(&buf)
	record, err := r.ReadRecord()
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	defer bufpool.Put(record)
	want := append(append([]byte{}, part1...), part2...)
	if !bytes.Equal(record, want) {
		t.Fatalf("got %q, want %q", record, want)
	}
}

func TestReadRecordOversized(t *testing.T) {
	var hdr [4]byte
	PutHeader(hdr[:], true, MaxRecordSize+1)
	r := NewReader(bytes.NewReader(hdr[:]))
	_, err := r.ReadRecord()
	if err == nil {
		t.Fatalf("expected RecordTooLarge, got nil")
	}
	var tooLarge *RecordTooLarge
	if ok := asRecordTooLarge(err, &tooLarge); !ok {
		t.Fatalf("expected *RecordTooLarge, got %T: %v", err, err)
	}
}

func asRecordTooLarge(err error, target **RecordTooLarge) bool {
	if e, ok := err.(*RecordTooLarge); ok {
		*target = e
		return true
	}
	return false
}

func TestReadRecordTruncated(t *testing.T) {
	var hdr [4]byte
	PutHeader(hdr[:], true, 10)
	r := NewReader(bytes.NewReader(append(hdr[:], []byte("short")...)))
	_, err := r.ReadRecord()
	if err == nil {
		t.Fatalf("expected an error for truncated fragment")
	}
	if err == io.EOF {
		t.Fatalf("truncated fragment should be wrapped, not bare io.EOF")
	}
}

func TestReadHeaderEOF(t *testing.T) {
	_, err := ReadHeader(bytes.NewReader(nil))
	if err != io.EOF {
		t.Fatalf("expected bare io.EOF on clean disconnect, got %v", err)
	}
}
