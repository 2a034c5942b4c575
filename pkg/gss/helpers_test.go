package gss

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	krbTypes "github.com/jcmturner/gokrb5/v8/types"

	"github.com/oncrpcd/oncrpc/pkg/xdr"
)

// testSessionKey returns a deterministic AES128-CTS-HMAC-SHA1-96 key for
// tests that need real key material without a KDC.
func testSessionKey() krbTypes.EncryptionKey {
	key := krbTypes.EncryptionKey{KeyType: 17, KeyValue: make([]byte, 16)}
	for i := range key.KeyValue {
		key.KeyValue[i] = byte(i + 1)
	}
	return key
}

// writeOpaque appends data to buf as an XDR opaque<> value, via pkg/xdr.
func writeOpaque(buf *bytes.Buffer, data []byte) error {
	sink := xdr.NewSliceSink(0)
	enc := xdr.NewEncoder(sink)
	if err := enc.PutOpaque(data, 1<<20); err != nil {
		return err
	}
	buf.Write(sink.(interface{ Bytes() []byte }).Bytes())
	return nil
}

// readXDROpaque reads one XDR opaque<> value from r, advancing it past the
// value's length, data, and padding. Hand-rolled rather than via pkg/xdr
// since these tests model a client reading the wire format byte by byte.
func readXDROpaque(r *bytes.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("read opaque length: %w", err)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read opaque data: %w", err)
	}
	if pad := (4 - length%4) % 4; pad > 0 {
		if _, err := r.Seek(int64(pad), io.SeekCurrent); err != nil {
			return nil, fmt.Errorf("skip opaque padding: %w", err)
		}
	}
	return data, nil
}
