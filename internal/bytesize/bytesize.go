// Package bytesize parses human-readable byte counts for the configuration
// surface: UDP datagram bounds, record-size caps, and channel buffer sizes
// read better as "64Ki" than 65536 in a YAML file.
package bytesize

import (
	"fmt"
	"strconv"
	"strings"
)

// ByteSize is a byte count that unmarshals from strings like "64Ki",
// "100MB", or a bare number of bytes. Binary suffixes (Ki/Mi/Gi/Ti,
// optionally with a trailing B) scale by 1024; decimal ones (K/M/G/T,
// KB/MB/...) by 1000. Suffix matching ignores case and surrounding
// whitespace.
type ByteSize uint64

const (
	B  ByteSize = 1
	KB ByteSize = 1000
	MB ByteSize = 1000 * KB
	GB ByteSize = 1000 * MB
	TB ByteSize = 1000 * GB

	KiB ByteSize = 1024
	MiB ByteSize = 1024 * KiB
	GiB ByteSize = 1024 * MiB
	TiB ByteSize = 1024 * GiB
)

// unitFor resolves a lowercased suffix to its multiplier.
func unitFor(suffix string) (ByteSize, bool) {
	// A trailing "b" is decoration on everything except the bare byte
	// suffix itself: "kib" == "ki", "mb" == "m".
	if len(suffix) > 1 && strings.HasSuffix(suffix, "b") {
		suffix = suffix[:len(suffix)-1]
	}
	switch suffix {
	case "", "b":
		return B, true
	case "k":
		return KB, true
	case "m":
		return MB, true
	case "g":
		return GB, true
	case "t":
		return TB, true
	case "ki":
		return KiB, true
	case "mi":
		return MiB, true
	case "gi":
		return GiB, true
	case "ti":
		return TiB, true
	}
	return 0, false
}

// splitNumberUnit separates the leading numeric part of s from its unit
// suffix, tolerating whitespace between them.
func splitNumberUnit(s string) (number, unit string) {
	i := 0
	for i < len(s) && (s[i] >= '0' && s[i] <= '9' || s[i] == '.') {
		i++
	}
	return s[:i], strings.TrimSpace(s[i:])
}

// ParseByteSize parses a human-readable byte count.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty byte size string")
	}

	numStr, unitStr := splitNumberUnit(s)
	if numStr == "" {
		return 0, fmt.Errorf("invalid byte size format: %q", s)
	}
	multiplier, ok := unitFor(strings.ToLower(unitStr))
	if !ok {
		return 0, fmt.Errorf("unknown byte size unit: %q", unitStr)
	}

	if strings.Contains(numStr, ".") {
		num, err := strconv.ParseFloat(numStr, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number in byte size: %q", numStr)
		}
		return ByteSize(num * float64(multiplier)), nil
	}

	num, err := strconv.ParseUint(numStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number in byte size: %q", numStr)
	}
	return ByteSize(num) * multiplier, nil
}

// UnmarshalText implements encoding.TextUnmarshaler so a ByteSize field
// decodes directly from YAML/mapstructure configuration values.
func (b *ByteSize) UnmarshalText(text []byte) error {
	size, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = size
	return nil
}

// String renders the size with the largest binary unit that keeps the
// number at or above one.
func (b ByteSize) String() string {
	switch {
	case b >= TiB:
		return fmt.Sprintf("%.2fTiB", float64(b)/float64(TiB))
	case b >= GiB:
		return fmt.Sprintf("%.2fGiB", float64(b)/float64(GiB))
	case b >= MiB:
		return fmt.Sprintf("%.2fMiB", float64(b)/float64(MiB))
	case b >= KiB:
		return fmt.Sprintf("%.2fKiB", float64(b)/float64(KiB))
	default:
		return fmt.Sprintf("%dB", b)
	}
}

// Uint64 returns the size as a uint64.
func (b ByteSize) Uint64() uint64 { return uint64(b) }

// Int64 returns the size as an int64; callers validating configuration
// should reject values past 1<<62 rather than rely on this not wrapping.
func (b ByteSize) Int64() int64 { return int64(b) }
