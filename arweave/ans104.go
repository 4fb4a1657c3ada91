package arweave

import (
	"encoding/binary"
	"fmt"
	"io"
)

// BundleEntry is one data item's slot in the ANS-104 container header.
type BundleEntry struct {
	// Size is the raw byte count of the item.
	Size int64
	// ID is the 43-char data item id.
	ID string
}

// BundleHeaderSize returns the container header length for n items:
// a 32-byte item count plus a 64-byte (size, id) pair per item.
func BundleHeaderSize(n int) int64 {
	return 32 + 64*int64(n)
}

// WriteBundleHeader writes the ANS-104 container header. Numbers are 32-byte
// little-endian; ids are the raw 32 hash bytes.
func WriteBundleHeader(w io.Writer, entries []BundleEntry) (int64, error) {
	var count [32]byte
	binary.LittleEndian.PutUint64(count[:8], uint64(len(entries)))
	if _, err := w.Write(count[:]); err != nil {
		return 0, fmt.Errorf("writing item count, details: %v", err)
	}
	written := int64(32)
	for _, e := range entries {
		var size [32]byte
		binary.LittleEndian.PutUint64(size[:8], uint64(e.Size))
		if _, err := w.Write(size[:]); err != nil {
			return written, fmt.Errorf("writing entry size, details: %v", err)
		}
		raw, err := B64.DecodeString(e.ID)
		if err != nil || len(raw) != 32 {
			return written, fmt.Errorf("invalid data item id %q", e.ID)
		}
		if _, err := w.Write(raw); err != nil {
			return written, fmt.Errorf("writing entry id, details: %v", err)
		}
		written += 64
	}
	return written, nil
}

// ReadBundleHeader parses a container header off r. Used by tests and tooling
// that unpack bundles.
func ReadBundleHeader(r io.Reader) ([]BundleEntry, error) {
	var count [32]byte
	if _, err := io.ReadFull(r, count[:]); err != nil {
		return nil, fmt.Errorf("reading item count, details: %v", err)
	}
	n := binary.LittleEndian.Uint64(count[:8])
	entries := make([]BundleEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		var pair [64]byte
		if _, err := io.ReadFull(r, pair[:]); err != nil {
			return nil, fmt.Errorf("reading entry %d, details: %v", i, err)
		}
		entries = append(entries, BundleEntry{
			Size: int64(binary.LittleEndian.Uint64(pair[:8])),
			ID:   B64.EncodeToString(pair[32:]),
		})
	}
	return entries, nil
}
