package arweave

import (
	"bytes"
	"testing"
)

func TestChunkDataBoundaries(t *testing.T) {
	cases := []struct {
		name      string
		size      int
		numChunks int
	}{
		{"empty", 0, 1},
		{"small", 100, 1},
		{"exactly one chunk", MaxChunkSize, 1},
		{"just over one chunk rebalances", MaxChunkSize + 1, 2},
		{"two full chunks", 2 * MaxChunkSize, 2},
		{"two chunks plus large remainder", 2*MaxChunkSize + MinChunkSize, 3},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			data := bytes.Repeat([]byte{0x5a}, c.size)
			tree, err := ChunkData(bytes.NewReader(data))
			if err != nil {
				t.Fatal(err)
			}
			if len(tree.Chunks) != c.numChunks {
				t.Fatalf("got %d chunks, want %d", len(tree.Chunks), c.numChunks)
			}
			if tree.DataSize != int64(c.size) {
				t.Fatalf("got data size %d, want %d", tree.DataSize, c.size)
			}
			// Chunks tile the payload with no gaps and no short middles.
			var off int64
			for i, ch := range tree.Chunks {
				if ch.MinByteRange != off {
					t.Fatalf("chunk %d starts at %d, want %d", i, ch.MinByteRange, off)
				}
				if ch.MaxByteRange-ch.MinByteRange > MaxChunkSize {
					t.Fatalf("chunk %d exceeds max size", i)
				}
				if c.size > 0 && i == len(tree.Chunks)-1 && len(tree.Chunks) > 1 &&
					ch.MaxByteRange-ch.MinByteRange < MinChunkSize {
					t.Fatalf("last chunk of %d bytes is under the minimum", ch.MaxByteRange-ch.MinByteRange)
				}
				off = ch.MaxByteRange
			}
			if off != int64(c.size) {
				t.Fatalf("chunks cover %d bytes, want %d", off, c.size)
			}
		})
	}
}

func TestDataRootDeterministic(t *testing.T) {
	data := bytes.Repeat([]byte{7}, MaxChunkSize+5000)
	t1, err := ChunkData(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	t2, err := ChunkData(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if t1.DataRoot() != t2.DataRoot() {
		t.Fatal("data root must be deterministic")
	}
	other, err := ChunkData(bytes.NewReader(append(data, 1)))
	if err != nil {
		t.Fatal(err)
	}
	if t1.DataRoot() == other.DataRoot() {
		t.Fatal("distinct payloads must not share a data root")
	}
}

func TestProofsPerChunk(t *testing.T) {
	data := bytes.Repeat([]byte{3}, 3*MaxChunkSize+MinChunkSize)
	tree, err := ChunkData(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	proofs := tree.Proofs()
	if len(proofs) != len(tree.Chunks) {
		t.Fatalf("got %d proofs for %d chunks", len(proofs), len(tree.Chunks))
	}
	for i, p := range proofs {
		if p.Offset != tree.Chunks[i].MaxByteRange-1 {
			t.Errorf("proof %d offset %d, want %d", i, p.Offset, tree.Chunks[i].MaxByteRange-1)
		}
		if len(p.DataPath) == 0 {
			t.Errorf("proof %d has empty path", i)
		}
	}
}
