package arweave

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// MaxChunkSize is the chunk size data is split into for the merkle tree.
	MaxChunkSize = 256 * 1024
	// MinChunkSize bounds the last chunk; a smaller remainder rebalances the
	// final two chunks.
	MinChunkSize = 32 * 1024

	noteSize = 32
	hashSize = 32
)

// Chunk is one leaf of the data merkle tree.
type Chunk struct {
	DataHash [hashSize]byte
	// MinByteRange and MaxByteRange are the chunk's [start, end) offsets.
	MinByteRange int64
	MaxByteRange int64
}

// ChunkProof is what the gateway wants alongside each uploaded chunk.
type ChunkProof struct {
	// Offset is the chunk's end offset minus one, per the chunk upload API.
	Offset int64
	// DataPath is the merkle inclusion proof.
	DataPath []byte
}

// ChunkTree is the computed merkle tree over a payload. It retains hashes and
// boundaries only, never chunk data, so it is safe to hold for huge payloads.
type ChunkTree struct {
	DataSize int64
	Chunks   []Chunk
	root     *merkleNode
}

type merkleNode struct {
	id           [hashSize]byte
	byteRange    int64 // split point for branches, end offset for leaves
	maxByteRange int64
	leftChild    *merkleNode
	rightChild   *merkleNode
	leaf         *Chunk
}

// ChunkData splits the stream into chunks and builds the merkle tree.
// The reader is consumed fully; only hashes are retained.
func ChunkData(r io.Reader) (*ChunkTree, error) {
	t := &ChunkTree{}
	buf := make([]byte, 0, 2*MaxChunkSize)
	tmp := make([]byte, 64*1024)
	eof := false
	for {
		for !eof && len(buf) < 2*MaxChunkSize {
			n, err := r.Read(tmp)
			if n > 0 {
				buf = append(buf, tmp[:n]...)
			}
			if err == io.EOF {
				eof = true
				break
			}
			if err != nil {
				return nil, fmt.Errorf("reading chunk data, details: %v", err)
			}
		}
		if eof && len(buf) == 0 && len(t.Chunks) > 0 {
			break
		}
		size := MaxChunkSize
		if eof && len(buf) <= MaxChunkSize {
			size = len(buf)
		} else if eof && len(buf) < MaxChunkSize+MinChunkSize {
			// Rebalance so the final chunk is not below the minimum.
			size = (len(buf) + 1) / 2
		}
		t.appendChunk(buf[:size])
		buf = buf[size:]
		if eof && len(buf) == 0 {
			break
		}
	}
	if len(t.Chunks) == 0 {
		// Zero-byte payloads still get one empty chunk.
		t.appendChunk(nil)
	}
	t.root = buildTree(t.leaves())
	return t, nil
}

func (t *ChunkTree) appendChunk(data []byte) {
	start := t.DataSize
	t.DataSize += int64(len(data))
	t.Chunks = append(t.Chunks, Chunk{
		DataHash:     sha256.Sum256(data),
		MinByteRange: start,
		MaxByteRange: t.DataSize,
	})
}

func (t *ChunkTree) leaves() []*merkleNode {
	nodes := make([]*merkleNode, len(t.Chunks))
	for i := range t.Chunks {
		c := &t.Chunks[i]
		noteHash := sha256.Sum256(note(c.MaxByteRange))
		dataHashHash := sha256.Sum256(c.DataHash[:])
		id := sha256.Sum256(append(dataHashHash[:], noteHash[:]...))
		nodes[i] = &merkleNode{
			id:           id,
			byteRange:    c.MaxByteRange,
			maxByteRange: c.MaxByteRange,
			leaf:         c,
		}
	}
	return nodes
}

func buildTree(layer []*merkleNode) *merkleNode {
	for len(layer) > 1 {
		next := make([]*merkleNode, 0, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			if i+1 == len(layer) {
				next = append(next, layer[i])
				continue
			}
			l, r := layer[i], layer[i+1]
			lh := sha256.Sum256(l.id[:])
			rh := sha256.Sum256(r.id[:])
			nh := sha256.Sum256(note(l.maxByteRange))
			id := sha256.Sum256(append(append(lh[:], rh[:]...), nh[:]...))
			next = append(next, &merkleNode{
				id:           id,
				byteRange:    l.maxByteRange,
				maxByteRange: r.maxByteRange,
				leftChild:    l,
				rightChild:   r,
			})
		}
		layer = next
	}
	return layer[0]
}

// DataRoot returns the merkle root committed to in the transaction.
func (t *ChunkTree) DataRoot() [hashSize]byte {
	return t.root.id
}

// Proofs returns one inclusion proof per chunk, in chunk order.
func (t *ChunkTree) Proofs() []ChunkProof {
	out := make([]ChunkProof, 0, len(t.Chunks))
	collectProofs(t.root, nil, &out)
	return out
}

func collectProofs(n *merkleNode, path []byte, out *[]ChunkProof) {
	if n.leaf != nil {
		p := make([]byte, 0, len(path)+hashSize+noteSize)
		p = append(p, path...)
		p = append(p, n.leaf.DataHash[:]...)
		p = append(p, note(n.leaf.MaxByteRange)...)
		*out = append(*out, ChunkProof{Offset: n.leaf.MaxByteRange - 1, DataPath: p})
		return
	}
	branch := make([]byte, 0, len(path)+2*hashSize+noteSize)
	branch = append(branch, path...)
	branch = append(branch, n.leftChild.id[:]...)
	branch = append(branch, n.rightChild.id[:]...)
	branch = append(branch, note(n.byteRange)...)
	collectProofs(n.leftChild, branch, out)
	collectProofs(n.rightChild, branch, out)
}

func note(v int64) []byte {
	b := make([]byte, noteSize)
	binary.BigEndian.PutUint64(b[noteSize-8:], uint64(v))
	return b
}
