// Package arweave implements the chain primitives the pipeline needs: the
// deep hash used for transaction signatures, the chunk merkle tree behind
// data_root, format-2 transactions with RSA-PSS signing, JWK wallets and the
// ANS-104 bundle container framing.
package arweave

import (
	"crypto/sha512"
	"strconv"
)

// DeepHashChunk is one element of a deep hash list: either raw bytes or a
// nested list.
type DeepHashChunk struct {
	Blob []byte
	List []DeepHashChunk
}

// Blob wraps raw bytes for deep hashing.
func Blob(b []byte) DeepHashChunk { return DeepHashChunk{Blob: b} }

// BlobString wraps a UTF-8 string for deep hashing.
func BlobString(s string) DeepHashChunk { return DeepHashChunk{Blob: []byte(s)} }

// List wraps a nested list for deep hashing.
func List(items ...DeepHashChunk) DeepHashChunk { return DeepHashChunk{List: items} }

// DeepHash computes the chain's SHA-384 deep hash of a nested structure.
// Blobs hash as H(H("blob"+len) || H(data)); lists fold H("list"+len) over
// the deep hashes of their elements.
func DeepHash(chunk DeepHashChunk) [48]byte {
	if chunk.List == nil {
		tag := []byte("blob" + strconv.Itoa(len(chunk.Blob)))
		tagHash := sha512.Sum384(tag)
		dataHash := sha512.Sum384(chunk.Blob)
		return sha512.Sum384(append(tagHash[:], dataHash[:]...))
	}
	tag := []byte("list" + strconv.Itoa(len(chunk.List)))
	acc := sha512.Sum384(tag)
	for _, c := range chunk.List {
		h := DeepHash(c)
		acc = sha512.Sum384(append(acc[:], h[:]...))
	}
	return acc
}
