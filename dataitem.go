package bundler

import (
	"bufio"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
)

// B64 is the id alphabet: URL-safe base64 without padding. 32 hash bytes
// encode to the 43 characters of an ItemID/TxID.
var B64 = base64.RawURLEncoding

// SignatureMeta gives the byte lengths a signature type dictates.
type SignatureMeta struct {
	Name        string
	SigLength   int
	OwnerLength int
}

// Signature types of the data item wire format.
const (
	SignatureArweave  = 1
	SignatureEd25519  = 2
	SignatureEthereum = 3
	SignatureSolana   = 4
)

var signatureMetas = map[int]SignatureMeta{
	SignatureArweave:  {Name: "arweave", SigLength: 512, OwnerLength: 512},
	SignatureEd25519:  {Name: "ed25519", SigLength: 64, OwnerLength: 32},
	SignatureEthereum: {Name: "ethereum", SigLength: 65, OwnerLength: 65},
	SignatureSolana:   {Name: "solana", SigLength: 64, OwnerLength: 32},
}

// SignatureMetaOf returns the length table entry for a signature type.
func SignatureMetaOf(sigType int) (SignatureMeta, error) {
	m, ok := signatureMetas[sigType]
	if !ok {
		return SignatureMeta{}, Error{Code: BadInput, Err: fmt.Errorf("unknown signature type %d", sigType)}
	}
	return m, nil
}

// DataItemID derives the item id: URL-safe base64 of SHA-256 of the raw signature.
func DataItemID(signature []byte) ItemID {
	h := sha256.Sum256(signature)
	return ItemID(B64.EncodeToString(h[:]))
}

// OwnerAddressOf derives the 43-char owner address from the raw owner key bytes.
func OwnerAddressOf(owner []byte) string {
	h := sha256.Sum256(owner)
	return B64.EncodeToString(h[:])
}

// DataItemHeader is the parsed envelope of a raw data item blob, everything
// ahead of the payload bytes.
type DataItemHeader struct {
	SignatureType int
	Signature     []byte
	Owner         []byte
	Target        []byte
	Anchor        []byte
	NumTags       int64
	TagsBytes     []byte
	// PayloadDataStart is the byte offset within the raw blob where the
	// payload begins.
	PayloadDataStart int64
}

// ID returns the content-derived data item id.
func (h DataItemHeader) ID() ItemID {
	return DataItemID(h.Signature)
}

// OwnerAddress returns the 43-char address of the signing key.
func (h DataItemHeader) OwnerAddress() string {
	return OwnerAddressOf(h.Owner)
}

// OwnerPublicKey returns the owner key in the id alphabet.
func (h DataItemHeader) OwnerPublicKey() string {
	return B64.EncodeToString(h.Owner)
}

const maxTagsBytes = 1 << 20 // sanity cap well above any legitimate tag section

// ParseDataItemHeader reads the data item envelope off r. It may read ahead of
// the envelope; callers wanting the payload re-open the blob at
// PayloadDataStart. All integer fields are little-endian.
func ParseDataItemHeader(r io.Reader) (DataItemHeader, error) {
	br := bufio.NewReader(r)
	var h DataItemHeader
	var n int64

	var sigType [2]byte
	if _, err := io.ReadFull(br, sigType[:]); err != nil {
		return h, Error{Code: BadInput, Err: fmt.Errorf("reading signature type, details: %v", err)}
	}
	n += 2
	h.SignatureType = int(binary.LittleEndian.Uint16(sigType[:]))
	meta, err := SignatureMetaOf(h.SignatureType)
	if err != nil {
		return h, err
	}

	h.Signature = make([]byte, meta.SigLength)
	if _, err := io.ReadFull(br, h.Signature); err != nil {
		return h, Error{Code: BadInput, Err: fmt.Errorf("reading signature, details: %v", err)}
	}
	n += int64(meta.SigLength)

	h.Owner = make([]byte, meta.OwnerLength)
	if _, err := io.ReadFull(br, h.Owner); err != nil {
		return h, Error{Code: BadInput, Err: fmt.Errorf("reading owner, details: %v", err)}
	}
	n += int64(meta.OwnerLength)

	for _, field := range []*[]byte{&h.Target, &h.Anchor} {
		present, err := br.ReadByte()
		if err != nil {
			return h, Error{Code: BadInput, Err: fmt.Errorf("reading presence byte, details: %v", err)}
		}
		n++
		switch present {
		case 0:
		case 1:
			*field = make([]byte, 32)
			if _, err := io.ReadFull(br, *field); err != nil {
				return h, Error{Code: BadInput, Err: fmt.Errorf("reading optional field, details: %v", err)}
			}
			n += 32
		default:
			return h, Error{Code: BadInput, Err: fmt.Errorf("invalid presence byte %d", present)}
		}
	}

	var counts [16]byte
	if _, err := io.ReadFull(br, counts[:]); err != nil {
		return h, Error{Code: BadInput, Err: fmt.Errorf("reading tag counts, details: %v", err)}
	}
	n += 16
	h.NumTags = int64(binary.LittleEndian.Uint64(counts[:8]))
	tagsBytes := int64(binary.LittleEndian.Uint64(counts[8:]))
	if tagsBytes < 0 || tagsBytes > maxTagsBytes {
		return h, Error{Code: BadInput, Err: fmt.Errorf("tags section of %d bytes exceeds cap", tagsBytes)}
	}
	if h.NumTags > 0 && tagsBytes == 0 {
		return h, Error{Code: BadInput, Err: fmt.Errorf("%d tags declared but zero tag bytes", h.NumTags)}
	}

	h.TagsBytes = make([]byte, tagsBytes)
	if _, err := io.ReadFull(br, h.TagsBytes); err != nil {
		return h, Error{Code: BadInput, Err: fmt.Errorf("reading tags, details: %v", err)}
	}
	n += tagsBytes

	h.PayloadDataStart = n
	return h, nil
}
