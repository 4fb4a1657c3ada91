package arweave

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
)

// B64 is the wire alphabet of ids and binary tx fields.
var B64 = base64.RawURLEncoding

// Tag is one name/value tag of a transaction.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// EncodeTags base64url-encodes tags for the tx JSON wire shape.
func EncodeTags(tags []Tag) []Tag {
	out := make([]Tag, len(tags))
	for i, t := range tags {
		out[i] = Tag{Name: B64.EncodeToString([]byte(t.Name)), Value: B64.EncodeToString([]byte(t.Value))}
	}
	return out
}

// Transaction is a format-2 chain transaction. Binary fields hold raw bytes;
// MarshalGateway converts to the base64url JSON shape the gateway accepts.
type Transaction struct {
	Format    int    `json:"format"`
	ID        string `json:"id"`
	LastTx    string `json:"last_tx"`
	Owner     []byte `json:"-"`
	Tags      []Tag  `json:"-"`
	Target    string `json:"target"`
	Quantity  string `json:"quantity"`
	DataSize  int64  `json:"-"`
	DataRoot  []byte `json:"-"`
	Reward    string `json:"reward"`
	Signature []byte `json:"-"`
}

// GatewayTx is the JSON wire shape of a transaction header.
type GatewayTx struct {
	Format    int    `json:"format"`
	ID        string `json:"id"`
	LastTx    string `json:"last_tx"`
	Owner     string `json:"owner"`
	Tags      []Tag  `json:"tags"`
	Target    string `json:"target"`
	Quantity  string `json:"quantity"`
	Data      string `json:"data"`
	DataSize  string `json:"data_size"`
	DataRoot  string `json:"data_root"`
	Reward    string `json:"reward"`
	Signature string `json:"signature"`
}

// MarshalGateway returns the JSON wire shape. The header never carries data;
// payloads travel through the chunk upload endpoint.
func (t *Transaction) MarshalGateway() GatewayTx {
	return GatewayTx{
		Format:    t.Format,
		ID:        t.ID,
		LastTx:    t.LastTx,
		Owner:     B64.EncodeToString(t.Owner),
		Tags:      EncodeTags(t.Tags),
		Target:    t.Target,
		Quantity:  t.Quantity,
		Data:      "",
		DataSize:  strconv.FormatInt(t.DataSize, 10),
		DataRoot:  B64.EncodeToString(t.DataRoot),
		Reward:    t.Reward,
		Signature: B64.EncodeToString(t.Signature),
	}
}

// UnmarshalGateway converts the wire shape back to a Transaction.
func UnmarshalGateway(g GatewayTx) (*Transaction, error) {
	owner, err := B64.DecodeString(g.Owner)
	if err != nil {
		return nil, fmt.Errorf("decoding owner, details: %v", err)
	}
	root, err := B64.DecodeString(g.DataRoot)
	if err != nil {
		return nil, fmt.Errorf("decoding data root, details: %v", err)
	}
	sig, err := B64.DecodeString(g.Signature)
	if err != nil {
		return nil, fmt.Errorf("decoding signature, details: %v", err)
	}
	size, err := strconv.ParseInt(g.DataSize, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decoding data size, details: %v", err)
	}
	tags := make([]Tag, len(g.Tags))
	for i, tag := range g.Tags {
		name, err := B64.DecodeString(tag.Name)
		if err != nil {
			return nil, fmt.Errorf("decoding tag name, details: %v", err)
		}
		value, err := B64.DecodeString(tag.Value)
		if err != nil {
			return nil, fmt.Errorf("decoding tag value, details: %v", err)
		}
		tags[i] = Tag{Name: string(name), Value: string(value)}
	}
	return &Transaction{
		Format:    g.Format,
		ID:        g.ID,
		LastTx:    g.LastTx,
		Owner:     owner,
		Tags:      tags,
		Target:    g.Target,
		Quantity:  g.Quantity,
		DataSize:  size,
		DataRoot:  root,
		Reward:    g.Reward,
		Signature: sig,
	}, nil
}

// SignatureData computes the format-2 deep hash the signature covers.
func (t *Transaction) SignatureData() ([48]byte, error) {
	target, err := B64.DecodeString(t.Target)
	if err != nil {
		return [48]byte{}, fmt.Errorf("decoding target, details: %v", err)
	}
	lastTx, err := B64.DecodeString(t.LastTx)
	if err != nil {
		return [48]byte{}, fmt.Errorf("decoding last_tx, details: %v", err)
	}
	tagList := make([]DeepHashChunk, len(t.Tags))
	for i, tag := range t.Tags {
		tagList[i] = List(BlobString(tag.Name), BlobString(tag.Value))
	}
	quantity := t.Quantity
	if quantity == "" {
		quantity = "0"
	}
	reward := t.Reward
	if reward == "" {
		reward = "0"
	}
	dh := DeepHash(List(
		BlobString(strconv.Itoa(t.Format)),
		Blob(t.Owner),
		Blob(target),
		BlobString(quantity),
		BlobString(reward),
		Blob(lastTx),
		DeepHashChunk{List: tagList},
		BlobString(strconv.FormatInt(t.DataSize, 10)),
		Blob(t.DataRoot),
	))
	return dh, nil
}

// Sign signs the transaction with the wallet and fills Owner, Signature and ID.
func (t *Transaction) Sign(w *Wallet) error {
	t.Format = 2
	t.Owner = w.Owner()
	data, err := t.SignatureData()
	if err != nil {
		return err
	}
	sig, err := rsa.SignPSS(rand.Reader, w.PrivateKey, crypto.SHA256, hashOf(data[:]), &rsa.PSSOptions{
		SaltLength: 32,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return fmt.Errorf("signing transaction, details: %v", err)
	}
	t.Signature = sig
	id := sha256.Sum256(sig)
	t.ID = B64.EncodeToString(id[:])
	return nil
}

// Verify checks the signature against the embedded owner key.
func (t *Transaction) Verify() error {
	data, err := t.SignatureData()
	if err != nil {
		return err
	}
	pub, err := PublicKeyFromOwner(t.Owner)
	if err != nil {
		return err
	}
	return rsa.VerifyPSS(pub, crypto.SHA256, hashOf(data[:]), t.Signature, &rsa.PSSOptions{
		SaltLength: 32,
		Hash:       crypto.SHA256,
	})
}

func hashOf(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}
