package arweave

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
)

// Wallet is the bundler's on-chain identity: an RSA-4096 keypair in JWK form.
type Wallet struct {
	PrivateKey *rsa.PrivateKey
}

type jwk struct {
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
	D   string `json:"d"`
	P   string `json:"p"`
	Q   string `json:"q"`
	DP  string `json:"dp,omitempty"`
	DQ  string `json:"dq,omitempty"`
	QI  string `json:"qi,omitempty"`
}

// LoadWallet reads a JWK wallet file.
func LoadWallet(path string) (*Wallet, error) {
	ba, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading wallet file %s, details: %v", path, err)
	}
	return ParseWallet(ba)
}

// ParseWallet parses a JWK wallet.
func ParseWallet(ba []byte) (*Wallet, error) {
	var k jwk
	if err := json.Unmarshal(ba, &k); err != nil {
		return nil, fmt.Errorf("parsing wallet JWK, details: %v", err)
	}
	if k.Kty != "RSA" {
		return nil, fmt.Errorf("unsupported wallet key type %q", k.Kty)
	}
	n, err := b64Int(k.N)
	if err != nil {
		return nil, fmt.Errorf("wallet modulus, details: %v", err)
	}
	e, err := b64Int(k.E)
	if err != nil {
		return nil, fmt.Errorf("wallet exponent, details: %v", err)
	}
	d, err := b64Int(k.D)
	if err != nil {
		return nil, fmt.Errorf("wallet private exponent, details: %v", err)
	}
	p, err := b64Int(k.P)
	if err != nil {
		return nil, fmt.Errorf("wallet prime p, details: %v", err)
	}
	q, err := b64Int(k.Q)
	if err != nil {
		return nil, fmt.Errorf("wallet prime q, details: %v", err)
	}
	key := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: n, E: int(e.Int64())},
		D:         d,
		Primes:    []*big.Int{p, q},
	}
	key.Precompute()
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("wallet key invalid, details: %v", err)
	}
	return &Wallet{PrivateKey: key}, nil
}

// GenerateWallet mints a fresh RSA-4096 wallet; used by tests and tooling.
func GenerateWallet() (*Wallet, error) {
	key, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return nil, fmt.Errorf("generating wallet, details: %v", err)
	}
	return &Wallet{PrivateKey: key}, nil
}

// Owner returns the raw public modulus bytes, the tx owner field.
func (w *Wallet) Owner() []byte {
	return w.PrivateKey.PublicKey.N.Bytes()
}

// Address returns the 43-char wallet address: base64url(SHA-256(owner)).
func (w *Wallet) Address() string {
	h := sha256.Sum256(w.Owner())
	return B64.EncodeToString(h[:])
}

// PublicKeyFromOwner reconstructs the RSA public key from raw owner bytes.
func PublicKeyFromOwner(owner []byte) (*rsa.PublicKey, error) {
	if len(owner) == 0 {
		return nil, fmt.Errorf("empty owner")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(owner), E: 65537}, nil
}

func b64Int(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("missing field")
	}
	ba, err := B64.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(ba), nil
}
