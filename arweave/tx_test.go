package arweave

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"testing"
)

func testWallet(t *testing.T) *Wallet {
	t.Helper()
	// 2048 bits keeps the test fast; tx signing is key-size agnostic.
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return &Wallet{PrivateKey: key}
}

func TestDeepHashKnownShape(t *testing.T) {
	// Same input, same hash; blob vs single-element list must differ.
	b := DeepHash(Blob([]byte("abc")))
	if b != DeepHash(Blob([]byte("abc"))) {
		t.Fatal("deep hash must be deterministic")
	}
	l := DeepHash(List(Blob([]byte("abc"))))
	if b == l {
		t.Fatal("blob and list hashes must differ")
	}
}

func TestTransactionSignVerify(t *testing.T) {
	w := testWallet(t)
	tree, err := ChunkData(bytes.NewReader(bytes.Repeat([]byte{9}, 1024)))
	if err != nil {
		t.Fatal(err)
	}
	root := tree.DataRoot()
	tx := &Transaction{
		Format:   2,
		LastTx:   B64.EncodeToString(bytes.Repeat([]byte{5}, 32)),
		Tags:     []Tag{{Name: "Bundle-Format", Value: "binary"}, {Name: "Bundle-Version", Value: "2.0.0"}},
		Quantity: "0",
		DataSize: tree.DataSize,
		DataRoot: root[:],
		Reward:   "1000",
	}
	if err := tx.Sign(w); err != nil {
		t.Fatal(err)
	}
	if len(tx.ID) != 43 {
		t.Errorf("got id length %d, want 43", len(tx.ID))
	}
	wantID := sha256.Sum256(tx.Signature)
	if tx.ID != B64.EncodeToString(wantID[:]) {
		t.Error("tx id must be the signature hash")
	}
	if err := tx.Verify(); err != nil {
		t.Errorf("signature must verify, details: %v", err)
	}
	// Tampering must break verification.
	tx.Reward = "1001"
	if err := tx.Verify(); err == nil {
		t.Error("tampered tx must not verify")
	}
}

func TestGatewayMarshalRoundTrip(t *testing.T) {
	w := testWallet(t)
	root := bytes.Repeat([]byte{1}, 32)
	tx := &Transaction{
		Format:   2,
		LastTx:   B64.EncodeToString(bytes.Repeat([]byte{2}, 32)),
		Tags:     []Tag{{Name: "App-Name", Value: "bundler"}},
		Quantity: "10",
		Target:   B64.EncodeToString(bytes.Repeat([]byte{3}, 32)),
		DataSize: 77,
		DataRoot: root,
		Reward:   "99",
	}
	if err := tx.Sign(w); err != nil {
		t.Fatal(err)
	}
	g := tx.MarshalGateway()
	back, err := UnmarshalGateway(g)
	if err != nil {
		t.Fatal(err)
	}
	if back.ID != tx.ID || back.DataSize != tx.DataSize || back.Reward != tx.Reward {
		t.Errorf("round trip mismatch")
	}
	if len(back.Tags) != 1 || back.Tags[0].Name != "App-Name" {
		t.Errorf("tags must survive the trip, got %+v", back.Tags)
	}
	if err := back.Verify(); err != nil {
		t.Errorf("round-tripped tx must still verify, details: %v", err)
	}
}

func TestBundleHeaderRoundTrip(t *testing.T) {
	id1 := B64.EncodeToString(bytes.Repeat([]byte{0xaa}, 32))
	id2 := B64.EncodeToString(bytes.Repeat([]byte{0xbb}, 32))
	entries := []BundleEntry{{Size: 10, ID: id1}, {Size: 2048, ID: id2}}

	var buf bytes.Buffer
	n, err := WriteBundleHeader(&buf, entries)
	if err != nil {
		t.Fatal(err)
	}
	if n != BundleHeaderSize(2) {
		t.Errorf("wrote %d header bytes, want %d", n, BundleHeaderSize(2))
	}
	back, err := ReadBundleHeader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(back) != 2 || back[0] != entries[0] || back[1] != entries[1] {
		t.Errorf("round trip mismatch: %+v", back)
	}
}

func TestWalletAddress(t *testing.T) {
	w := testWallet(t)
	if len(w.Address()) != 43 {
		t.Errorf("got address length %d, want 43", len(w.Address()))
	}
	pub, err := PublicKeyFromOwner(w.Owner())
	if err != nil {
		t.Fatal(err)
	}
	if pub.N.Cmp(w.PrivateKey.PublicKey.N) != 0 {
		t.Error("owner bytes must reconstruct the modulus")
	}
}
