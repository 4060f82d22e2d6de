package crypto

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	eth_crypto "github.com/ethereum/go-ethereum/crypto"
)

func TestGenerateKey(t *testing.T) {
	signer, err := GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	if signer.Address() == (common.Address{}) {
		t.Error("generated zero address")
	}

	// 32 bytes, no prefix
	if privHex := signer.PrivateKeyHex(); len(privHex) != 64 {
		t.Errorf("private key hex length = %d, want 64", len(privHex))
	}
}

func TestFromPrivateKeyHex(t *testing.T) {
	signer1, _ := GenerateKey()
	privHex := signer1.PrivateKeyHex()

	signer2, err := FromPrivateKeyHex(privHex)
	if err != nil {
		t.Fatalf("failed to load key: %v", err)
	}
	if signer2.Address() != signer1.Address() {
		t.Errorf("address = %s, want %s", signer2.Address().Hex(), signer1.Address().Hex())
	}

	if _, err := FromPrivateKeyHex("zz"); err == nil {
		t.Error("garbage key should not parse")
	}
}

func TestSignPayloadAndVerify(t *testing.T) {
	signer, _ := GenerateKey()
	payload := []byte("create escrow 0x01")

	signature, err := signer.Sign(payload)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	if len(signature) != 65 {
		t.Errorf("signature length = %d, want 65", len(signature))
	}

	if !VerifyPayload(signer.Address(), payload, signature) {
		t.Error("payload signature did not verify")
	}

	// Sign hashes with Keccak256 before signing
	hash := eth_crypto.Keccak256Hash(payload).Bytes()
	if !VerifySignature(signer.Address(), hash, signature) {
		t.Error("signature should verify against keccak digest")
	}

	wrongAddr := common.HexToAddress("0x0000000000000000000000000000000000000001")
	if VerifyPayload(wrongAddr, payload, signature) {
		t.Error("signature should not verify with wrong address")
	}
	if VerifyPayload(signer.Address(), []byte("create escrow 0x02"), signature) {
		t.Error("signature should not verify a different payload")
	}
}

func TestRecoverAddress(t *testing.T) {
	signer, _ := GenerateKey()
	hash := eth_crypto.Keccak256([]byte("Test message"))

	signature, err := signer.SignHash(hash)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}

	recovered, err := RecoverAddress(hash, signature)
	if err != nil {
		t.Fatalf("failed to recover address: %v", err)
	}
	if recovered != signer.Address() {
		t.Errorf("recovered address = %s, want %s", recovered.Hex(), signer.Address().Hex())
	}
}

func TestSignHashRejectsShortDigest(t *testing.T) {
	signer, _ := GenerateKey()
	if _, err := signer.SignHash([]byte("short")); err == nil {
		t.Error("expected error for non-32-byte digest")
	}
}

func TestGenerateNonce(t *testing.T) {
	nonce1, err := GenerateNonce()
	if err != nil {
		t.Fatalf("failed to generate nonce: %v", err)
	}
	nonce2, err := GenerateNonce()
	if err != nil {
		t.Fatalf("failed to generate second nonce: %v", err)
	}
	if nonce1 == nonce2 {
		t.Error("generated identical nonces (unlikely but possible - retry test)")
	}
}

func TestInvalidSignature(t *testing.T) {
	signer, _ := GenerateKey()
	hash := common.BytesToHash([]byte("test")).Bytes()

	if VerifySignature(signer.Address(), hash, []byte{1, 2, 3}) {
		t.Error("invalid signature should not verify")
	}
	if VerifySignature(signer.Address(), []byte("short"), make([]byte, 65)) {
		t.Error("invalid hash should not verify")
	}
}

func TestBLSSignAndVerify(t *testing.T) {
	seed := make([]byte, 32)
	seed[0] = 7
	s1, err := NewBLSSignerFromSeed(seed)
	if err != nil {
		t.Fatalf("NewBLSSignerFromSeed: %v", err)
	}
	s2, err := NewBLSSignerFromSeed(seed)
	if err != nil {
		t.Fatalf("NewBLSSignerFromSeed: %v", err)
	}
	if s1.Account() != s2.Account() {
		t.Fatal("same seed must give the same account")
	}

	payload := []byte("refund escrow")
	sig, err := s1.Sign(payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !VerifyBLS(s1.Account(), payload, sig) {
		t.Error("bls signature did not verify")
	}
	if VerifyBLS(s1.Account(), []byte("resolve escrow"), sig) {
		t.Error("bls signature verified a different payload")
	}

	other, err := GenerateBLSKey()
	if err != nil {
		t.Fatalf("GenerateBLSKey: %v", err)
	}
	if VerifyBLS(other.Account(), payload, sig) {
		t.Error("bls signature verified under another account")
	}
	if VerifyBLS("not-hex", payload, sig) {
		t.Error("malformed account must not verify")
	}
}

func TestBLSRejectsShortSeed(t *testing.T) {
	if _, err := NewBLSSignerFromSeed([]byte("short")); err == nil {
		t.Error("expected error for short seed")
	}
}
