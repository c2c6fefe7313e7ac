package proof

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestMatches(t *testing.T) {
	t.Parallel()

	condition := Hash([]byte("delivery-receipt-42"))
	if !Matches(condition, []byte("delivery-receipt-42")) {
		t.Fatal("expected proof to match")
	}
	if Matches(condition, []byte("delivery-receipt-43")) {
		t.Fatal("expected mismatch")
	}
	if !Matches(common.Hash{}, nil) {
		t.Fatal("zero condition must accept any proof")
	}
}

func TestPersonalSignVerifierRecoversSigner(t *testing.T) {
	t.Parallel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := crypto.PubkeyToAddress(key.PublicKey)
	message := RequestDigest("POST", "/api/v1/payments", "1700000000", []byte(`{"amount":"1"}`))

	sig, err := crypto.Sign(accounts.TextHash(message), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[crypto.RecoveryIDOffset] += 27

	verifier := PersonalSignVerifier{}
	if err := Verify(verifier, signer, message, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}

	other := common.HexToAddress("0x1234")
	if err := Verify(verifier, other, message, sig); !errors.Is(err, ErrSignerMismatch) {
		t.Fatalf("expected signer mismatch, got %v", err)
	}

	tampered := RequestDigest("POST", "/api/v1/payments", "1700000001", []byte(`{"amount":"1"}`))
	if err := Verify(verifier, signer, tampered, sig); err == nil {
		t.Fatal("expected tampered message to fail")
	}

	if _, err := verifier.Recover(message, sig[:10]); !errors.Is(err, ErrMalformedSignature) {
		t.Fatalf("expected malformed signature, got %v", err)
	}
}
