// Package crypto implements the golden-checkpoint signature scheme:
// ed25519 keypair generation, detached signing of a canonical cycle
// commitment, and side-effect-free verification. The secret key is only ever
// passed in for a local sign call; this package never stores or logs it.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/Cognate-Labs/aegis/core/pkg/canonicalize"
	"github.com/Cognate-Labs/aegis/core/pkg/contracts"
)

// ErrSignature marks an invalid or mismatched checkpoint signature.
var ErrSignature = errors.New("signature verification failed")

// Keypair holds a freshly generated signing keypair, hex encoded. The
// secret key is returned exactly once and never persisted by the core.
type Keypair struct {
	PublicKey string `json:"public_key"`
	SecretKey string `json:"secret_key"`
}

// GenerateKeypair produces a fresh ed25519 keypair.
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Keypair{
		PublicKey: hex.EncodeToString(pub),
		SecretKey: hex.EncodeToString(priv),
	}, nil
}

// EncodeCommitment returns the canonical byte encoding of a commitment.
// Sorted keys and fixed field names make the encoding unambiguous, so a
// signature can never be replayed against a different cycle outcome.
func EncodeCommitment(c contracts.Commitment) ([]byte, error) {
	return canonicalize.JCS(c)
}

// SignCommitment signs the canonical commitment encoding with the given hex
// secret key and returns the hex signature.
func SignCommitment(c contracts.Commitment, secretKeyHex string) (string, error) {
	priv, err := hex.DecodeString(secretKeyHex)
	if err != nil {
		return "", fmt.Errorf("invalid secret key hex: %w", err)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("invalid secret key size: %d", len(priv))
	}
	msg, err := EncodeCommitment(c)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(ed25519.Sign(ed25519.PrivateKey(priv), msg)), nil
}

// VerifyCommitment verifies a detached hex signature over the canonical
// commitment encoding against a hex public key. It is a pure function of its
// inputs; failure is reported as ErrSignature.
func VerifyCommitment(c contracts.Commitment, sigHex, publicKeyHex string) error {
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return fmt.Errorf("%w: invalid public key hex", ErrSignature)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: invalid public key size %d", ErrSignature, len(pub))
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("%w: invalid signature hex", ErrSignature)
	}
	msg, err := EncodeCommitment(c)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), msg, sig) {
		return ErrSignature
	}
	return nil
}
