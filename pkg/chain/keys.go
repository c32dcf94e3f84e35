package chain

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
)

// KeyDerivationSeed is the fixed message a wallet signs to derive its
// symmetric encryption key. Same wallet + same seed always yields the same
// key, so the key never needs to be persisted.
const KeyDerivationSeed = "Sign this message to derive your encryption key. This signature never leaves your device."

// MessageSigner is the slice of a wallet DeriveKey needs; *Signer
// satisfies it.
type MessageSigner interface {
	SignMessage(msg []byte) ([]byte, error)
}

// DeriveKey derives a 32-byte symmetric key from the wallet's signature
// over the fixed seed message.
func DeriveKey(signer MessageSigner, seed string) ([]byte, error) {
	if seed == "" {
		seed = KeyDerivationSeed
	}
	sig, err := signer.SignMessage([]byte(seed))
	if err != nil {
		return nil, fmt.Errorf("failed to sign key derivation seed: %w", err)
	}
	return crypto.Keccak256(sig), nil
}

// WrapKey encrypts symKey to the holder of serverPublicKey (uncompressed
// secp256k1 hex) so only the target server can unwrap it.
func WrapKey(symKey []byte, serverPublicKey string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(serverPublicKey, "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid server public key hex: %w", err)
	}
	pub, err := crypto.UnmarshalPubkey(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server public key: %w", err)
	}
	ct, err := ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(pub), symKey, nil, nil)
	if err != nil {
		return "", fmt.Errorf("failed to wrap key: %w", err)
	}
	return "0x" + hex.EncodeToString(ct), nil
}

// UnwrapKey reverses WrapKey given the server's private key. The trusted
// server does this on its side; it lives here so tests can close the loop.
func UnwrapKey(wrapped string, signer *Signer) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(wrapped, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid wrapped key hex: %w", err)
	}
	priv := ecies.ImportECDSA(signer.Key())
	key, err := priv.Decrypt(raw, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap key: %w", err)
	}
	return key, nil
}
