package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"

	"github.com/quietpay/quietpay/pkg/crypt"
)

// ErrIdentityVerificationFailed is returned when a claimed signer does not
// match the encrypted identity on record, or the signature is invalid.
var ErrIdentityVerificationFailed = errors.New("identity: verification failed")

// Digest condenses a public key into the 64-bit identity digest stored in
// encrypted form on ledger entries. The full key is never persisted.
func Digest(pub ed25519.PublicKey) uint64 {
	sum := sha256.Sum256(pub)
	return binary.BigEndian.Uint64(sum[:8])
}

// EncryptIdentity seals the identity digest of a public key for the given
// owner tag. Done once at onboarding; the plaintext digest is discarded.
func EncryptIdentity(engine *crypt.Engine, pub ed25519.PublicKey, owner crypt.OwnerTag) (crypt.Value, error) {
	return engine.Encrypt(Digest(pub), owner)
}

// VerifyIdentity checks that the claimed signer matches the encrypted
// identity on record. The signature over the challenge proves possession of
// the key; the decrypted digest proves the key is the one enrolled. Both
// must hold. Decryption happens under the caller's authorization, so an
// unauthorized caller cannot use this as a decryption oracle.
func VerifyIdentity(
	engine *crypt.Engine,
	encryptedIdentity crypt.Value,
	claimed ed25519.PublicKey,
	challenge []byte,
	sig []byte,
	auth crypt.Authorization,
) error {
	if len(claimed) != ed25519.PublicKeySize {
		return ErrIdentityVerificationFailed
	}
	if !ed25519.Verify(claimed, challenge, sig) {
		return ErrIdentityVerificationFailed
	}

	stored, err := engine.Decrypt(encryptedIdentity, auth)
	if err != nil {
		return err
	}

	var want, got [8]byte
	binary.BigEndian.PutUint64(want[:], stored)
	binary.BigEndian.PutUint64(got[:], Digest(claimed))
	if subtle.ConstantTimeCompare(want[:], got[:]) != 1 {
		return ErrIdentityVerificationFailed
	}
	return nil
}
