package repo

import (
	"log/slog"
	"os"

	"github.com/ProtonMail/gopenpgp/v3/crypto"
	"github.com/cockroachdb/errors"
)

// Verifier checks detached OpenPGP signatures of distribution files.
type Verifier struct {
	pgp *crypto.PGPHandle
	key *crypto.Key
}

// LoadVerifier reads an armored public key from keyPath.
func LoadVerifier(keyPath string) (*Verifier, error) {
	keyBytes, err := os.ReadFile(keyPath) // #nosec G304 - operator supplied key path
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read PGP key from: %s", keyPath)
	}
	return NewVerifier(keyBytes)
}

// NewVerifier builds a Verifier from an armored public key.
func NewVerifier(armored []byte) (*Verifier, error) {
	key, err := crypto.NewKeyFromArmored(string(armored))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse PGP key")
	}
	return &Verifier{pgp: crypto.PGP(), key: key}, nil
}

// KeyID returns the hex ID of the verification key.
func (v *Verifier) KeyID() string {
	return v.key.GetHexKeyID()
}

// VerifyDetached checks an armored detached signature over data.
func (v *Verifier) VerifyDetached(data, signature []byte) error {
	verifier, err := v.pgp.Verify().VerificationKey(v.key).New()
	if err != nil {
		return errors.Wrap(err, "failed to create verifier")
	}

	result, err := verifier.VerifyDetached(data, signature, crypto.Armor)
	if err != nil {
		return errors.Wrap(err, "PGP signature verification failed")
	}
	if sigErr := result.SignatureError(); sigErr != nil {
		return errors.Wrap(sigErr, "PGP signature verification failed")
	}
	return nil
}

// VerifyFile checks the signature file sigPath against the file at path.
func (v *Verifier) VerifyFile(path, sigPath string) error {
	data, err := os.ReadFile(path) // #nosec G304 - file downloaded by this process
	if err != nil {
		return errors.Wrap(err, "failed to read signed file")
	}
	sig, err := os.ReadFile(sigPath) // #nosec G304 - file downloaded by this process
	if err != nil {
		return errors.Wrap(err, "failed to read signature")
	}
	if err := v.VerifyDetached(data, sig); err != nil {
		return errors.Wrapf(err, "file %s", path)
	}
	slog.Info("PGP signature is valid", "path", path, "key_id", v.KeyID())
	return nil
}
