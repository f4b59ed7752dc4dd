package ssh

// keys.go covers the two key workflows a run needs: loading the operator's
// private key from disk as an 'ssh.Signer', and deriving the OpenSSH
// ('authorized_keys') form of its public half for the provisioned instance.
//
// ED25519 key generation is kept for throwaway keys (tests and local
// experiments against the in-process server).

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

var (
	ErrKeyGen            = fmt.Errorf("failed to generate a 'crypto/ed25519' keypair")
	ErrKeyRead           = fmt.Errorf("failed to read SSH private key")
	ErrSSHFailedKeyParse = fmt.Errorf("failed to parse SSH private key")
	ErrPrivKeyMarshal    = fmt.Errorf("failed to marshal the private key to OpenSSH format")
	ErrNoKey             = fmt.Errorf("no SSH private key provided")
)

// LoadKey reads the PEM-encoded private key at 'path' and parses it with
// ParseKey.
func LoadKey(path string, phrase []byte) (ssh.Signer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyRead, err)
	}
	return ParseKey(b, phrase)
}

// ParseKey attempts to parse the provided 'key' value as a PEM-encoded private
// key (OpenSSH, PKCS#1 RSA, PKCS#8 or EC).
//
// 'phrase' is only used when the key turns out to be encrypted, so an
// unencrypted key parses whether or not a passphrase is configured. An
// encrypted key without a passphrase wraps '*ssh.PassphraseMissingError'.
func ParseKey(key, phrase []byte) (ssh.Signer, error) {
	if len(key) == 0 {
		return nil, ErrNoKey
	}
	signer, err := ssh.ParsePrivateKey(key)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) && len(phrase) > 0 {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(key, phrase)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSSHFailedKeyParse, err)
	}
	return signer, nil
}

// AuthorizedKey returns the public half of 'signer' in the OpenSSH
// ('authorized_keys') format, including the trailing newline.
func AuthorizedKey(signer ssh.Signer) []byte {
	return ssh.MarshalAuthorizedKey(signer.PublicKey())
}

// ED25519KeyPair is a freshly generated key pair.
type ED25519KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// NewED25519KeyPair generates a 'crypto/ed25519' public+private key pair.
func NewED25519KeyPair() (ED25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return ED25519KeyPair{}, fmt.Errorf("%w: %w", ErrKeyGen, err)
	}
	return ED25519KeyPair{Public: pub, Private: priv}, nil
}

// Signer converts the private key to an 'ssh.Signer'.
func (kp ED25519KeyPair) Signer() (ssh.Signer, error) {
	return ssh.NewSignerFromKey(kp.Private)
}

// PublicKey converts the public key to an 'ssh.PublicKey'.
func (kp ED25519KeyPair) PublicKey() (ssh.PublicKey, error) {
	return ssh.NewPublicKey(kp.Public)
}

// MarshalOpenSSH PEM-encodes the private key in the OpenSSH format.
func (kp ED25519KeyPair) MarshalOpenSSH(comment string) ([]byte, error) {
	block, err := ssh.MarshalPrivateKey(kp.Private, comment)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrivKeyMarshal, err)
	}
	return pem.EncodeToMemory(block), nil
}
