package store

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	nonceSize = 24
	keySize   = 32
)

// ErrDecrypt is returned when a stored embedding cannot be decrypted,
// typically because the database was copied to another machine.
var ErrDecrypt = errors.New("failed to decrypt embedding")

// cipher seals and opens embedding blobs with NaCl secretbox under a
// machine-derived key, tying the stored vectors to this host.
type cipher struct {
	key [keySize]byte
}

func newCipher() (*cipher, error) {
	key, err := deriveKey()
	if err != nil {
		return nil, err
	}
	return &cipher{key: key}, nil
}

// deriveKey combines machine identity sources into a fixed key.
func deriveKey() ([keySize]byte, error) {
	var key [keySize]byte
	var identity strings.Builder

	if machineID, err := os.ReadFile("/etc/machine-id"); err == nil {
		identity.Write(machineID)
	}
	if hostname, err := os.Hostname(); err == nil {
		identity.WriteString(hostname)
	}
	identity.WriteString(fmt.Sprintf("%d", os.Getuid()))
	identity.WriteString("gradscan-v1-salt")

	hash := sha256.Sum256([]byte(identity.String()))
	copy(key[:], hash[:])

	return key, nil
}

func (c *cipher) seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &c.key), nil
}

func (c *cipher) open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize {
		return nil, ErrDecrypt
	}

	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])

	plaintext, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, &c.key)
	if !ok {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
