// Package vault seals small credential blobs with authenticated encryption.
// Each Encrypt derives a fresh 256-bit key from the master key via argon2id
// with a random salt, so identical plaintexts never produce identical
// ciphertexts and the master key never touches the cipher directly.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/quietsend/quietsend/internal/types"
)

const (
	saltLen  = 16
	nonceLen = 12
	tagLen   = 16
	keyLen   = 32

	// argon2id parameters: 64 MiB, one pass, four lanes.
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4

	sep = ":"
)

// Vault encrypts and decrypts credential blobs with a process-wide master
// key. The key is read-only after construction.
type Vault struct {
	masterKey []byte
}

// New returns a vault bound to masterKey.
func New(masterKey string) *Vault {
	return &Vault{masterKey: []byte(masterKey)}
}

// Encrypt seals plain and returns the wire form
// base64(salt):base64(nonce):base64(tag):base64(ciphertext).
func (v *Vault) Encrypt(plain []byte) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", types.Internalf("vault: salt generation failed").Wrap(err)
	}

	gcm, err := v.aead(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", types.Internalf("vault: nonce generation failed").Wrap(err)
	}

	sealed := gcm.Seal(nil, nonce, plain, nil)
	ct, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]

	parts := []string{
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ct),
	}
	return strings.Join(parts, sep), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Malformed input and
// integrity failures both surface as KindIntegrity errors; malformed input
// is rejected before any key derivation.
func (v *Vault) Decrypt(ciphertext string) ([]byte, error) {
	parts := strings.Split(ciphertext, sep)
	if len(parts) != 4 {
		return nil, types.Integrityf("vault: malformed ciphertext: want 4 segments, got %d", len(parts))
	}

	raw := make([][]byte, 4)
	for i, p := range parts {
		b, err := base64.StdEncoding.DecodeString(p)
		if err != nil {
			return nil, types.Integrityf("vault: malformed ciphertext segment %d", i).Wrap(err)
		}
		raw[i] = b
	}
	salt, nonce, tag, ct := raw[0], raw[1], raw[2], raw[3]

	if len(salt) != saltLen || len(nonce) != nonceLen || len(tag) != tagLen {
		return nil, types.Integrityf("vault: truncated ciphertext")
	}

	gcm, err := v.aead(salt)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ct)+tagLen)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, types.Integrityf("vault: decryption failed").Wrap(err)
	}
	return plain, nil
}

func (v *Vault) aead(salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey(v.masterKey, salt, argonTime, argonMemory, argonThreads, keyLen)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, types.Internalf("vault: cipher init failed").Wrap(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, types.Internalf("vault: gcm init failed").Wrap(err)
	}
	return gcm, nil
}
