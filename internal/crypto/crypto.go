// Package crypto seals row payloads with the source environment's passphrase.
// Tokens are self-contained (salt + nonce + AES-GCM ciphertext, base64) so a
// row stored by one process can be replayed by another as long as the same
// passphrase is presented. Decryption with a wrong passphrase or a corrupted
// token fails; it never silently returns garbage.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

const (
	saltSize = 16
	keySize  = 32

	// scrypt cost parameters. Interactive-grade: sealing happens once per
	// migrated row, so this must stay cheap relative to a network insert.
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

func deriveKey(passphrase string, salt []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase must not be empty")
	}
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext under the passphrase and returns an opaque token.
func Encrypt(plaintext []byte, passphrase string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)

	token := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	token = append(token, salt...)
	token = append(token, nonce...)
	token = append(token, sealed...)
	return base64.StdEncoding.EncodeToString(token), nil
}

// Decrypt opens a token produced by Encrypt. The GCM tag authenticates both
// the passphrase and the token's integrity.
func Decrypt(token string, passphrase string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("invalid token encoding: %w", err)
	}
	if len(raw) < saltSize {
		return nil, fmt.Errorf("token too short")
	}
	salt, rest := raw[:saltSize], raw[saltSize:]

	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(rest) < nonceSize {
		return nil, fmt.Errorf("token too short")
	}
	nonce, ciphertext := rest[:nonceSize], rest[nonceSize:]

	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt payload: %w", err)
	}
	return plain, nil
}
