package keygen

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

var errIdenticalKeys = errors.New("random source returned identical keys")

// KeySize is the number of random bytes behind each raw key (256 bits)
const KeySize = 32

// Generator mints public/private key pairs from a random source
type Generator struct {
	random io.Reader
}

// NewGenerator creates a generator backed by crypto/rand
func NewGenerator() *Generator {
	return &Generator{random: rand.Reader}
}

// NewGeneratorWithSource creates a generator over the given random source.
// Only tests should pass anything other than crypto/rand.
func NewGeneratorWithSource(random io.Reader) *Generator {
	return &Generator{random: random}
}

// GenerateKeyPair returns two independent raw keys. The raw values are handed
// to the uploader once; only their hashes are ever persisted.
func (g *Generator) GenerateKeyPair() (publicKey, privateKey string, err error) {
	publicKey, err = g.token()
	if err != nil {
		return "", "", fmt.Errorf("generate public key: %w", err)
	}
	privateKey, err = g.token()
	if err != nil {
		return "", "", fmt.Errorf("generate private key: %w", err)
	}
	if publicKey == privateKey {
		return "", "", errIdenticalKeys
	}
	return publicKey, privateKey, nil
}

func (g *Generator) token() (string, error) {
	buf := make([]byte, KeySize)
	if _, err := io.ReadFull(g.random, buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Hash computes the SHA256 lookup hash of a raw key
func Hash(rawKey string) string {
	hash := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(hash[:])
}

// Verify reports whether rawKey hashes to expectedHash, in constant time
func Verify(rawKey, expectedHash string) bool {
	actual := Hash(rawKey)
	return subtle.ConstantTimeCompare([]byte(actual), []byte(expectedHash)) == 1
}

// WellFormed reports whether s looks like a key this package minted
func WellFormed(s string) bool {
	if len(s) != base64.RawURLEncoding.EncodedLen(KeySize) {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(s)
	return err == nil
}
