// Package auth generates and verifies the bearer keys companions present on
// the IPC socket. Keys look like flowgate_<prefix>_<secret>; only the prefix
// and a SHA-256 of the secret are stored.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"math/big"
	"net/http"
	"strings"
)

const (
	servicePrefix = "flowgate"
	prefixLength  = 12
	secretBytes   = 32
)

var ErrInvalidKeyFormat = errors.New("invalid companion key format")

// CompanionKey is a freshly generated key. Display is shown once and never
// stored.
type CompanionKey struct {
	Display string
	Prefix  string
	Hash    []byte
}

// GenerateCompanionKey creates a random key.
func GenerateCompanionKey() (CompanionKey, error) {
	prefixBytes := make([]byte, prefixLength)
	if _, err := rand.Read(prefixBytes); err != nil {
		return CompanionKey{}, err
	}
	for i := range prefixBytes {
		prefixBytes[i] = alphanumeric[int(prefixBytes[i])%len(alphanumeric)]
	}
	prefix := string(prefixBytes)

	secretRaw := make([]byte, secretBytes)
	if _, err := rand.Read(secretRaw); err != nil {
		return CompanionKey{}, err
	}
	secret := encodeBase62(secretRaw)

	return CompanionKey{
		Display: servicePrefix + "_" + prefix + "_" + secret,
		Prefix:  prefix,
		Hash:    HashSecret(secret),
	}, nil
}

func HashSecret(secret string) []byte {
	h := sha256.Sum256([]byte(secret))
	return h[:]
}

// VerifyCompanionKey reports whether display hashes to storedHash.
func VerifyCompanionKey(display string, storedHash []byte) bool {
	prefix, secret, err := ParseCompanionKey(display)
	if err != nil || prefix == "" {
		return false
	}
	return subtle.ConstantTimeCompare(HashSecret(secret), storedHash) == 1
}

// ParseCompanionKey splits a display key into its prefix and secret.
func ParseCompanionKey(display string) (prefix string, secret string, err error) {
	rest, ok := strings.CutPrefix(display, servicePrefix+"_")
	if !ok {
		return "", "", ErrInvalidKeyFormat
	}
	prefix, secret, ok = strings.Cut(rest, "_")
	if !ok || len(prefix) != prefixLength || secret == "" {
		return "", "", ErrInvalidKeyFormat
	}
	for _, c := range prefix {
		if !isAlphanumeric(c) {
			return "", "", ErrInvalidKeyFormat
		}
	}
	return prefix, secret, nil
}

// BearerToken extracts the token from an Authorization: Bearer header.
func BearerToken(r *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

var alphanumeric = []byte("abcdefghijklmnopqrstuvwxyz0123456789")

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

func encodeBase62(data []byte) string {
	num := new(big.Int).SetBytes(data)
	base := big.NewInt(62)
	mod := new(big.Int)
	var result []byte

	for num.Sign() > 0 {
		num.DivMod(num, base, mod)
		result = append(result, base62Alphabet[mod.Int64()])
	}
	for _, b := range data {
		if b != 0 {
			break
		}
		result = append(result, '0')
	}
	if len(result) == 0 {
		return "0"
	}
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return string(result)
}

func isAlphanumeric(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}
