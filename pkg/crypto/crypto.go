package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

// TokenPrefixLength is the number of leading token characters stored in clear
// alongside the one-way hash. The prefix narrows candidate lookups without
// weakening the irreversibility of the stored value.
const TokenPrefixLength = 8

// HashPassword returns a bcrypt hash of the supplied password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares the hashed password with the plaintext candidate.
func VerifyPassword(hashedPassword, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password)) == nil
}

// HashToken hashes an opaque token for storage. Tokens are never persisted in
// plaintext, so verification is always a bcrypt comparison.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyToken compares a stored token hash with a presented plaintext token.
func VerifyToken(hashedToken, token string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashedToken), []byte(token)) == nil
}

// GenerateToken returns a random URL-safe token of the requested byte length.
func GenerateToken(length int) (string, error) {
	buffer := make([]byte, length)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}

// TokenPrefix returns the non-secret lookup prefix for an opaque token.
func TokenPrefix(token string) string {
	if len(token) <= TokenPrefixLength {
		return token
	}
	return token[:TokenPrefixLength]
}

// GeneratePairingCode returns a random six digit numeric code suitable for
// on-screen pairing.
func GeneratePairingCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}
