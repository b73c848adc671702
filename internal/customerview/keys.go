package customerview

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// Hash algorithms accepted in ADVISOR_KEY_HASHES.
const (
	AlgorithmBcrypt = "bcrypt"
	AlgorithmArgon2 = "argon2"
)

const (
	argon2Time    uint32 = 1
	argon2Memory  uint32 = 64 * 1024
	argon2Threads uint8  = 4
)

var ErrEmptyKey = errors.New("advisor key is empty")

// HashAdvisorKey hashes rawKey for the advisor key list.
func HashAdvisorKey(rawKey, algorithm string) (string, error) {
	if rawKey == "" {
		return "", ErrEmptyKey
	}
	switch algorithm {
	case "", AlgorithmBcrypt:
		hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
		if err != nil {
			return "", fmt.Errorf("bcrypt hash failed: %w", err)
		}
		return string(hash), nil
	case AlgorithmArgon2:
		salt := make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return "", fmt.Errorf("failed to generate salt: %w", err)
		}
		hash := argon2.IDKey([]byte(rawKey), salt, argon2Time, argon2Memory, argon2Threads, 32)
		return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
			argon2.Version, argon2Memory, argon2Time, argon2Threads,
			base64.RawStdEncoding.EncodeToString(salt),
			base64.RawStdEncoding.EncodeToString(hash)), nil
	default:
		return "", fmt.Errorf("unknown hash algorithm %q", algorithm)
	}
}

// verifyAdvisorKey checks rawKey against one stored hash, detecting the
// algorithm from the hash prefix.
func verifyAdvisorKey(rawKey, storedHash string) bool {
	switch {
	case strings.HasPrefix(storedHash, "$2"):
		return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(rawKey)) == nil
	case strings.HasPrefix(storedHash, "$argon2id$"):
		return verifyArgon2(rawKey, storedHash)
	}
	return false
}

func verifyArgon2(rawKey, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return false
	}
	var memory, iterations uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false
	}
	// argon2.IDKey panics on zero passes or lanes.
	if iterations == 0 || threads == 0 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(want) == 0 {
		return false
	}
	got := argon2.IDKey([]byte(rawKey), salt, iterations, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}
