package domain

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
)

// KeyPrefix marks every secret this service issues. Secrets look like
// ar_live_<key id>_<64 hex chars>.
const KeyPrefix = "ar_live_"

const secretBytes = 32

// HashAPIKey is the lookup hash stored in place of the secret.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// NewKeyID renders the public identifier of a key.
func NewKeyID(id snowflake.ID) string {
	return "key_" + strings.ToUpper(strconv.FormatInt(int64(id), 36))
}

// GenerateSecret returns a fresh plaintext secret for keyID and its hash.
func GenerateSecret(keyID string) (plain string, hash string, err error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	plain = KeyPrefix + strings.TrimPrefix(keyID, "key_") + "_" + hex.EncodeToString(buf)
	return plain, HashAPIKey(plain), nil
}

// WellFormed rejects obviously foreign tokens before any store lookup.
func WellFormed(raw string) bool {
	rest, ok := strings.CutPrefix(raw, KeyPrefix)
	if !ok {
		return false
	}
	id, secret, ok := strings.Cut(rest, "_")
	return ok && id != "" && len(secret) == secretBytes*2
}
