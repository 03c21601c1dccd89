package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"chatcore/internal/apperr"

	"github.com/zeebo/blake3"
)

const refreshHashContext = "chatcore 2024 refresh-credential secret v1"

// GenerateRefreshSecret returns 32 random bytes, hex encoded.
func GenerateRefreshSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// JoinRefresh builds the compound credential handed to clients.
func JoinRefresh(signed, secret string) string {
	return signed + "." + secret
}

// SplitRefresh separates a compound credential into its signed token and
// secret. The signed part must look like a JWT (three segments).
func SplitRefresh(compound string) (signed, secret string, err error) {
	compound = strings.TrimSpace(compound)
	i := strings.LastIndexByte(compound, '.')
	if i <= 0 || i == len(compound)-1 {
		return "", "", apperr.ErrMalformedToken
	}
	signed, secret = compound[:i], compound[i+1:]
	if strings.Count(signed, ".") != 2 {
		return "", "", apperr.ErrMalformedToken
	}
	return signed, secret, nil
}

// SecretHasher stores refresh secrets as keyed BLAKE3 digests. The secrets are
// high-entropy random values, so a fast keyed hash is sufficient.
type SecretHasher struct {
	key [32]byte
}

func NewSecretHasher(keyMaterial string) *SecretHasher {
	h := &SecretHasher{}
	blake3.DeriveKey(refreshHashContext, []byte(keyMaterial), h.key[:])
	return h
}

func (h *SecretHasher) Hash(secret string) string {
	hasher, err := blake3.NewKeyed(h.key[:])
	if err != nil {
		// NewKeyed fails only for keys that are not 32 bytes.
		panic("auth: blake3 keyed hasher: " + err.Error())
	}
	_, _ = hasher.Write([]byte(secret))
	return hex.EncodeToString(hasher.Sum(nil))
}

func (h *SecretHasher) Verify(secret, hash string) bool {
	return subtle.ConstantTimeCompare([]byte(h.Hash(secret)), []byte(hash)) == 1
}
