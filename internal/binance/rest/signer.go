package rest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signer produces the HMAC-SHA256 request signature the venue expects over
// the encoded query string.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

func (s *Signer) Sign(queryString string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(queryString))
	return hex.EncodeToString(mac.Sum(nil))
}
