package carrier

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/imrishuroy/storefront-orderflow/internal/apperr"
)

// Verifier checks HMAC-SHA256 signatures over the raw request body.
type Verifier struct {
	secret []byte
}

// NewVerifier returns a Verifier for secret. An empty secret rejects everything.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify accepts the signature as hex or standard base64, optionally
// prefixed with "sha256=". An unconfigured secret rejects everything.
func (v *Verifier) Verify(body []byte, signature string) error {
	if v == nil || len(v.secret) == 0 {
		return fmt.Errorf("webhook secret not configured: %w", apperr.ErrAuth)
	}
	signature = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if signature == "" {
		return fmt.Errorf("missing signature: %w", apperr.ErrAuth)
	}

	got, err := decodeSignature(signature)
	if err != nil {
		return fmt.Errorf("malformed signature: %w", apperr.ErrAuth)
	}
	if !hmac.Equal(got, v.sign(body)) {
		return fmt.Errorf("signature mismatch: %w", apperr.ErrAuth)
	}
	return nil
}

// Sign returns the hex signature for body. Used by tests and local tooling.
func (v *Verifier) Sign(body []byte) string {
	return hex.EncodeToString(v.sign(body))
}

func (v *Verifier) sign(body []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return mac.Sum(nil)
}

func decodeSignature(s string) ([]byte, error) {
	if len(s) == hex.EncodedLen(sha256.Size) {
		if b, err := hex.DecodeString(s); err == nil {
			return b, nil
		}
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != sha256.Size {
		return nil, errors.New("unexpected signature length")
	}
	return b, nil
}
