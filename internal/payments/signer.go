package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// Signer computes and checks gateway callback signatures: hex(HMAC-SHA256(secret, gatewayOrderID + "|" + gatewayPaymentID)).
type Signer struct {
	secret []byte
}

// NewSigner constructs a Signer over the merchant secret.
func NewSigner(secret string) (*Signer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("payments: signing secret is required")
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Sign returns the expected signature for the pair.
func (s *Signer) Sign(gatewayOrderID, gatewayPaymentID string) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(gatewayOrderID + "|" + gatewayPaymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify compares signature against the expected value in constant time.
func (s *Signer) Verify(gatewayOrderID, gatewayPaymentID, signature string) bool {
	if s == nil || gatewayOrderID == "" || gatewayPaymentID == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) != sha256.Size {
		return false
	}
	want, _ := hex.DecodeString(s.Sign(gatewayOrderID, gatewayPaymentID))
	return hmac.Equal(got, want)
}
