package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
)

func TestSignerMatchesHMACScheme(t *testing.T) {
	signer, err := NewSigner("secret")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("order_1|pay_1"))
	want := hex.EncodeToString(mac.Sum(nil))

	if got := signer.Sign("order_1", "pay_1"); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if !signer.Verify("order_1", "pay_1", want) {
		t.Fatal("expected signature to verify")
	}
	if !signer.Verify("order_1", "pay_1", strings.ToUpper(want)) {
		t.Fatal("expected hex comparison to ignore case")
	}
}

func TestSignerRejectsMismatches(t *testing.T) {
	signer, err := NewSigner("secret")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	valid := signer.Sign("order_1", "pay_1")

	cases := map[string][3]string{
		"swapped payment": {"order_1", "pay_2", valid},
		"swapped order":   {"order_2", "pay_1", valid},
		"not hex":         {"order_1", "pay_1", "zz"},
		"truncated":       {"order_1", "pay_1", valid[:32]},
		"empty":           {"order_1", "pay_1", ""},
		"missing ids":     {"", "", valid},
	}
	for name, tc := range cases {
		if signer.Verify(tc[0], tc[1], tc[2]) {
			t.Fatalf("%s: expected verification failure", name)
		}
	}

	other, _ := NewSigner("other")
	if other.Verify("order_1", "pay_1", valid) {
		t.Fatal("expected signature from a different secret to fail")
	}
}

func TestNewSignerRequiresSecret(t *testing.T) {
	if _, err := NewSigner("  "); err == nil {
		t.Fatal("expected error for blank secret")
	}
}
