package approval

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func signApprovalToken(t *testing.T, priv ed25519.PrivateKey, claims approvalClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(priv)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func TestJWTApproverVerifiesValidToken(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	binding := Binding{RequestID: "req-1", PolicyHash: "ph", DecisionHash: "dh"}
	token := signApprovalToken(t, priv, approvalClaims{
		Approved: true, ApproverID: "ops-1",
		RequestID: binding.RequestID, PolicyHash: binding.PolicyHash, DecisionHash: binding.DecisionHash,
	})

	approver := NewJWTApprover(pub, func(ctx context.Context, b Binding, reason string) (string, error) {
		return token, nil
	})

	res, err := approver.Approve(context.Background(), binding, "needs review")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Approved || res.ApproverID != "ops-1" {
		t.Errorf("unexpected resolution: %+v", res)
	}
	if !res.Binding.Equal(binding) {
		t.Errorf("expected binding round-trip, got %+v", res.Binding)
	}
}

func TestJWTApproverRejectsWrongSigner(t *testing.T) {
	_, wrongPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	trustedPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	binding := Binding{RequestID: "req-1", PolicyHash: "ph", DecisionHash: "dh"}
	token := signApprovalToken(t, wrongPriv, approvalClaims{Approved: true, ApproverID: "ops-1"})

	approver := NewJWTApprover(trustedPub, func(ctx context.Context, b Binding, reason string) (string, error) {
		return token, nil
	})

	if _, err := approver.Approve(context.Background(), binding, "needs review"); err == nil {
		t.Error("expected signature verification to fail")
	}
}
