package approval

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// approvalClaims is the payload an external approval webhook or CLI
// signs: an assertion that a human or system approved (or denied) the
// exact binding presented to it.
type approvalClaims struct {
	jwt.RegisteredClaims
	Approved     bool   `json:"approved"`
	ApproverID   string `json:"approver_id"`
	RequestID    string `json:"request_id"`
	PolicyHash   string `json:"policy_hash"`
	DecisionHash string `json:"decision_hash"`
}

// JWTApprover treats the return value of an external approval call as an
// Ed25519-signed JWT and verifies it before trusting the assertion. The
// engine still checks the decoded binding against the one it requested;
// this type only establishes that the assertion was not forged.
type JWTApprover struct {
	publicKey ed25519.PublicKey
	fetch     func(ctx context.Context, binding Binding, reason string) (token string, err error)
}

// NewJWTApprover wires a token-fetching function (a webhook call, a CLI
// subprocess, anything returning a signed token) to signature
// verification against publicKey.
func NewJWTApprover(publicKey ed25519.PublicKey, fetch func(ctx context.Context, binding Binding, reason string) (string, error)) *JWTApprover {
	return &JWTApprover{publicKey: publicKey, fetch: fetch}
}

func (a *JWTApprover) Approve(ctx context.Context, binding Binding, reason string) (Resolution, error) {
	token, err := a.fetch(ctx, binding, reason)
	if err != nil {
		return Resolution{}, fmt.Errorf("approval: fetch token: %w", err)
	}

	claims := &approvalClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("approval: unexpected signing method %v", t.Header["alg"])
		}
		return a.publicKey, nil
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("approval: verify token: %w", err)
	}
	if !parsed.Valid {
		return Resolution{}, fmt.Errorf("approval: token failed validation")
	}

	return Resolution{
		Approved:   claims.Approved,
		ApproverID: claims.ApproverID,
		Binding: Binding{
			RequestID:    claims.RequestID,
			PolicyHash:   claims.PolicyHash,
			DecisionHash: claims.DecisionHash,
		},
	}, nil
}
