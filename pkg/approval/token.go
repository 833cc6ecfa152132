package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// approvalClaims binds a signed approval token to one decision.
type approvalClaims struct {
	RequestID    string `json:"request_id"`
	PolicyHash   string `json:"policy_hash"`
	DecisionHash string `json:"decision_hash"`
	Approved     bool   `json:"approved"`
	ApproverID   string `json:"approver_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenSource obtains a signed approval token for a request, typically from
// a webhook callback or an operator console.
type TokenSource func(ctx context.Context, req Request) (string, error)

// TokenApprover accepts decisions as HMAC-signed JWTs. The token's claims
// carry the approval binding, so a token minted for one decision cannot
// approve another.
type TokenApprover struct {
	secret []byte
	source TokenSource
}

// NewTokenApprover creates a token-based approver.
func NewTokenApprover(secret []byte, source TokenSource) *TokenApprover {
	return &TokenApprover{secret: secret, source: source}
}

// Approve implements Approver.
func (a *TokenApprover) Approve(ctx context.Context, req Request) (*Decision, error) {
	token, err := a.source(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("obtain approval token: %w", err)
	}

	claims := &approvalClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("parse approval token: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("approval token invalid")
	}

	return &Decision{
		Approved:   claims.Approved,
		ApproverID: claims.ApproverID,
		Binding: &Binding{
			RequestID:    claims.RequestID,
			PolicyHash:   claims.PolicyHash,
			DecisionHash: claims.DecisionHash,
		},
	}, nil
}

// IssueApprovalToken mints a signed approval token for a decision. Used by
// operator tooling and tests.
func IssueApprovalToken(secret []byte, binding Binding, approved bool, approverID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := approvalClaims{
		RequestID:    binding.RequestID,
		PolicyHash:   binding.PolicyHash,
		DecisionHash: binding.DecisionHash,
		Approved:     approved,
		ApproverID:   approverID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
