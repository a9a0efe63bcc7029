package jwtutil

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	serviceKey  = []byte("defaultsecretkey")
	approvalKey = []byte("defaultapprovalkey")
	approvalTTL = 24 * time.Hour
)

// Init configures the signing keys from service configuration
func Init(signingKey, approvalSigningKey string, approvalTokenTTL time.Duration) {
	serviceKey = []byte(signingKey)
	approvalKey = []byte(approvalSigningKey)
	if approvalTokenTTL > 0 {
		approvalTTL = approvalTokenTTL
	}
}

// ServiceClaims represents the JWT claims for internal API callers
type ServiceClaims struct {
	Actor    string `json:"actor,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// ValidateToken validates and parses an internal API bearer token
func ValidateToken(tokenString string) (*ServiceClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ServiceClaims{}, func(token *jwt.Token) (interface{}, error) {
		return serviceKey, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*ServiceClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, jwt.ErrSignatureInvalid
}

// ApprovalClaims binds a human approval to one idempotency key, so a
// token minted for one action cannot authorize another.
type ApprovalClaims struct {
	IdempotencyKey string `json:"idempotency_key"`
	Approver       string `json:"approver"`
	jwt.RegisteredClaims
}

// GenerateApprovalToken mints a signed approval token for the given
// idempotency key
func GenerateApprovalToken(idempotencyKey, approver string) (string, error) {
	now := time.Now()
	claims := ApprovalClaims{
		IdempotencyKey: idempotencyKey,
		Approver:       approver,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(approvalTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(approvalKey)
}

// VerifyApprovalToken validates an approval token and checks that it was
// minted for the given idempotency key
func VerifyApprovalToken(tokenString, idempotencyKey string) (*ApprovalClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ApprovalClaims{}, func(token *jwt.Token) (interface{}, error) {
		return approvalKey, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*ApprovalClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	if claims.IdempotencyKey != idempotencyKey {
		return nil, fmt.Errorf("approval token was issued for a different action")
	}
	return claims, nil
}
