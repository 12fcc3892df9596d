package httpapi

import (
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"tokopos/backend/internal/domain"
)

const (
	RoleCashier = "cashier"
	RoleAdmin   = "admin"
)

// AuthManager signs and verifies device tokens. A token binds one staff member
// to a tenant, branch and device; the device id selects the POS session.
type AuthManager struct {
	secret   []byte
	tokenTTL time.Duration
	now      func() time.Time
}

type posCustomClaims struct {
	jwtlib.RegisteredClaims
	TenantID string `json:"tenant_id"`
	BranchID string `json:"branch_id"`
	DeviceID string `json:"device_id"`
	Role     string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 12 * time.Hour
	}
	return &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (a *AuthManager) IssueToken(actor domain.Actor) (string, time.Time, error) {
	if strings.TrimSpace(actor.StaffID) == "" {
		return "", time.Time{}, errors.New("staff id required")
	}
	if actor.Role != RoleCashier && actor.Role != RoleAdmin {
		return "", time.Time{}, errors.New("role must be cashier or admin")
	}
	issuedAt := a.now()
	expiresAt := issuedAt.Add(a.tokenTTL)
	claims := posCustomClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   actor.StaffID,
			IssuedAt:  jwtlib.NewNumericDate(issuedAt),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "tokopos",
		},
		TenantID: actor.TenantID,
		BranchID: actor.BranchID,
		DeviceID: actor.DeviceID,
		Role:     actor.Role,
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &posCustomClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithIssuer("tokopos"))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{
		StaffID:  sub,
		TenantID: claims.TenantID,
		BranchID: claims.BranchID,
		DeviceID: claims.DeviceID,
		Role:     claims.Role,
	}, nil
}
