package httpapi

import (
	"errors"
	"strconv"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"clubops/backend/internal/domain"
)

type AuthManager struct {
	secret   []byte
	tokenTTL time.Duration
}

type shiftClaims struct {
	jwtlib.RegisteredClaims
	Role    string `json:"role"`
	ShiftID int64  `json:"shift_id"`
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
	}
}

// IssueToken mints the access token for a freshly opened shift. The
// token carries the staff ID as subject plus the shift ID and role; the
// shift row stays the source of truth for whether the session is live.
func (a *AuthManager) IssueToken(staff *domain.Staff, shift *domain.StaffShift) (string, time.Time, error) {
	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	claims := shiftClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   strconv.FormatInt(staff.ID, 10),
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "clubops",
		},
		Role:    staff.Role,
		ShiftID: shift.ID,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &shiftClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	staffID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil || staffID < 1 || claims.ShiftID < 1 {
		return domain.Actor{}, errors.New("invalid token subject")
	}

	return domain.Actor{StaffID: staffID, ShiftID: claims.ShiftID, Role: claims.Role}, nil
}
