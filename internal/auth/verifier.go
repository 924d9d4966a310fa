package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/novasocial/messaging/internal/apperror"
)

// Verifier resolves a bearer token to a user id. Implementations must reject
// anything they cannot positively verify.
type Verifier interface {
	Verify(ctx context.Context, token string) (uuid.UUID, error)
}

// JWTVerifier validates HS256 tokens minted by the identity service and
// reads the user id from the subject claim.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(ctx context.Context, tokenStr string) (uuid.UUID, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return uuid.Nil, apperror.Wrap(apperror.ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return uuid.Nil, apperror.ErrUnauthorized
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return uuid.Nil, apperror.Wrap(apperror.ErrUnauthorized, err)
	}
	userID, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, apperror.Wrap(apperror.ErrUnauthorized, err)
	}
	return userID, nil
}

// OracleVerifier delegates verification to an external auth service. A
// transport failure is Unavailable, not Unauthorized, so callers can
// distinguish a bad token from a broken oracle.
type OracleVerifier struct {
	url    string
	client *http.Client
}

func NewOracleVerifier(url string) *OracleVerifier {
	return &OracleVerifier{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (v *OracleVerifier) Verify(ctx context.Context, token string) (uuid.UUID, error) {
	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return uuid.Nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url+"/verify", bytes.NewReader(body))
	if err != nil {
		return uuid.Nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return uuid.Nil, apperror.Wrap(apperror.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var out struct {
			UserID uuid.UUID `json:"user_id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return uuid.Nil, apperror.Wrap(apperror.ErrUnavailable, err)
		}
		return out.UserID, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return uuid.Nil, apperror.ErrUnauthorized
	default:
		return uuid.Nil, apperror.Wrap(apperror.ErrUnavailable,
			fmt.Errorf("auth oracle returned status %d", resp.StatusCode))
	}
}
