package conversation

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"support-chat-backend/internal/env"
)

// Customer tokens authorize the embedded widget to keep talking in one
// conversation without an account. HMAC-signed, not a session.
var (
	customerTokenSecret = []byte(env.Get(env.WidgetSecretKey))
	customerTokenTTL    = 7 * 24 * time.Hour
)

type customerTokenClaims struct {
	CompanyID      string `json:"companyId"`
	ConversationID string `json:"conversationId"`
	CustomerID     string `json:"customerId"`
	IssuedAt       int64  `json:"iat"`
	ExpiresAt      int64  `json:"exp"`
}

func SetCustomerTokenSecret(secret []byte) {
	if len(secret) == 0 {
		return
	}
	customerTokenSecret = make([]byte, len(secret))
	copy(customerTokenSecret, secret)
}

func SetCustomerTokenTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	customerTokenTTL = ttl
}

func signCustomerToken(claims customerTokenClaims) (string, error) {
	if len(customerTokenSecret) == 0 {
		return "", errors.New("customer token secret not configured")
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, customerTokenSecret)
	if _, err := mac.Write(payload); err != nil {
		return "", err
	}
	signature := mac.Sum(nil)

	payloadPart := base64.RawURLEncoding.EncodeToString(payload)
	sigPart := base64.RawURLEncoding.EncodeToString(signature)

	return fmt.Sprintf("%s.%s", payloadPart, sigPart), nil
}

func verifyCustomerToken(token string, now func() time.Time) (customerTokenClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return customerTokenClaims{}, errors.New("invalid token format")
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return customerTokenClaims{}, fmt.Errorf("decode payload: %w", err)
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return customerTokenClaims{}, fmt.Errorf("decode signature: %w", err)
	}

	mac := hmac.New(sha256.New, customerTokenSecret)
	if _, err := mac.Write(payload); err != nil {
		return customerTokenClaims{}, fmt.Errorf("sign payload: %w", err)
	}

	if !hmac.Equal(sig, mac.Sum(nil)) {
		return customerTokenClaims{}, errors.New("signature mismatch")
	}

	var claims customerTokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return customerTokenClaims{}, fmt.Errorf("unmarshal claims: %w", err)
	}

	nowTime := now().UTC()
	if claims.ExpiresAt != 0 && nowTime.Unix() > claims.ExpiresAt {
		return customerTokenClaims{}, errors.New("token expired")
	}

	return claims, nil
}
