package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

type dashboardClaims struct {
	TenantID string
	UserID   string
	Exp      int64
}

// parseDashboardToken verifies the HS256 token a dashboard client presents in
// its auth frame. Claims: tenant_id, user_id, exp, aud=instaxbot.
func parseDashboardToken(raw, secret string, now time.Time) (dashboardClaims, error) {
	raw = strings.TrimSpace(raw)
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return dashboardClaims{}, errors.New("invalid token format")
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return dashboardClaims{}, errors.New("invalid token header")
	}
	var header struct {
		Alg string `json:"alg"`
		Typ string `json:"typ"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return dashboardClaims{}, errors.New("invalid token header")
	}
	if header.Alg != "HS256" {
		return dashboardClaims{}, errors.New("unsupported token algorithm")
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return dashboardClaims{}, errors.New("invalid token payload")
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return dashboardClaims{}, errors.New("invalid token signature")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sigBytes, mac.Sum(nil)) {
		return dashboardClaims{}, errors.New("token signature mismatch")
	}

	var payload map[string]any
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return dashboardClaims{}, errors.New("invalid token payload")
	}
	tenantID, ok := payload["tenant_id"].(string)
	if !ok || tenantID == "" {
		return dashboardClaims{}, errors.New("missing tenant_id claim")
	}
	userID, ok := payload["user_id"].(string)
	if !ok || userID == "" {
		return dashboardClaims{}, errors.New("missing user_id claim")
	}
	exp, err := parseExp(payload["exp"])
	if err != nil {
		return dashboardClaims{}, errors.New("invalid exp claim")
	}
	if now.Unix() >= exp {
		return dashboardClaims{}, errors.New("token expired")
	}
	if aud, ok := payload["aud"].(string); !ok || aud != "instaxbot" {
		return dashboardClaims{}, errors.New("invalid aud claim")
	}

	return dashboardClaims{TenantID: tenantID, UserID: userID, Exp: exp}, nil
}

func parseExp(v any) (int64, error) {
	switch typed := v.(type) {
	case float64:
		return int64(typed), nil
	case int64:
		return typed, nil
	case json.Number:
		return typed.Int64()
	default:
		return 0, errors.New("unsupported exp type")
	}
}
