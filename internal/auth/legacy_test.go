package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestLegacyTokenRoundTrip(t *testing.T) {
	token, err := SignLegacyToken("user-1", "a@example.com", "s3cret", time.Hour)
	if err != nil {
		t.Fatalf("SignLegacyToken: %v", err)
	}

	claims, err := ValidateLegacyToken(token, "s3cret")
	if err != nil {
		t.Fatalf("ValidateLegacyToken: %v", err)
	}
	if claims.UserID != "user-1" || claims.Email != "a@example.com" || claims.Issuer != legacyIssuer {
		t.Errorf("claims = %+v", claims)
	}
}

func TestLegacyTokenRejected(t *testing.T) {
	token, _ := SignLegacyToken("user-1", "", "s3cret", time.Hour)
	if _, err := ValidateLegacyToken(token, "other"); err == nil {
		t.Error("token accepted with the wrong secret")
	}

	expired, _ := SignLegacyToken("user-1", "", "s3cret", -time.Minute)
	if _, err := ValidateLegacyToken(expired, "s3cret"); err == nil {
		t.Error("expired token accepted")
	}

	if _, err := SignLegacyToken("user-1", "", "", 0); err != jwt.ErrInvalidKey {
		t.Errorf("empty secret err = %v", err)
	}
}
