package auth

import (
	"testing"
	"time"
)

const (
	testKey    = "test-signing-key"
	testIssuer = "classattend"
)

func TestIssueParseRoundTrip(t *testing.T) {
	pair, err := Issue("stu-1", RoleDevice, testIssuer, testKey, time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("both tokens should be populated")
	}

	claims, err := Parse(pair.AccessToken, testKey, testIssuer)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "stu-1" {
		t.Fatalf("subject = %q, want stu-1", claims.Subject)
	}
	if claims.Role != RoleDevice {
		t.Fatalf("role = %q, want %q", claims.Role, RoleDevice)
	}
}

func TestParseRejectsWrongKey(t *testing.T) {
	pair, err := Issue("teach-1", RoleTeacher, testIssuer, testKey, time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := Parse(pair.AccessToken, "other-key", testIssuer); err == nil {
		t.Fatal("token signed with another key should be rejected")
	}
}

func TestParseRejectsIssuerMismatch(t *testing.T) {
	pair, err := Issue("teach-1", RoleTeacher, "someone-else", testKey, time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := Parse(pair.AccessToken, testKey, testIssuer); err == nil {
		t.Fatal("issuer mismatch should be rejected")
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	pair, err := Issue("stu-1", RoleDevice, testIssuer, testKey, -time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := Parse(pair.AccessToken, testKey, testIssuer); err == nil {
		t.Fatal("expired token should be rejected")
	}
}
