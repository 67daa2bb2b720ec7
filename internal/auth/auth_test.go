package auth

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndValidateWebchatToken(t *testing.T) {
	svc := NewService("test-secret", time.Hour, nil)

	token, err := svc.IssueWebchatToken("user-1", "site-9", "flow-2")
	if err != nil {
		t.Fatalf("IssueWebchatToken: %v", err)
	}

	claims, err := svc.ValidateWebchatToken(token)
	if err != nil {
		t.Fatalf("ValidateWebchatToken: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", claims.UserID)
	}
	if claims.WebsiteID != "site-9" {
		t.Errorf("WebsiteID = %q, want site-9", claims.WebsiteID)
	}
	if claims.FlowID != "flow-2" {
		t.Errorf("FlowID = %q, want flow-2", claims.FlowID)
	}
	if claims.Timestamp == 0 {
		t.Error("Timestamp should be set")
	}
}

func TestValidateWebchatToken_Expired(t *testing.T) {
	svc := NewService("test-secret", -time.Hour, nil)
	// Negative expiry is coerced to the 24h default, so force expiry by
	// crafting a service with a tiny window.
	svc.expiry = -time.Minute

	token, err := svc.IssueWebchatToken("user-1", "site-9", "")
	if err != nil {
		t.Fatalf("IssueWebchatToken: %v", err)
	}
	if _, err := svc.ValidateWebchatToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestValidateWebchatToken_WrongSecret(t *testing.T) {
	issuer := NewService("secret-a", time.Hour, nil)
	verifier := NewService("secret-b", time.Hour, nil)

	token, err := issuer.IssueWebchatToken("user-1", "site-9", "")
	if err != nil {
		t.Fatalf("IssueWebchatToken: %v", err)
	}
	if _, err := verifier.ValidateWebchatToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestValidateWebchatToken_Garbage(t *testing.T) {
	svc := NewService("test-secret", time.Hour, nil)
	if _, err := svc.ValidateWebchatToken("not.a.token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestIssueWebchatToken_RequiresIdentity(t *testing.T) {
	svc := NewService("test-secret", time.Hour, nil)

	if _, err := svc.IssueWebchatToken("", "site", ""); err == nil {
		t.Error("expected error for empty user id")
	}
	if _, err := svc.IssueWebchatToken("user", "", ""); err == nil {
		t.Error("expected error for empty website id")
	}
}

func TestIssueWebchatToken_Disabled(t *testing.T) {
	svc := NewService("", time.Hour, nil)
	if _, err := svc.IssueWebchatToken("user", "site", ""); !errors.Is(err, ErrAuthDisabled) {
		t.Errorf("err = %v, want ErrAuthDisabled", err)
	}
}

func TestValidateAPIKey(t *testing.T) {
	svc := NewService("secret", time.Hour, []string{"key-one", " key-two "})

	if err := svc.ValidateAPIKey("key-one"); err != nil {
		t.Errorf("key-one: %v", err)
	}
	if err := svc.ValidateAPIKey("key-two"); err != nil {
		t.Errorf("trimmed key-two: %v", err)
	}
	if err := svc.ValidateAPIKey("wrong"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("err = %v, want ErrInvalidKey", err)
	}
}

func TestValidateAPIKey_NoKeysConfigured(t *testing.T) {
	svc := NewService("secret", time.Hour, nil)
	if err := svc.ValidateAPIKey("anything"); !errors.Is(err, ErrAuthDisabled) {
		t.Errorf("err = %v, want ErrAuthDisabled", err)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc123", "abc123", true},
		{"bearer abc123", "abc123", true},
		{"Basic abc123", "", false},
		{"", "", false},
		{"Bearer ", "", false},
	}

	for _, tt := range tests {
		got, ok := BearerToken(tt.header)
		if ok != tt.ok || got != tt.want {
			t.Errorf("BearerToken(%q) = (%q, %v), want (%q, %v)", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}
