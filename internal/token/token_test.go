package token

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := NewService("test-secret")

	tests := []struct {
		name   string
		claims Claims
	}{
		{
			name:   "preference token with expiry",
			claims: Claims{Kind: KindPreference, Email: "jane@example.com", ExpiresAt: time.Now().Add(time.Hour).Unix()},
		},
		{
			name:   "unsubscribe token without expiry",
			claims: Claims{Kind: KindUnsubscribe, Email: "jane@example.com"},
		},
		{
			name:   "tracking token bound to log and campaign",
			claims: Claims{Kind: KindTracking, LogID: uuid.New(), CampaignID: uuid.New()},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := svc.Sign(tt.claims)
			got, err := svc.Verify(tok)
			if err != nil {
				t.Fatalf("Verify() error: %v", err)
			}
			if got != tt.claims {
				t.Errorf("Verify() = %+v, want %+v", got, tt.claims)
			}
		})
	}
}

func TestTokenSingleByteMutation(t *testing.T) {
	svc := NewService("test-secret")
	tok := svc.UnsubscribeToken("jane@example.com")

	// Flip each byte in turn; every mutation must fail verification.
	for i := 0; i < len(tok); i++ {
		mutated := []byte(tok)
		if mutated[i] == 'a' {
			mutated[i] = 'b'
		} else {
			mutated[i] = 'a'
		}
		if _, err := svc.Verify(string(mutated)); err == nil {
			t.Errorf("mutation at byte %d verified, want failure", i)
		}
	}
}

func TestTokenExpiry(t *testing.T) {
	svc := NewService("test-secret")
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	tok := svc.PreferenceToken("jane@example.com", time.Hour)

	// Still valid just before expiry.
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 12, 59, 59, 0, time.UTC) }
	if _, err := svc.Verify(tok); err != nil {
		t.Errorf("token expired early: %v", err)
	}

	// Invalid after expiry.
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 13, 0, 1, 0, time.UTC) }
	if _, err := svc.Verify(tok); err != ErrInvalid {
		t.Errorf("Verify() after expiry = %v, want ErrInvalid", err)
	}
}

func TestUnsubscribeTokenNeverExpires(t *testing.T) {
	svc := NewService("test-secret")
	tok := svc.UnsubscribeToken("jane@example.com")

	// Ten years later the link still works.
	svc.now = func() time.Time { return time.Now().AddDate(10, 0, 0) }
	c, err := svc.Verify(tok)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if c.Email != "jane@example.com" {
		t.Errorf("Email = %q, want jane@example.com", c.Email)
	}
}

func TestVerifyKind(t *testing.T) {
	svc := NewService("test-secret")
	tok := svc.UnsubscribeToken("jane@example.com")

	if _, err := svc.VerifyKind(tok, KindTracking); err != ErrInvalid {
		t.Errorf("VerifyKind() with wrong kind = %v, want ErrInvalid", err)
	}
	if _, err := svc.VerifyKind(tok, KindUnsubscribe); err != nil {
		t.Errorf("VerifyKind() with right kind: %v", err)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	tok := NewService("secret-a").UnsubscribeToken("jane@example.com")
	if _, err := NewService("secret-b").Verify(tok); err != ErrInvalid {
		t.Errorf("Verify() with wrong secret = %v, want ErrInvalid", err)
	}
}

func TestVerifyMalformed(t *testing.T) {
	svc := NewService("test-secret")
	for _, tok := range []string{"", "no-dot", ".", "a.", ".b", "!!!.deadbeef"} {
		if _, err := svc.Verify(tok); err != ErrInvalid {
			t.Errorf("Verify(%q) = %v, want ErrInvalid", tok, err)
		}
	}
}
