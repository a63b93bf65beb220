// Package token issues and verifies compact stateless tokens for public
// email actions (preference center, unsubscribe, open/click tracking).
// A token is HMAC-SHA256 over a canonical payload encoding, so no
// server-side session state is needed to honor old links.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what action a token authorizes.
type Kind string

const (
	KindPreference  Kind = "pref"
	KindUnsubscribe Kind = "unsub"
	KindTracking    Kind = "track"
)

// ErrInvalid is returned for any token that fails verification. The same
// error covers bad signatures, malformed payloads and expired tokens so
// callers cannot distinguish (and therefore cannot leak) which it was.
var ErrInvalid = errors.New("invalid or expired token")

// Claims is the payload bound into a token. Email is set for preference
// and unsubscribe tokens; LogID/CampaignID for tracking tokens.
type Claims struct {
	Kind       Kind
	Email      string
	LogID      uuid.UUID
	CampaignID uuid.UUID
	ExpiresAt  int64 // unix seconds, 0 = never expires
}

// Service signs and verifies tokens with a shared secret.
type Service struct {
	key []byte
	now func() time.Time
}

// NewService creates a token service. The secret must be non-empty and
// stable across restarts or previously issued links stop working.
func NewService(secret string) *Service {
	return &Service{key: []byte(secret), now: time.Now}
}

// PreferenceToken issues a preference-center access token for an email,
// valid for the given duration.
func (s *Service) PreferenceToken(email string, ttl time.Duration) string {
	return s.Sign(Claims{
		Kind:      KindPreference,
		Email:     strings.ToLower(strings.TrimSpace(email)),
		ExpiresAt: s.now().Add(ttl).Unix(),
	})
}

// UnsubscribeToken issues a non-expiring token bound to an email.
// Unsubscribe links in old emails must keep working indefinitely.
func (s *Service) UnsubscribeToken(email string) string {
	return s.Sign(Claims{
		Kind:  KindUnsubscribe,
		Email: strings.ToLower(strings.TrimSpace(email)),
	})
}

// TrackingToken issues a token bound to a specific send-log row and its
// campaign, preventing cross-campaign pixel replay.
func (s *Service) TrackingToken(logID, campaignID uuid.UUID) string {
	return s.Sign(Claims{
		Kind:       KindTracking,
		LogID:      logID,
		CampaignID: campaignID,
	})
}

// Sign produces the compact token form: base64url(payload).hexhmac
func (s *Service) Sign(c Claims) string {
	payload := encode(c)
	encoded := base64.RawURLEncoding.EncodeToString([]byte(payload))
	return encoded + "." + s.mac(payload)
}

// Verify checks signature and expiry and returns the embedded claims.
func (s *Service) Verify(tok string) (Claims, error) {
	dot := strings.LastIndexByte(tok, '.')
	if dot <= 0 || dot == len(tok)-1 {
		return Claims{}, ErrInvalid
	}
	raw, err := base64.RawURLEncoding.DecodeString(tok[:dot])
	if err != nil {
		return Claims{}, ErrInvalid
	}
	payload := string(raw)
	if !hmac.Equal([]byte(s.mac(payload)), []byte(tok[dot+1:])) {
		return Claims{}, ErrInvalid
	}
	c, err := decode(payload)
	if err != nil {
		return Claims{}, ErrInvalid
	}
	if c.ExpiresAt > 0 && s.now().Unix() > c.ExpiresAt {
		return Claims{}, ErrInvalid
	}
	return c, nil
}

// VerifyKind verifies and additionally requires a specific token kind.
func (s *Service) VerifyKind(tok string, kind Kind) (Claims, error) {
	c, err := s.Verify(tok)
	if err != nil {
		return Claims{}, err
	}
	if c.Kind != kind {
		return Claims{}, ErrInvalid
	}
	return c, nil
}

func (s *Service) mac(payload string) string {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// encode writes claims in a fixed field order so signing is canonical.
func encode(c Claims) string {
	return fmt.Sprintf("%s|%s|%s|%s|%d", c.Kind, c.Email, uuidOrEmpty(c.LogID), uuidOrEmpty(c.CampaignID), c.ExpiresAt)
}

func decode(payload string) (Claims, error) {
	parts := strings.Split(payload, "|")
	if len(parts) != 5 {
		return Claims{}, fmt.Errorf("malformed payload")
	}
	c := Claims{Kind: Kind(parts[0]), Email: parts[1]}
	switch c.Kind {
	case KindPreference, KindUnsubscribe, KindTracking:
	default:
		return Claims{}, fmt.Errorf("unknown kind %q", parts[0])
	}
	if parts[2] != "" {
		id, err := uuid.Parse(parts[2])
		if err != nil {
			return Claims{}, err
		}
		c.LogID = id
	}
	if parts[3] != "" {
		id, err := uuid.Parse(parts[3])
		if err != nil {
			return Claims{}, err
		}
		c.CampaignID = id
	}
	exp, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil {
		return Claims{}, err
	}
	c.ExpiresAt = exp
	return c, nil
}

func uuidOrEmpty(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}
