package subscriber

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// Service implements the preference center and consent operations on
// top of the store. Every mutation leaves an audit row.
type Service struct {
	store *Store
	salt  string
	now   func() time.Time
}

// NewService creates the subscriber service. The salt feeds the
// anonymization hash and must stay stable so repeat anonymization of
// the same address (via different rows) produces the same placeholder.
func NewService(store *Store, salt string) *Service {
	return &Service{store: store, salt: salt, now: time.Now}
}

// GetByEmail returns the subscriber for an email, or (nil, nil).
func (s *Service) GetByEmail(ctx context.Context, email string) (*Subscriber, error) {
	return s.store.GetByEmail(ctx, email)
}

// FindOrCreate returns the subscriber for an email, creating an ACTIVE
// row when none exists. Used when a qualifying event arrives for an
// address we have never seen.
func (s *Service) FindOrCreate(ctx context.Context, email, source string) (*Subscriber, error) {
	sub, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if sub != nil {
		return sub, nil
	}
	sub = &Subscriber{
		Email:       email,
		Status:      StatusActive,
		Source:      source,
		Preferences: Preferences{},
	}
	if err := s.store.Create(ctx, sub); err != nil {
		return nil, err
	}
	log.Printf("[SubscriberService] Created subscriber %s from source %s", sub.ID, source)
	return sub, nil
}

// UpdatePreferences replaces a subscriber's preference map and always
// appends a PreferenceLog carrying the full before/after state, even
// when nothing changed. The audit trail records every save, not every
// diff.
func (s *Service) UpdatePreferences(ctx context.Context, email string, prefs Preferences, source string) (*Subscriber, error) {
	sub, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, fmt.Errorf("subscriber not found")
	}
	if sub.Status == StatusAnonymized {
		return nil, fmt.Errorf("subscriber is anonymized")
	}

	before := prefsToJSON(sub.Preferences)
	if err := s.store.UpdatePreferences(ctx, sub.ID, prefs); err != nil {
		return nil, err
	}
	entry := &PreferenceLog{
		SubscriberID: sub.ID,
		Before:       before,
		After:        prefsToJSON(prefs),
		Source:       source,
	}
	if err := s.store.InsertPreferenceLog(ctx, entry); err != nil {
		return nil, err
	}
	sub.Preferences = prefs
	return sub, nil
}

// HardUnsubscribe flips a subscriber to UNSUBSCRIBED and records a
// consent row. Unsubscribing an already unsubscribed (or anonymized)
// subscriber is a silent no-op so repeated link clicks stay idempotent.
func (s *Service) HardUnsubscribe(ctx context.Context, email, source string) error {
	sub, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		return err
	}
	if sub == nil {
		return fmt.Errorf("subscriber not found")
	}

	changed, err := s.store.MarkUnsubscribed(ctx, sub.ID, s.now())
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	entry := &ConsentLog{SubscriberID: sub.ID, Action: ConsentUnsubscribed, Source: source}
	if err := s.store.InsertConsentLog(ctx, entry); err != nil {
		return err
	}
	log.Printf("[SubscriberService] Unsubscribed %s via %s", sub.ID, source)
	return nil
}

// Anonymize irreversibly strips PII: the email becomes a salted-hash
// placeholder, name and preferences are cleared, and historical send
// logs are rewritten to the placeholder. Terminal: an ANONYMIZED
// subscriber cannot be anonymized again or otherwise modified.
func (s *Service) Anonymize(ctx context.Context, id uuid.UUID, source string) error {
	sub, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sub == nil {
		return fmt.Errorf("subscriber not found")
	}
	if sub.Status == StatusAnonymized {
		return fmt.Errorf("subscriber already anonymized")
	}

	placeholder := s.placeholderEmail(sub.Email)
	changed, err := s.store.Anonymize(ctx, id, placeholder)
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("subscriber already anonymized")
	}
	if err := s.store.RewriteSendLogEmails(ctx, id, placeholder); err != nil {
		return err
	}
	entry := &ConsentLog{SubscriberID: id, Action: ConsentAnonymized, Source: source}
	if err := s.store.InsertConsentLog(ctx, entry); err != nil {
		return err
	}
	log.Printf("[SubscriberService] Anonymized subscriber %s", id)
	return nil
}

// placeholderEmail derives a stable, non-reversible address from the
// original. The .invalid TLD guarantees it can never be delivered to.
func (s *Service) placeholderEmail(email string) string {
	sum := sha256.Sum256([]byte(s.salt + NormalizeEmail(email)))
	return "anon-" + hex.EncodeToString(sum[:8]) + "@anonymized.invalid"
}

func prefsToJSON(p Preferences) JSON {
	out := JSON{}
	for k, v := range p {
		out[k] = v
	}
	return out
}
