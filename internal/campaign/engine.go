package campaign

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/audience-engine/internal/mail"
	"github.com/ignite/audience-engine/internal/subscriber"
	"github.com/ignite/audience-engine/internal/template"
)

// MinPreparationMinutes is the shortest allowed lead time when
// scheduling a campaign.
const MinPreparationMinutes = 5

// Stores is the persistence surface the engine needs. Implemented by
// *Store.
type Stores interface {
	Get(ctx context.Context, id uuid.UUID) (*Campaign, error)
	ListDue(ctx context.Context, now time.Time) ([]*Campaign, error)
	ClaimForSending(ctx context.Context, id uuid.UUID) (bool, error)
	FinishSending(ctx context.Context, id uuid.UUID, sent, failed int, at time.Time) error
	CreateLog(ctx context.Context, l *SendLog) error
	GetLog(ctx context.Context, id uuid.UUID) (*SendLog, error)
	MarkSent(ctx context.Context, id uuid.UUID, messageID string, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, sendErr string) error
	MarkOpened(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkClicked(ctx context.Context, id uuid.UUID, at time.Time) error
	CampaignStats(ctx context.Context, campaignID uuid.UUID) (*Stats, error)
}

// Templates loads stored templates. Implemented by the template store.
type Templates interface {
	Get(ctx context.Context, id uuid.UUID) (*template.Template, error)
}

// Renderer renders Liquid sources. Implemented by the template
// renderer.
type Renderer interface {
	Render(source string, bindings map[string]interface{}) (string, error)
}

// Audience resolves a filter into recipients. Implemented by
// *AudienceResolver.
type Audience interface {
	Resolve(ctx context.Context, filter AudienceFilter) ([]Recipient, error)
}

// Engine sends campaigns and automation step emails.
type Engine struct {
	store     Stores
	audience  Audience
	directory Directory
	templates Templates
	renderer  Renderer
	sender    mail.Sender
	tracking  *TrackingBuilder
	fromName  string
	fromEmail string
	now       func() time.Time
}

func NewEngine(store Stores, audience Audience, directory Directory, templates Templates, renderer Renderer, sender mail.Sender, tracking *TrackingBuilder, fromName, fromEmail string) *Engine {
	return &Engine{
		store:     store,
		audience:  audience,
		directory: directory,
		templates: templates,
		renderer:  renderer,
		sender:    sender,
		tracking:  tracking,
		fromName:  fromName,
		fromEmail: fromEmail,
		now:       time.Now,
	}
}

// SendNow resolves the audience and sends the campaign to every
// recipient. Each recipient gets a send log regardless of outcome; a
// failing recipient never aborts the batch. The returned report always
// satisfies Sent+Failed == Total.
func (e *Engine) SendNow(ctx context.Context, campaignID uuid.UUID) (*BatchReport, error) {
	c, err := e.store.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("campaign %s not found", campaignID)
	}

	// Resolve the template before claiming so a missing template
	// leaves the campaign sendable after the fix.
	tpl, err := e.templates.Get(ctx, c.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load template: %w", err)
	}

	claimed, err := e.store.ClaimForSending(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, fmt.Errorf("campaign %s cannot be sent from status %s", campaignID, c.Status)
	}

	start := e.now()
	recipients, err := e.audience.Resolve(ctx, c.Audience)
	if err != nil {
		// The campaign stays SENDING for operator attention; nothing
		// was sent.
		return nil, fmt.Errorf("failed to resolve audience: %w", err)
	}

	report := &BatchReport{CampaignID: campaignID, Total: len(recipients), StartedAt: start}
	for _, recipient := range recipients {
		result := e.sendToRecipient(ctx, c, tpl, recipient)
		if result.Sent {
			report.Sent++
		} else {
			report.Failed++
		}
		report.Results = append(report.Results, result)
	}

	finishedAt := e.now()
	report.DurationMs = finishedAt.Sub(start).Milliseconds()
	if err := e.store.FinishSending(ctx, campaignID, report.Sent, report.Failed, finishedAt); err != nil {
		return report, err
	}
	log.Printf("[CampaignEngine] Campaign %s sent: %d ok, %d failed of %d", campaignID, report.Sent, report.Failed, report.Total)
	return report, nil
}

func (e *Engine) sendToRecipient(ctx context.Context, c *Campaign, tpl *template.Template, recipient Recipient) RecipientResult {
	result := RecipientResult{Email: recipient.Email}
	if recipient.Subscriber != nil {
		id := recipient.Subscriber.ID
		result.SubscriberID = &id
	}

	entry := &SendLog{
		CampaignID:     &c.ID,
		SubscriberID:   result.SubscriberID,
		RecipientEmail: recipient.Email,
	}
	if err := e.store.CreateLog(ctx, entry); err != nil {
		result.Error = err.Error()
		return result
	}
	result.LogID = entry.ID

	msg, err := e.compose(tpl, recipient.Subscriber, recipient.Email, entry.ID, c.ID)
	if err != nil {
		e.fail(ctx, entry.ID, err)
		result.Error = err.Error()
		return result
	}
	msg.FromName = c.FromName
	msg.FromEmail = c.FromEmail

	sendResult, err := e.sender.Send(ctx, msg)
	if err != nil {
		e.fail(ctx, entry.ID, err)
		result.Error = err.Error()
		return result
	}
	if !sendResult.Success {
		e.fail(ctx, entry.ID, sendResult.Error)
		if sendResult.Error != nil {
			result.Error = sendResult.Error.Error()
		}
		return result
	}

	if err := e.store.MarkSent(ctx, entry.ID, sendResult.MessageID, e.now()); err != nil {
		log.Printf("[CampaignEngine] Failed to mark log %s sent: %v", entry.ID, err)
	}
	result.Sent = true
	return result
}

// SendStep sends one automation step email to a subscriber. Satisfies
// the automation engine's Mailer; a missing template surfaces as
// template.ErrNotFound so the run gets cancelled rather than retried.
func (e *Engine) SendStep(ctx context.Context, subscriberID, templateID uuid.UUID) error {
	tpl, err := e.templates.Get(ctx, templateID)
	if err != nil {
		return err
	}
	sub, err := e.directory.Get(ctx, subscriberID)
	if err != nil {
		return err
	}
	if sub == nil {
		return fmt.Errorf("subscriber %s not found", subscriberID)
	}
	// The subscriber may have opted out after enrollment.
	if sub.Status != subscriber.StatusActive {
		log.Printf("[CampaignEngine] Skipping step send to %s subscriber %s", sub.Status, subscriberID)
		return nil
	}

	entry := &SendLog{
		SubscriberID:   &sub.ID,
		RecipientEmail: sub.Email,
	}
	if err := e.store.CreateLog(ctx, entry); err != nil {
		return err
	}

	msg, err := e.compose(tpl, sub, sub.Email, entry.ID, uuid.Nil)
	if err != nil {
		e.fail(ctx, entry.ID, err)
		return err
	}
	msg.FromName = e.fromName
	msg.FromEmail = e.fromEmail

	sendResult, err := e.sender.Send(ctx, msg)
	if err != nil {
		e.fail(ctx, entry.ID, err)
		return err
	}
	if !sendResult.Success {
		e.fail(ctx, entry.ID, sendResult.Error)
		return fmt.Errorf("send failed: %v", sendResult.Error)
	}
	return e.store.MarkSent(ctx, entry.ID, sendResult.MessageID, e.now())
}

// DispatchDue promotes SCHEDULED campaigns past their scheduled time
// into the send path. Run by the scheduler; per-campaign failures are
// logged and retried next tick.
func (e *Engine) DispatchDue(ctx context.Context) error {
	due, err := e.store.ListDue(ctx, e.now())
	if err != nil {
		return fmt.Errorf("failed to list due campaigns: %w", err)
	}
	for _, c := range due {
		if _, err := e.SendNow(ctx, c.ID); err != nil {
			log.Printf("[CampaignEngine] Failed to dispatch campaign %s: %v", c.ID, err)
		}
	}
	return nil
}

// MarkOpened records an open on a send log (idempotent).
func (e *Engine) MarkOpened(ctx context.Context, logID uuid.UUID) error {
	return e.store.MarkOpened(ctx, logID, e.now())
}

// MarkClicked records a click on a send log (idempotent, implies open).
func (e *Engine) MarkClicked(ctx context.Context, logID uuid.UUID) error {
	return e.store.MarkClicked(ctx, logID, e.now())
}

// GetLog exposes send-log lookup for the tracking handlers.
func (e *Engine) GetLog(ctx context.Context, logID uuid.UUID) (*SendLog, error) {
	return e.store.GetLog(ctx, logID)
}

// Stats returns the aggregated send-log counts for a campaign.
func (e *Engine) Stats(ctx context.Context, campaignID uuid.UUID) (*Stats, error) {
	return e.store.CampaignStats(ctx, campaignID)
}

// compose renders subject and body and injects tracking. The rendered
// bindings include the unsubscribe URL so templates can place their own
// footer link.
func (e *Engine) compose(tpl *template.Template, sub *subscriber.Subscriber, email string, logID, campaignID uuid.UUID) (*mail.Message, error) {
	bindings := map[string]interface{}{
		"email":           email,
		"unsubscribe_url": e.tracking.UnsubscribeURL(email),
	}
	if sub != nil {
		bindings["first_name"] = sub.FirstName
		bindings["last_name"] = sub.LastName
		bindings["tags"] = sub.Tags
	}

	subject, err := e.renderer.Render(tpl.Subject, bindings)
	if err != nil {
		return nil, fmt.Errorf("failed to render subject: %w", err)
	}
	html, err := e.renderer.Render(tpl.HTML, bindings)
	if err != nil {
		return nil, fmt.Errorf("failed to render body: %w", err)
	}
	html = e.tracking.Inject(html, logID, campaignID)

	return &mail.Message{
		To:      email,
		Subject: subject,
		HTML:    html,
		Headers: map[string]string{
			"List-Unsubscribe": e.tracking.ListUnsubscribeHeader(email),
		},
	}, nil
}

func (e *Engine) fail(ctx context.Context, logID uuid.UUID, sendErr error) {
	msg := "send failed"
	if sendErr != nil {
		msg = sendErr.Error()
	}
	if err := e.store.MarkFailed(ctx, logID, msg); err != nil {
		log.Printf("[CampaignEngine] Failed to mark log %s failed: %v", logID, err)
	}
}

// ValidateScheduleTime rejects schedule times that are too soon to
// prepare a send.
func ValidateScheduleTime(scheduledAt, now time.Time) error {
	minTime := now.Add(MinPreparationMinutes * time.Minute)
	if scheduledAt.Before(minTime) {
		return fmt.Errorf("scheduled time must be at least %d minutes in the future (minimum: %s)",
			MinPreparationMinutes, minTime.Format(time.RFC3339))
	}
	return nil
}

// CanCancel reports whether a campaign in the given status can still
// be cancelled.
func CanCancel(status string) bool {
	switch status {
	case StatusDraft, StatusScheduled:
		return true
	}
	return false
}
