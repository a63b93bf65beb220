package campaign

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func TestGetLogScansQueuedRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	logID := uuid.New()
	campaignID := uuid.New()
	subscriberID := uuid.New()

	// A freshly queued log has NULL error, message_id and every
	// timestamp except created_at.
	rows := sqlmock.NewRows([]string{
		"id", "campaign_id", "subscriber_id", "recipient_email", "status", "error",
		"message_id", "sent_at", "opened_at", "clicked_at", "created_at",
	}).AddRow(logID, campaignID, subscriberID, "jane@example.com", LogQueued, nil, nil, nil, nil, nil, now)

	mock.ExpectQuery("SELECT id, campaign_id, subscriber_id").
		WithArgs(logID).
		WillReturnRows(rows)

	l, err := NewStore(db).GetLog(context.Background(), logID)
	if err != nil {
		t.Fatalf("GetLog() error: %v", err)
	}
	if l == nil {
		t.Fatal("GetLog() = nil")
	}
	if l.Error != "" || l.MessageID != "" {
		t.Errorf("Error = %q, MessageID = %q, want both empty", l.Error, l.MessageID)
	}
	if l.RecipientEmail != "jane@example.com" || l.Status != LogQueued {
		t.Errorf("log = %+v", l)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGetLogScansSentRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	logID := uuid.New()

	// SENT rows carry a message_id but still a NULL error column.
	rows := sqlmock.NewRows([]string{
		"id", "campaign_id", "subscriber_id", "recipient_email", "status", "error",
		"message_id", "sent_at", "opened_at", "clicked_at", "created_at",
	}).AddRow(logID, nil, nil, "guest@example.com", LogSent, nil, "ses-msg-1", now, nil, nil, now)

	mock.ExpectQuery("SELECT id, campaign_id, subscriber_id").
		WithArgs(logID).
		WillReturnRows(rows)

	l, err := NewStore(db).GetLog(context.Background(), logID)
	if err != nil {
		t.Fatalf("GetLog() error: %v", err)
	}
	if l.MessageID != "ses-msg-1" || l.Error != "" {
		t.Errorf("MessageID = %q, Error = %q", l.MessageID, l.Error)
	}
	if l.CampaignID != nil || l.SubscriberID != nil {
		t.Errorf("manual send log should have nil campaign/subscriber, got %+v", l)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
