// Package mail abstracts the outbound email transport. Send engines
// depend on the Sender interface; the SES adapter is the production
// implementation.
package mail

import "context"

// Message is one outbound email, fully rendered.
type Message struct {
	To        string
	FromName  string
	FromEmail string
	ReplyTo   string
	Subject   string
	HTML      string
	Text      string
	// Headers carries extra SMTP headers such as List-Unsubscribe.
	Headers map[string]string
}

// SendResult reports the transport outcome. Delivery failures come
// back in the result rather than as an error, so one bad recipient
// never aborts a batch; a non-nil error means the transport itself is
// unusable.
type SendResult struct {
	Success   bool
	MessageID string
	Error     error
}

// Sender delivers a single email.
type Sender interface {
	Send(ctx context.Context, msg *Message) (*SendResult, error)
}
