// Package messaging provides pluggable WhatsApp delivery channels.
//
// A Service sends one message to one recipient and classifies failures as
// transient or permanent. Persistence, retry, and rate limiting live above
// this layer, keeping each channel stateless and independently testable.
package messaging

import (
	"context"
	"fmt"
	"regexp"
)

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient
	// phone number. Returns the canonicalized recipient and an error if
	// validation fails. Validation failures are permanent.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient. Failures should be returned
	// as a *SendError so callers can distinguish transient from permanent
	// conditions; unclassified errors are treated as transient.
	SendMessage(ctx context.Context, to string, body string) error
}

// SendError is a classified delivery failure.
type SendError struct {
	// Transient failures (timeouts, 5xx, rate-limit signals) may be retried.
	// Permanent failures (invalid recipient, rejected content) may not.
	Transient bool
	Detail    string
	Err       error
}

func (e *SendError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s delivery failure: %s: %v", kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s delivery failure: %s", kind, e.Detail)
}

func (e *SendError) Unwrap() error { return e.Err }

// NewTransientError creates a retryable SendError.
func NewTransientError(detail string, err error) *SendError {
	return &SendError{Transient: true, Detail: detail, Err: err}
}

// NewPermanentError creates a non-retryable SendError.
func NewPermanentError(detail string, err error) *SendError {
	return &SendError{Transient: false, Detail: detail, Err: err}
}

// phoneNumberRegex matches everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// canonicalizePhone strips non-numeric characters and validates the result.
// Shared by all channels: the external APIs want bare digit strings.
func canonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return canonical, nil
}

// MockService records sent messages for tests. Sends can be scripted to fail
// by setting SendErr.
type MockService struct {
	Sent    []MockSentMessage
	SendErr error
}

// MockSentMessage is one recorded send.
type MockSentMessage struct {
	To   string
	Body string
}

// NewMockService creates an empty MockService.
func NewMockService() *MockService {
	return &MockService{}
}

func (m *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

func (m *MockService) SendMessage(ctx context.Context, to string, body string) error {
	if m.SendErr != nil {
		return m.SendErr
	}
	m.Sent = append(m.Sent, MockSentMessage{To: to, Body: body})
	return nil
}
