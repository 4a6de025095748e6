package messaging

import (
	"context"

	"github.com/beborico1/whatsapp-scheduler/internal/whatsapp"
)

// WhatsmeowService implements Service on top of a paired personal WhatsApp
// account via the whatsapp package.
type WhatsmeowService struct {
	sender whatsapp.Sender
}

var _ Service = (*WhatsmeowService)(nil)

// NewWhatsmeowService wraps a connected WhatsApp client.
func NewWhatsmeowService(sender whatsapp.Sender) *WhatsmeowService {
	return &WhatsmeowService{sender: sender}
}

// ValidateAndCanonicalizeRecipient strips formatting characters and validates
// the phone number.
func (s *WhatsmeowService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// SendMessage sends a text message through the paired WhatsApp session.
// Failures here are almost always connection or server-side issues, so they
// are classified transient and left to the retry policy.
func (s *WhatsmeowService) SendMessage(ctx context.Context, to string, body string) error {
	if err := s.sender.SendMessage(ctx, to, body); err != nil {
		return NewTransientError("whatsmeow send failed", err)
	}
	return nil
}
