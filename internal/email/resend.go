package email

import (
	"context"
	"errors"
	"fmt"

	"github.com/resend/resend-go/v2"
)

// message is one outgoing email; kind tags it in Resend for delivery stats.
type message struct {
	kind    string
	to      string
	subject string
	html    string
}

// deliver makes a single attempt through Resend. Retries are the job
// queue's concern.
func (s *Service) deliver(ctx context.Context, msg message) error {
	if s.resendClient == nil {
		return errors.New("resend client not initialized")
	}

	sent, err := s.resendClient.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    s.config.From,
		To:      []string{msg.to},
		Subject: msg.subject,
		Html:    msg.html,
		Tags:    []resend.Tag{{Name: "kind", Value: msg.kind}},
	})
	if err == nil {
		s.logger.Info().Str("email_id", sent.Id).Str("kind", msg.kind).Msg("email delivered to resend")
		return nil
	}

	var limited *resend.RateLimitError
	if errors.As(err, &limited) {
		s.logger.Warn().
			Str("kind", msg.kind).
			Str("remaining", limited.Remaining).
			Str("reset", limited.Reset).
			Msg("resend rate limit hit")
		return fmt.Errorf("resend rate limited, resets in %ss: %w", limited.Reset, err)
	}
	return fmt.Errorf("send %s email: %w", msg.kind, err)
}
