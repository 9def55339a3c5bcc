package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"notebook-builder/internal/domain"
)

// SESAPI is the subset of the SES client used here.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, opts ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SES delivers outcome messages by e-mail.
type SES struct {
	client  SESAPI
	sender  string
	website string
	now     func() time.Time
}

var _ domain.Notifier = (*SES)(nil)

// NewSES creates an SES notifier sending from sender.
func NewSES(cfg aws.Config, sender, websiteURL string) *SES {
	return NewSESWithClient(sesv2.NewFromConfig(cfg), sender, websiteURL)
}

// NewSESWithClient creates an SES notifier over client.
func NewSESWithClient(client SESAPI, sender, websiteURL string) *SES {
	return &SES{client: client, sender: sender, website: websiteURL, now: time.Now}
}

// NotifyBuild implements domain.Notifier.
func (s *SES) NotifyBuild(ctx context.Context, n domain.BuildNotification) error {
	msg, err := Compose(n, s.website, s.now())
	if err != nil {
		return err
	}
	if msg.To == "" {
		return domain.ErrValidation("user %s has no e-mail address", n.User.ID)
	}
	_, err = s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.sender),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		ReplyToAddresses: []string{s.sender},
		Content: &types.EmailContent{Simple: &types.Message{
			Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")},
				Html: &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")},
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("send outcome e-mail for build %s: %w", n.Build.ID, err)
	}
	return nil
}

// Log is a Notifier that only logs, for nodes without a sender address.
type Log struct {
	Logger *slog.Logger
}

var _ domain.Notifier = Log{}

// NotifyBuild implements domain.Notifier.
func (l Log) NotifyBuild(_ context.Context, n domain.BuildNotification) error {
	if n.Build == nil {
		return nil
	}
	l.Logger.Info("build outcome", "build_id", n.Build.ID, "outcome", n.Outcome, "log_url", n.LogURL)
	return nil
}
