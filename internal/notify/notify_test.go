package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notebook-builder/internal/domain"
)

func notification(outcome domain.BuildStatus) domain.BuildNotification {
	commit := "c0ffee"
	return domain.BuildNotification{
		Build: &domain.BuildJob{
			ID: "0190c3f1-7b2a-7def-8000-000000000001",
			Source: domain.SourceRef{
				Owner: "octocat", Repository: "models", Branch: "main", Commit: &commit,
				NotebookPath: "nb/sentiment.ipynb",
			},
		},
		User:    &domain.User{ID: "u-1", GithubUsername: "octocat", Email: "octo@example.com"},
		Outcome: outcome,
		LogURL:  "https://logs.example/b?sig=a&b",
	}
}

func TestCompose(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 5, 999, time.UTC)

	tests := []struct {
		outcome domain.BuildStatus
		subject string
		status  string
	}{
		{domain.BuildStatusFinished, "Build all done for nb/sentiment.ipynb", "Status: Success"},
		{domain.BuildStatusError, "Build errored for nb/sentiment.ipynb", "Status: Error (Look in log for details)"},
		{domain.BuildStatusCancelled, "Build cancelled for nb/sentiment.ipynb", "Status: Cancelled"},
	}
	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			msg, err := Compose(notification(tt.outcome), "https://site.example/", now)
			require.NoError(t, err)
			assert.Equal(t, "octo@example.com", msg.To)
			assert.Equal(t, tt.subject, msg.Subject)
			assert.Contains(t, msg.Text, tt.status)
			assert.Contains(t, msg.Text, "Build: 0190c3f1")
			assert.Contains(t, msg.Text, "https://github.com/octocat/models/blob/c0ffee/nb/sentiment.ipynb")
			assert.Contains(t, msg.HTML, `href="https://site.example/profile/u-1"`)
			assert.Contains(t, msg.HTML, "2026-03-01T12:30:05")
			assert.Contains(t, msg.HTML, "sig=a&amp;b", "links are escaped")
		})
	}

	_, err := Compose(domain.BuildNotification{}, "", now)
	assert.Error(t, err)
}

func TestCompose_HTMLBody(t *testing.T) {
	n := notification(domain.BuildStatusFinished)
	n.Build.Source.NotebookPath = "nb/<b>x</b>.ipynb"
	n.LogURL = ""

	msg, err := Compose(n, "https://site.example", time.Unix(0, 0))
	require.NoError(t, err)
	assert.Contains(t, msg.HTML, "&lt;b&gt;x&lt;/b&gt;.ipynb</a>")
	assert.NotContains(t, msg.HTML, "<b>")
	assert.Contains(t, msg.HTML, `Build: <a href="https://site.example/build_start/0190c3f1-7b2a-7def-8000-000000000001">0190c3f1</a><br>`)
	assert.NotContains(t, msg.HTML, "Build Log")
}

type fakeSES struct {
	in  *sesv2.SendEmailInput
	err error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.in = in
	return &sesv2.SendEmailOutput{}, f.err
}

func TestSES_NotifyBuild(t *testing.T) {
	client := &fakeSES{}
	s := NewSESWithClient(client, "builds@example.com", "https://site.example")
	require.NoError(t, s.NotifyBuild(context.Background(), notification(domain.BuildStatusFinished)))

	assert.Equal(t, "builds@example.com", aws.ToString(client.in.FromEmailAddress))
	assert.Equal(t, []string{"octo@example.com"}, client.in.Destination.ToAddresses)
	assert.Equal(t, "Build all done for nb/sentiment.ipynb", aws.ToString(client.in.Content.Simple.Subject.Data))

	client.err = errors.New("throttled")
	assert.ErrorContains(t, s.NotifyBuild(context.Background(), notification(domain.BuildStatusError)), "throttled")

	n := notification(domain.BuildStatusError)
	n.User.Email = ""
	var ve *domain.ValidationError
	assert.ErrorAs(t, s.NotifyBuild(context.Background(), n), &ve)
}
