// Package notify sends build outcome messages to build owners.
package notify

import (
	"fmt"
	"strings"
	"time"

	gomponents "maragu.dev/gomponents"
	html "maragu.dev/gomponents/html"

	"notebook-builder/internal/domain"
)

// Message is a rendered outcome notification.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

type view struct {
	Notebook    string
	NotebookURL string
	Now         string
	Status      string
	Uploader    string
	UploaderURL string
	ShortID     string
	BuildURL    string
	LogURL      string
}

// Compose renders the outcome message for n. websiteURL is the base of the
// profile and build links.
func Compose(n domain.BuildNotification, websiteURL string, now time.Time) (Message, error) {
	if n.Build == nil || n.User == nil {
		return Message{}, domain.ErrValidation("notification needs a build and a user")
	}
	src := n.Build.Source
	notebook := src.NotebookPath

	var subject, status string
	switch n.Outcome {
	case domain.BuildStatusFinished:
		subject, status = "Build all done for "+notebook, "Success"
	case domain.BuildStatusError:
		subject, status = "Build errored for "+notebook, "Error (Look in log for details)"
	default:
		subject, status = "Build cancelled for "+notebook, "Cancelled"
	}

	website := strings.TrimSuffix(websiteURL, "/")
	v := view{
		Notebook:    notebook,
		NotebookURL: NotebookURL(src),
		Now:         now.UTC().Truncate(time.Second).Format("2006-01-02T15:04:05"),
		Status:      status,
		Uploader:    n.User.GithubUsername,
		UploaderURL: website + "/profile/" + n.User.ID,
		ShortID:     shortID(n.Build.ID),
		BuildURL:    website + "/build_start/" + n.Build.ID,
		LogURL:      n.LogURL,
	}

	var text strings.Builder
	fmt.Fprintf(&text, "Status: %s\n\nUploaded by: %s\n\nBuild: %s\n\nNotebook: %s\n\n", v.Status, v.Uploader, v.ShortID, v.NotebookURL)
	if v.LogURL != "" {
		fmt.Fprintf(&text, "Build Log: %s\n\nlog link will be valid for 1 week\n", v.LogURL)
	}

	var body strings.Builder
	if err := htmlBody(v).Render(&body); err != nil {
		return Message{}, fmt.Errorf("render outcome message: %w", err)
	}
	return Message{To: n.User.Email, Subject: subject, Text: text.String(), HTML: body.String()}, nil
}

func link(href, label string) gomponents.Node {
	return html.A(html.Href(href), gomponents.Text(label))
}

func htmlBody(v view) gomponents.Node {
	return gomponents.Group([]gomponents.Node{
		gomponents.Text("Here are your build results for "), link(v.NotebookURL, v.Notebook),
		gomponents.Text(" run on " + v.Now), html.Br(),
		gomponents.Text("Status: " + v.Status), html.Br(),
		gomponents.Text("Uploaded by: "), link(v.UploaderURL, v.Uploader), html.Br(),
		gomponents.Text("Build: "), link(v.BuildURL, v.ShortID), html.Br(),
		gomponents.If(v.LogURL != "", gomponents.Group([]gomponents.Node{
			gomponents.Text("Build Log: "), link(v.LogURL, "Download here"), html.Br(),
			gomponents.Text("(log link will be valid for 1 week)"),
		})),
	})
}

// NotebookURL links to the notebook on GitHub at the build's ref.
func NotebookURL(src domain.SourceRef) string {
	return fmt.Sprintf("https://github.com/%s/%s/blob/%s/%s", src.Owner, src.Repository, src.Ref(), strings.TrimPrefix(src.NotebookPath, "/"))
}

func shortID(id string) string {
	head, _, _ := strings.Cut(id, "-")
	return head
}
