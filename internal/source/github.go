// Package source fetches notebooks from the repositories they live in.
package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"

	"notebook-builder/internal/domain"
)

// apiVersion pins the GitHub REST API version.
const apiVersion = "2022-11-28"

const defaultBaseURL = "https://api.github.com"

// maxNotebookBytes bounds the size of a fetched notebook.
const maxNotebookBytes = 100 << 20

// Config configures a GitHub source.
type Config struct {
	// BaseURL defaults to https://api.github.com.
	BaseURL    string
	HTTPClient *http.Client
	// RequestsPerSecond caps outgoing API calls. Zero means 10.
	RequestsPerSecond float64
	Logger            *slog.Logger
}

// GitHub fetches single notebook files through the contents API using the
// owner's stored token.
type GitHub struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

var _ domain.NotebookSource = (*GitHub)(nil)

// NewGitHub creates a GitHub source.
func NewGitHub(cfg Config) *GitHub {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	rps := cfg.RequestsPerSecond
	if rps == 0 {
		rps = 10
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &GitHub{
		baseURL: base,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		logger:  logger.With("component", "github"),
	}
}

// FetchNotebook implements domain.NotebookSource.
func (g *GitHub) FetchNotebook(ctx context.Context, user *domain.User, ref domain.SourceRef) ([]byte, error) {
	if ref.Owner == "" || ref.Repository == "" || ref.NotebookPath == "" {
		return nil, domain.ErrValidation("source reference %s is incomplete", ref)
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/repos/%s/%s/contents/%s", g.baseURL,
		url.PathEscape(ref.Owner), url.PathEscape(ref.Repository), escapePath(ref.NotebookPath))
	if r := ref.Ref(); r != "" {
		endpoint += "?ref=" + url.QueryEscape(r)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build contents request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.raw+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if user != nil && user.GithubToken != "" {
		req.Header.Set("Authorization", "Bearer "+user.GithubToken)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ref, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, domain.ErrNotFound("notebook %s not found", ref)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		g.logger.Warn("github refused contents request", "status", resp.StatusCode, "source", ref.String())
		return nil, domain.ErrAccessDenied("github refused access to %s", ref)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch %s: unexpected status %s", ref, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxNotebookBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ref, err)
	}
	if len(data) > maxNotebookBytes {
		return nil, domain.ErrValidation("notebook %s exceeds %d bytes", ref, maxNotebookBytes)
	}
	return data, nil
}

func escapePath(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
