// Package storage reads and writes build artifacts (staged notebooks, build
// logs, converted scripts) in whichever object store the log bucket lives in.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"notebook-builder/internal/domain"
)

// Backend serves one URI scheme.
type Backend interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, data []byte) error
	PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
}

// Router dispatches object URIs to the backend registered for their scheme.
type Router struct {
	backends map[string]Backend
}

var _ domain.ObjectStore = (*Router)(nil)

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{backends: make(map[string]Backend)}
}

// Register serves scheme (without "://") with b.
func (r *Router) Register(scheme string, b Backend) {
	r.backends[scheme] = b
}

// Schemes lists the registered schemes.
func (r *Router) Schemes() []string {
	out := make([]string, 0, len(r.backends))
	for s := range r.backends {
		out = append(out, s)
	}
	return out
}

// Get implements domain.ObjectStore.
func (r *Router) Get(ctx context.Context, uri string) ([]byte, error) {
	b, loc, err := r.resolve(uri)
	if err != nil {
		return nil, err
	}
	return b.Get(ctx, loc.Bucket, loc.Key)
}

// Put implements domain.ObjectStore.
func (r *Router) Put(ctx context.Context, uri string, data []byte) error {
	b, loc, err := r.resolve(uri)
	if err != nil {
		return err
	}
	return b.Put(ctx, loc.Bucket, loc.Key, data)
}

// PresignGet implements domain.ObjectStore.
func (r *Router) PresignGet(ctx context.Context, uri string, expiry time.Duration) (string, error) {
	b, loc, err := r.resolve(uri)
	if err != nil {
		return "", err
	}
	return b.PresignGet(ctx, loc.Bucket, loc.Key, expiry)
}

func (r *Router) resolve(uri string) (Backend, Location, error) {
	loc, err := ParseURI(uri)
	if err != nil {
		return nil, Location{}, err
	}
	b, ok := r.backends[loc.Scheme]
	if !ok {
		return nil, Location{}, domain.ErrValidation("no object store configured for %s:// URIs", loc.Scheme)
	}
	return b, loc, nil
}

// Location is a parsed object URI.
type Location struct {
	Scheme string
	Bucket string // empty for file://
	Key    string // absolute path for file://
}

// ParseURI splits an object URI of the form scheme://bucket/key. file:// URIs
// carry an absolute path and no bucket.
func ParseURI(uri string) (Location, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return Location{}, fmt.Errorf("parse object URI %q: %w", uri, err)
	}
	switch u.Scheme {
	case "":
		return Location{}, domain.ErrValidation("object URI %q has no scheme", uri)
	case "file":
		if u.Host != "" && u.Host != "localhost" {
			return Location{}, domain.ErrValidation("file URI %q must not name a host", uri)
		}
		if u.Path == "" || u.Path == "/" {
			return Location{}, domain.ErrValidation("empty path in %q", uri)
		}
		return Location{Scheme: u.Scheme, Key: u.Path}, nil
	}
	loc := Location{Scheme: u.Scheme, Bucket: u.Host, Key: strings.TrimPrefix(u.Path, "/")}
	if loc.Bucket == "" {
		return Location{}, domain.ErrValidation("empty bucket in %q", uri)
	}
	if loc.Key == "" {
		return Location{}, domain.ErrValidation("empty key in %q", uri)
	}
	return loc, nil
}

func notFound(bucket, key string) error {
	if bucket == "" {
		return domain.ErrNotFound("object %s not found", key)
	}
	return domain.ErrNotFound("object %s/%s not found", bucket, key)
}
