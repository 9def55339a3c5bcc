package domain

import (
	"encoding/base64"
	"strconv"
	"strings"
)

const (
	// DefaultMaxResults applies when a listing does not ask for a page size.
	DefaultMaxResults = 100
	// MaxMaxResults caps the page size of build listings.
	MaxMaxResults = 1000
)

const pageTokenPrefix = "off:"

// PageRequest selects one page of a listing. PageToken is opaque to callers;
// it is produced by Next.
type PageRequest struct {
	MaxResults int
	PageToken  string
}

// Offset is the number of rows skipped. Malformed tokens start over at 0.
func (p PageRequest) Offset() int {
	raw, err := base64.RawURLEncoding.DecodeString(p.PageToken)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimPrefix(string(raw), pageTokenPrefix))
	if err != nil || n < 0 || !strings.HasPrefix(string(raw), pageTokenPrefix) {
		return 0
	}
	return n
}

// Limit is MaxResults clamped to [1, MaxMaxResults].
func (p PageRequest) Limit() int {
	switch {
	case p.MaxResults <= 0:
		return DefaultMaxResults
	case p.MaxResults > MaxMaxResults:
		return MaxMaxResults
	}
	return p.MaxResults
}

// Next returns the request for the page after p, or false when total rows
// have all been seen.
func (p PageRequest) Next(total int64) (PageRequest, bool) {
	off := p.Offset() + p.Limit()
	if int64(off) >= total {
		return PageRequest{}, false
	}
	return PageRequest{
		MaxResults: p.MaxResults,
		PageToken:  base64.RawURLEncoding.EncodeToString([]byte(pageTokenPrefix + strconv.Itoa(off))),
	}, true
}
