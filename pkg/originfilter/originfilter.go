// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

// Package originfilter decides whether a message's claimed origin may be trusted.
package originfilter

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

type Matcher interface {
	Matches(candidate string) bool
}

type urlParts struct {
	scheme string
	host   string
	path   string
}

func parseParts(rawURL string) (urlParts, error) {
	if rawURL == "" {
		return urlParts{}, errors.New("empty url")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return urlParts{}, err
	}
	if u.Scheme == "" || u.Host == "" {
		return urlParts{}, fmt.Errorf("url %q has no scheme or host", rawURL)
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return urlParts{
		scheme: strings.ToLower(u.Scheme),
		host:   strings.ToLower(u.Host),
		path:   path,
	}, nil
}

// OriginFilter matches candidates by scheme, host and a path prefix.
// It is parsed once at construction and never mutated.
type OriginFilter struct {
	scheme     string
	host       string
	pathPrefix string
}

func MakeOriginFilter(filterURL string) (*OriginFilter, error) {
	parts, err := parseParts(filterURL)
	if err != nil {
		return nil, fmt.Errorf("invalid origin filter: %w", err)
	}
	return &OriginFilter{
		scheme:     parts.scheme,
		host:       parts.host,
		pathPrefix: parts.path,
	}, nil
}

// Matches reports whether candidate (an origin or a full url) has the same scheme and
// host as the filter and a path starting with the filter's path. Unparseable input
// never matches.
func (f *OriginFilter) Matches(candidate string) bool {
	if f == nil {
		return false
	}
	parts, err := parseParts(candidate)
	if err != nil {
		return false
	}
	return parts.scheme == f.scheme && parts.host == f.host && strings.HasPrefix(parts.path, f.pathPrefix)
}

func (f *OriginFilter) String() string {
	return f.scheme + "://" + f.host + f.pathPrefix
}

// ExactOrigin matches only one scheme+host+port, ignoring any path.
type ExactOrigin struct {
	scheme string
	host   string
}

func MakeExactOrigin(origin string) (*ExactOrigin, error) {
	parts, err := parseParts(origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin: %w", err)
	}
	return &ExactOrigin{scheme: parts.scheme, host: parts.host}, nil
}

func (o *ExactOrigin) Matches(candidate string) bool {
	if o == nil {
		return false
	}
	parts, err := parseParts(candidate)
	if err != nil {
		return false
	}
	return parts.scheme == o.scheme && parts.host == o.host
}

func (o *ExactOrigin) String() string {
	return o.scheme + "://" + o.host
}

// OriginOf returns the scheme://host[:port] part of rawURL.
func OriginOf(rawURL string) (string, error) {
	parts, err := parseParts(rawURL)
	if err != nil {
		return "", err
	}
	return parts.scheme + "://" + parts.host, nil
}
