// Package files resolves opaque attachment references into
// downloadable URLs. The relay never stores or serves file bytes; it
// only carries the reference and hands clients a URL on the way out.
package files

import (
	"fmt"
	"net/url"
)

type Resolver interface {
	ResolveURL(ref string) (string, error)
}

// BaseURLResolver joins references onto the file service's public base
// URL, e.g. ref "2024/att/xyz.png" -> "https://files.example.com/2024/att/xyz.png".
type BaseURLResolver struct {
	base *url.URL
}

func NewBaseURLResolver(baseURL string) (*BaseURLResolver, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute", baseURL)
	}

	return &BaseURLResolver{base: u}, nil
}

func (r *BaseURLResolver) ResolveURL(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("empty attachment reference")
	}

	return r.base.JoinPath(ref).String(), nil
}
