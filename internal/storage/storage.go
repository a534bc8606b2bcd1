// Package storage keeps document files in a tenant-namespaced object store.
package storage

import (
	"context"
	"io"
	"path"
	"strings"
)

// URLType selects the lifetime of a signed URL.
type URLType int

// Signed URL lifetimes.
const (
	URLSession URLType = iota
	URLTemporary
)

// ForgottenDir is the root prefix of dead-letter copies of saved documents.
const ForgottenDir = "forgotten"

// ObjectStore is blob storage addressed by tenant and slash-separated path.
type ObjectStore interface {
	// PutObject writes r to path, replacing any previous object.
	PutObject(ctx context.Context, tenant, p string, r io.Reader) error
	// GetObject reads the whole object.
	GetObject(ctx context.Context, tenant, p string) ([]byte, error)
	// CreateReadStream opens the object for streaming and returns its size.
	CreateReadStream(ctx context.Context, tenant, p string) (io.ReadCloser, int64, error)
	// HeadObject returns the object size or errs.ErrNotFound.
	HeadObject(ctx context.Context, tenant, p string) (int64, error)
	// CopyObject copies src to dst within the tenant.
	CopyObject(ctx context.Context, tenant, src, dst string) error
	// ListObjects returns the paths of all objects under prefix.
	ListObjects(ctx context.Context, tenant, prefix string) ([]string, error)
	// DeletePath removes every object under prefix.
	DeletePath(ctx context.Context, tenant, prefix string) error
	// SignedURL returns a time-limited download link for one object.
	SignedURL(ctx context.Context, tenant, baseURL, p string, t URLType, filename string) (string, error)
	// SignedURLs returns download links for every object under prefix, keyed by path relative to it.
	SignedURLs(ctx context.Context, tenant, baseURL, prefix string, t URLType) (map[string]string, error)
}

// ForgottenPrefix is where the dead-letter copy of docID is kept.
func ForgottenPrefix(docID string) string {
	return ForgottenDir + "/" + docID + "/"
}

// ForgottenMarker is the cache object written when docID is opened from its forgotten copy.
func ForgottenMarker(docID, name string) string {
	return docID + "/" + name + ".txt"
}

// SanitizeTenant maps a tenant name onto a single safe path segment.
func SanitizeTenant(tenant string) string {
	var b strings.Builder
	for _, r := range tenant {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := b.String()
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

// cleanPath normalises p into a relative path that cannot leave the root.
func cleanPath(p string) string {
	c := strings.TrimPrefix(path.Clean("/"+p), "/")
	if c != "" && strings.HasSuffix(p, "/") {
		c += "/"
	}
	return c
}
