package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/and161185/docservice/internal/errs"
)

// LocalStore keeps objects as files under a root directory, one subdirectory per tenant.
type LocalStore struct {
	root   string
	signer *Signer
}

var _ ObjectStore = (*LocalStore)(nil)

// NewLocalStore creates root if needed.
func NewLocalStore(root string, signer *Signer) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create storage root %s: %w", root, err)
	}
	return &LocalStore{root: root, signer: signer}, nil
}

// Full returns the tenant-qualified path of p as used in signed URLs.
func Full(tenant, p string) string {
	return SanitizeTenant(tenant) + "/" + cleanPath(p)
}

func (s *LocalStore) fsPath(tenant, p string) string {
	return filepath.Join(s.root, filepath.FromSlash(Full(tenant, p)))
}

// PutObject writes r to a temp file, syncs it and renames it into place.
func (s *LocalStore) PutObject(_ context.Context, tenant, p string, r io.Reader) error {
	full := s.fsPath(tenant, p)
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return fmt.Errorf("put %s: %w", p, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".put-*")
	if err != nil {
		return fmt.Errorf("put %s: %w", p, err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("put %s: %w", p, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("put %s: fsync: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("put %s: %w", p, err)
	}
	if err := os.Rename(tmpPath, full); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("put %s: rename: %w", p, err)
	}
	return nil
}

// GetObject reads the whole object.
func (s *LocalStore) GetObject(ctx context.Context, tenant, p string) ([]byte, error) {
	rc, _, err := s.CreateReadStream(ctx, tenant, p)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// CreateReadStream opens the object file. The caller closes it.
func (s *LocalStore) CreateReadStream(_ context.Context, tenant, p string) (io.ReadCloser, int64, error) {
	f, err := os.Open(s.fsPath(tenant, p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, fmt.Errorf("open %s: %w", p, errs.ErrNotFound)
		}
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	if info.IsDir() {
		f.Close()
		return nil, 0, fmt.Errorf("open %s: %w", p, errs.ErrNotFound)
	}
	return f, info.Size(), nil
}

// HeadObject returns the object size.
func (s *LocalStore) HeadObject(_ context.Context, tenant, p string) (int64, error) {
	info, err := os.Stat(s.fsPath(tenant, p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("head %s: %w", p, errs.ErrNotFound)
		}
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("head %s: %w", p, errs.ErrNotFound)
	}
	return info.Size(), nil
}

// CopyObject copies src to dst through PutObject.
func (s *LocalStore) CopyObject(ctx context.Context, tenant, src, dst string) error {
	data, err := s.GetObject(ctx, tenant, src)
	if err != nil {
		return err
	}
	return s.PutObject(ctx, tenant, dst, bytes.NewReader(data))
}

// ListObjects walks the prefix directory. A missing prefix yields an empty list.
func (s *LocalStore) ListObjects(_ context.Context, tenant, prefix string) ([]string, error) {
	tenantRoot := filepath.Join(s.root, SanitizeTenant(tenant))
	start := filepath.Join(tenantRoot, filepath.FromSlash(cleanPath(prefix)))
	var out []string
	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".put-") {
			return nil
		}
		rel, err := filepath.Rel(tenantRoot, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	sort.Strings(out)
	return out, nil
}

// DeletePath removes the prefix directory with everything in it.
func (s *LocalStore) DeletePath(_ context.Context, tenant, prefix string) error {
	c := cleanPath(prefix)
	if c == "" {
		return errors.New("validation: refusing to delete tenant root")
	}
	if err := os.RemoveAll(s.fsPath(tenant, c)); err != nil {
		return fmt.Errorf("delete %s: %w", prefix, err)
	}
	return nil
}

// SignedURL returns a download link served by the storage handler.
func (s *LocalStore) SignedURL(_ context.Context, tenant, baseURL, p string, t URLType, filename string) (string, error) {
	return s.signer.URL(baseURL, Full(tenant, p), t, filename)
}

// SignedURLs signs every object under prefix.
func (s *LocalStore) SignedURLs(ctx context.Context, tenant, baseURL, prefix string, t URLType) (map[string]string, error) {
	paths, err := s.ListObjects(ctx, tenant, prefix)
	if err != nil {
		return nil, err
	}
	base := cleanPath(prefix)
	if base != "" && !strings.HasSuffix(base, "/") {
		base += "/"
	}
	out := make(map[string]string, len(paths))
	for _, p := range paths {
		u, err := s.signer.URL(baseURL, Full(tenant, p), t, "")
		if err != nil {
			return nil, err
		}
		out[strings.TrimPrefix(p, base)] = u
	}
	return out, nil
}

// OpenSigned verifies token for the tenant-qualified path and opens the file.
func (s *LocalStore) OpenSigned(token, full string) (io.ReadCloser, int64, *URLClaims, error) {
	claims, err := s.signer.Verify(token, full)
	if err != nil {
		return nil, 0, nil, err
	}
	tenant, p, ok := strings.Cut(full, "/")
	if !ok {
		return nil, 0, nil, errs.ErrNotFound
	}
	rc, size, err := s.CreateReadStream(context.Background(), tenant, p)
	if err != nil {
		return nil, 0, nil, err
	}
	return rc, size, claims, nil
}
