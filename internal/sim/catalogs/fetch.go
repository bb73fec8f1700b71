package catalogs

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path"
	"path/filepath"

	getter "github.com/hashicorp/go-getter"
)

// Fetch downloads a single file from any go-getter source (http, s3, git,
// local path) to dst.
func Fetch(ctx context.Context, src, dst string) error {
	if src == "" || dst == "" {
		return errors.New("fetch: empty src or dst")
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return getter.GetFile(dst, src, getter.WithContext(ctx))
}

// Resolve returns src when it names an existing local file, otherwise fetches
// it into cacheDir and returns the cached path.
func Resolve(ctx context.Context, src, cacheDir string) (string, error) {
	if src == "" {
		return "", errors.New("resolve: empty source")
	}
	if st, err := os.Stat(src); err == nil && !st.IsDir() {
		return src, nil
	}
	dst := filepath.Join(cacheDir, cacheName(src))
	if err := Fetch(ctx, src, dst); err != nil {
		return "", err
	}
	return dst, nil
}

func cacheName(src string) string {
	name := src
	if u, err := url.Parse(src); err == nil && u.Path != "" {
		name = u.Path
	}
	base := path.Base(name)
	if base == "." || base == "/" || base == "" {
		return "download"
	}
	return base
}
