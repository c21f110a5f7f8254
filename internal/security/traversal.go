package security

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/gameoverstudios/deeperhub/internal/domain"
)

// maxDecodePasses bounds repeated URL-decoding of nested encodings.
const maxDecodePasses = 3

// NormalizePath URL-decodes (repeatedly, to a fixed point) and cleans a
// path field. CheckPath(NormalizePath(p)) == CheckPath(p) for inputs
// without null bytes.
func NormalizePath(p string) string {
	for i := 0; i < maxDecodePasses; i++ {
		decoded, err := url.QueryUnescape(p)
		if err != nil || decoded == p {
			break
		}
		p = decoded
	}
	return path.Clean(p)
}

// CheckPath rejects fields that, after decoding and normalization, traverse
// upward, begin with `~`, or contain a null byte.
func CheckPath(p string) error {
	if strings.ContainsRune(p, 0) {
		return fmt.Errorf("null byte in path: %w", domain.ErrPathTraversal)
	}

	norm := NormalizePath(p)

	if strings.HasPrefix(norm, "~") {
		return fmt.Errorf("home-relative path %q: %w", p, domain.ErrPathTraversal)
	}
	if norm == ".." || strings.HasPrefix(norm, "../") || strings.Contains(norm, "/../") || strings.HasSuffix(norm, "/..") {
		return fmt.Errorf("upward traversal in %q: %w", p, domain.ErrPathTraversal)
	}
	return nil
}

// CheckPathWithin additionally requires the normalized path to resolve
// inside base. base must itself be clean and absolute.
func CheckPathWithin(p, base string) error {
	if err := CheckPath(p); err != nil {
		return err
	}

	norm := NormalizePath(p)
	resolved := norm
	if !strings.HasPrefix(resolved, "/") {
		resolved = path.Join(base, norm)
	}
	if resolved != base && !strings.HasPrefix(resolved, base+"/") {
		return fmt.Errorf("path %q escapes base %q: %w", p, base, domain.ErrPathTraversal)
	}
	return nil
}
