package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gameoverstudios/deeperhub/internal/domain"
)

func TestCheckPath(t *testing.T) {
	denied := []string{
		"../etc/passwd",
		"foo/../../bar",
		"%2e%2e/secret",
		"%252e%252e/secret", // double-encoded
		"~/private",
		"~root/.ssh",
		"..",
	}
	for _, p := range denied {
		t.Run("deny/"+p, func(t *testing.T) {
			require.ErrorIs(t, CheckPath(p), domain.ErrPathTraversal)
		})
	}

	allowed := []string{
		"docs/readme.md",
		"up/..", // normalizes to "." and stays inside
		"/var/data/file.txt",
		"a/b/c",
		"wait..",
		"file..name",
		"",
	}
	for _, p := range allowed {
		t.Run("allow/"+p, func(t *testing.T) {
			assert.NoError(t, CheckPath(p))
		})
	}

	t.Run("null byte", func(t *testing.T) {
		require.ErrorIs(t, CheckPath("file\x00.txt"), domain.ErrPathTraversal)
	})
}

func TestCheckPathNormalizeLaw(t *testing.T) {
	// check_path(normalize(p)) agrees with check_path(p) for null-free input.
	inputs := []string{
		"../x", "a/b/../c", "%2e%2e%2fconfig", "docs/readme.md", "~/.bashrc", "./ok",
	}
	for _, p := range inputs {
		direct := CheckPath(p)
		normalized := CheckPath(NormalizePath(p))
		assert.Equal(t, direct == nil, normalized == nil, "path %q", p)
	}
}

func TestCheckPathWithin(t *testing.T) {
	base := "/srv/uploads"

	require.NoError(t, CheckPathWithin("avatars/u1.png", base))
	require.NoError(t, CheckPathWithin("/srv/uploads/doc.pdf", base))

	t.Run("absolute escape", func(t *testing.T) {
		require.ErrorIs(t, CheckPathWithin("/etc/passwd", base), domain.ErrPathTraversal)
	})

	t.Run("relative escape", func(t *testing.T) {
		require.ErrorIs(t, CheckPathWithin("../outside", base), domain.ErrPathTraversal)
	})
}
