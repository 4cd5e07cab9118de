package crawler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revspec/internal/extractor"
)

func write(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestCrawler_ScanProject(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "db", "b.sql"), "SELECT 1;")
	write(t, filepath.Join(root, "db", "a.SQL"), "SELECT 2;")
	write(t, filepath.Join(root, "api", "routes.py"), "pass")
	write(t, filepath.Join(root, "api", "routes_test.go"), "package api")
	write(t, filepath.Join(root, "node_modules", "x.js"), "")
	write(t, filepath.Join(root, "README.md"), "# readme")

	c := NewCrawler(map[string]string{".sql": "sql", ".py": "python", ".js": "javascript", ".go": "go"}, nil)
	units, err := c.Collect([]string{root})
	require.NoError(t, err)

	var got []string
	for _, u := range units {
		rel, _ := filepath.Rel(root, u.Path)
		got = append(got, filepath.ToSlash(rel)+":"+string(u.Dialect))
	}
	assert.Equal(t, []string{"api/routes.py:python", "db/a.SQL:plpgsql", "db/b.sql:plpgsql"}, got)
	assert.Equal(t, "SELECT 2;", string(units[1].Text))
}

func TestCrawler_SingleFileRoot(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "leads.pgsql")
	write(t, path, "SELECT 1;")

	c := NewCrawler(map[string]string{"pgsql": "plpgsql"}, nil)
	units, err := c.Collect([]string{path})
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, extractor.DialectPLpgSQL, units[0].Dialect)

	_, err = c.Collect([]string{filepath.Join(root, "missing")})
	assert.Error(t, err)
}
