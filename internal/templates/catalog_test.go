package templates

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCatalogRender(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logout.txt"), []byte("Signed out by {{ .issuer }}"), 0o600))
	root, err := NewRoot(dir)
	require.NoError(t, err)

	catalog, err := NewCatalog(NewRenderer(root), map[string]Spec{
		"alarm":        {Title: `ALARM: {{ .title }}`, Body: `{{ .body }} ({{ .object | default "site unknown" }})`},
		"force_logout": {BodyFile: "logout.txt"},
		"info":         {},
	})
	require.NoError(t, err)

	title, body, err := catalog.Render("ALARM", map[string]any{"title": "Intrusion", "body": "Gate 3"}, "fallback", "fallback")
	require.NoError(t, err)
	require.Equal(t, "ALARM: Intrusion", title)
	require.Equal(t, "Gate 3 (site unknown)", body)

	title, body, err = catalog.Render("force_logout", map[string]any{"issuer": "admin"}, "Session ended", "bye")
	require.NoError(t, err)
	require.Equal(t, "Session ended", title)
	require.Equal(t, "Signed out by admin", body)

	title, body, err = catalog.Render("info", nil, "Shift", "starts")
	require.NoError(t, err)
	require.Equal(t, "Shift", title)
	require.Equal(t, "starts", body)

	var empty *Catalog
	title, _, err = empty.Render("alarm", nil, "kept", "")
	require.NoError(t, err)
	require.Equal(t, "kept", title)
}

func TestCatalogRejectsBrokenTemplates(t *testing.T) {
	_, err := NewCatalog(NewRenderer(nil), map[string]Spec{"alarm": {Title: "{{ .title "}})
	require.Error(t, err)

	_, err = NewCatalog(NewRenderer(nil), map[string]Spec{"alarm": {TitleFile: "title.txt"}})
	require.Error(t, err)
}
