package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/arbor/pkg/domain"
)

func toolByName(t *testing.T, descriptors []domain.ToolDescriptor, name string) domain.ToolDescriptor {
	t.Helper()
	for _, d := range descriptors {
		if d.Name == name {
			return d
		}
	}
	t.Fatalf("tool %s not found", name)
	return domain.ToolDescriptor{}
}

func TestBuiltins_DefaultSet(t *testing.T) {
	names := make([]string, 0)
	for _, d := range Builtins() {
		names = append(names, d.Name)
		assert.Equal(t, domain.OriginBuiltin, d.Origin)
		assert.NotNil(t, d.Handler)
		assert.NotEmpty(t, d.InputSchema)
	}
	assert.ElementsMatch(t,
		[]string{"read_file", "write_file", "list_directory", "delete_file", "http_request"},
		names, "shell is opt-in")

	withShell := Builtins(WithShell(true))
	assert.Len(t, withShell, 6)
}

func TestFileTools_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	set := Builtins(WithBaseDir(dir))
	ctx := context.Background()

	write := toolByName(t, set, "write_file")
	result, err := write.Handler(ctx, map[string]any{
		"path":    "notes/hello.txt",
		"content": "hello arbor",
	})
	require.NoError(t, err)
	assert.Contains(t, result.(string), "11 bytes")

	read := toolByName(t, set, "read_file")
	content, err := read.Handler(ctx, map[string]any{"path": "notes/hello.txt"})
	require.NoError(t, err)
	assert.Equal(t, "hello arbor", content)

	list := toolByName(t, set, "list_directory")
	entries, err := list.Handler(ctx, map[string]any{"path": "notes"})
	require.NoError(t, err)
	assert.Equal(t, []string{"FILE hello.txt"}, entries)

	del := toolByName(t, set, "delete_file")
	_, err = del.Handler(ctx, map[string]any{"path": "notes/hello.txt"})
	require.NoError(t, err)

	_, err = read.Handler(ctx, map[string]any{"path": "notes/hello.txt"})
	assert.Error(t, err)
}

func TestFileTools_PathEscapeRejected(t *testing.T) {
	set := Builtins(WithBaseDir(t.TempDir()))
	read := toolByName(t, set, "read_file")

	_, err := read.Handler(context.Background(), map[string]any{"path": "../../etc/passwd"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")
}

func TestReadFile_SizeCap(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.txt"),
		[]byte(strings.Repeat("x", 128)), 0o644))

	set := Builtins(WithBaseDir(dir), WithMaxFileBytes(64))
	read := toolByName(t, set, "read_file")

	_, err := read.Handler(context.Background(), map[string]any{"path": "big.txt"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit")
}

func TestListDirectory_Recursive(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "a", "b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a", "b", "x.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("h"), 0o644))

	list := toolByName(t, Builtins(WithBaseDir(dir)), "list_directory")
	entries, err := list.Handler(context.Background(),
		map[string]any{"path": ".", "recursive": true})
	require.NoError(t, err)

	got := entries.([]string)
	assert.Contains(t, got, "DIR  a")
	assert.Contains(t, got, "FILE "+filepath.Join("a", "b", "x.txt"))
	for _, e := range got {
		assert.NotContains(t, e, ".hidden")
	}
}

func TestHTTPRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	httpTool := toolByName(t, Builtins(), "http_request")
	result, err := httpTool.Handler(context.Background(), map[string]any{
		"method": "post",
		"url":    srv.URL,
		"body":   map[string]any{"name": "arbor"},
	})
	require.NoError(t, err)

	m := result.(map[string]any)
	assert.Equal(t, http.StatusCreated, m["status_code"])
	assert.Equal(t, `{"ok":true}`, m["body"])
	assert.Equal(t, map[string]any{"ok": true}, m["json"])
}

func TestShellTool(t *testing.T) {
	set := Builtins(WithShell(true), WithBaseDir(t.TempDir()))
	shell := toolByName(t, set, "shell")

	result, err := shell.Handler(context.Background(),
		map[string]any{"command": "echo hello; echo oops >&2; exit 3"})
	require.NoError(t, err)

	out := result.(string)
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "[stderr]\noops")
	assert.Contains(t, out, "[exit code: 3]")
}

func TestShellTool_MissingCommand(t *testing.T) {
	shell := toolByName(t, Builtins(WithShell(true)), "shell")
	_, err := shell.Handler(context.Background(), map[string]any{})
	assert.Error(t, err)
}
