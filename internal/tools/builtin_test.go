package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rendis/toolflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOpener struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (f *fakeOpener) Open(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, url)
	return f.err
}

type fakeMailer struct {
	messages []string
	err      error
}

func (f *fakeMailer) Send(_ context.Context, msg []byte) error {
	f.messages = append(f.messages, string(msg))
	return f.err
}

func newBuiltinRegistry(t *testing.T, host HostConfig) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, host))
	return reg
}

func TestRegisterBuiltins_AllPresent(t *testing.T) {
	reg := newBuiltinRegistry(t, HostConfig{Opener: &fakeOpener{}, Mailer: &fakeMailer{}})
	for _, name := range []string{
		"echo", "fail", "sleep", "jq", "expr_eval", "assert",
		"count_r", "list_desktop_contents", "get_desktop_path",
		"open_gmail", "open_gmail_compose", "open_url", "sendmail", "sendmail_simple",
	} {
		assert.True(t, reg.Has(name), name)
	}
}

func TestCountR(t *testing.T) {
	reg := newBuiltinRegistry(t, HostConfig{})
	out, err := reg.Invoke(context.Background(), "count_r", map[string]any{"word": "Strawberry"})
	require.NoError(t, err)
	assert.Equal(t, "success", out["status"])
	assert.Equal(t, float64(3), out["result"])
	assert.Equal(t, "Strawberry", out["word"])
}

func TestEcho(t *testing.T) {
	reg := newBuiltinRegistry(t, HostConfig{})
	out, err := reg.Invoke(context.Background(), "echo", map[string]any{"msg": "hi"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "success", "result": map[string]any{"msg": "hi"}}, out)
}

func TestFail(t *testing.T) {
	reg := newBuiltinRegistry(t, HostConfig{})
	_, err := reg.Invoke(context.Background(), "fail", map[string]any{"message": "nope"})
	requireCode(t, err, schema.ErrCodeToolError)
	assert.Contains(t, err.Error(), "nope")
}

func TestDesktopTools(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "a"), 0o755))
	reg := newBuiltinRegistry(t, HostConfig{DesktopDir: dir})

	out, err := reg.Invoke(context.Background(), "list_desktop_contents", nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b.txt"}, out["result"])

	out, err = reg.Invoke(context.Background(), "get_desktop_path", nil)
	require.NoError(t, err)
	assert.Equal(t, dir, out["result"])
}

func TestListDesktop_MissingDir(t *testing.T) {
	reg := newBuiltinRegistry(t, HostConfig{DesktopDir: filepath.Join(t.TempDir(), "missing")})
	_, err := reg.Invoke(context.Background(), "list_desktop_contents", nil)
	requireCode(t, err, schema.ErrCodeToolError)
}

func TestOpenTools(t *testing.T) {
	opener := &fakeOpener{}
	reg := newBuiltinRegistry(t, HostConfig{Opener: opener})

	_, err := reg.Invoke(context.Background(), "open_gmail", nil)
	require.NoError(t, err)
	_, err = reg.Invoke(context.Background(), "open_gmail_compose", nil)
	require.NoError(t, err)
	_, err = reg.Invoke(context.Background(), "open_url", map[string]any{"url": "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{gmailURL, gmailComposeURL, "https://example.com"}, opener.urls)

	_, err = reg.Invoke(context.Background(), "open_url", map[string]any{"url": "file:///etc/passwd"})
	requireCode(t, err, schema.ErrCodeToolError)
	assert.Len(t, opener.urls, 3)
}

func TestOpenGmail_OpenerFails(t *testing.T) {
	reg := newBuiltinRegistry(t, HostConfig{Opener: &fakeOpener{err: errors.New("no display")}})
	_, err := reg.Invoke(context.Background(), "open_gmail", nil)
	requireCode(t, err, schema.ErrCodeToolError)
}

func TestSendmail(t *testing.T) {
	mailer := &fakeMailer{}
	reg := newBuiltinRegistry(t, HostConfig{Mailer: mailer})

	out, err := reg.Invoke(context.Background(), "sendmail", map[string]any{
		"to_email": "a@example.com", "subject": "Hi", "body": "Hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "success", out["status"])
	require.Len(t, mailer.messages, 1)
	assert.Contains(t, mailer.messages[0], "To: a@example.com\r\n")
	assert.Contains(t, mailer.messages[0], "From: noreply@localhost\r\n")
	assert.Contains(t, mailer.messages[0], "\r\n\r\nHello\r\n")

	_, err = reg.Invoke(context.Background(), "sendmail_simple", map[string]any{
		"to_email": "b@example.com", "subject": "S", "message": "M",
	})
	require.NoError(t, err)
	require.Len(t, mailer.messages, 2)
}

func TestSendmail_RejectsHeaderInjection(t *testing.T) {
	mailer := &fakeMailer{}
	reg := newBuiltinRegistry(t, HostConfig{Mailer: mailer})

	tests := []struct {
		name   string
		params map[string]any
	}{
		{"recipient", map[string]any{"to_email": "a@example.com\r\nBcc: x@evil", "subject": "Hi", "body": "Hello"}},
		{"subject", map[string]any{"to_email": "a@example.com", "subject": "Hi\nBcc: x@evil", "body": "Hello"}},
		{"sender", map[string]any{"to_email": "a@example.com", "from_email": "me@example.com\r\nBcc: x@evil", "subject": "Hi", "body": "Hello"}},
		{"bare LF sender", map[string]any{"to_email": "a@example.com", "from_email": "me@example.com\nBcc: x@evil", "subject": "Hi", "body": "Hello"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Invoke(context.Background(), "sendmail", tt.params)
			requireCode(t, err, schema.ErrCodeToolError)
			assert.Empty(t, mailer.messages)
		})
	}
}

func TestJQ(t *testing.T) {
	reg := newBuiltinRegistry(t, HostConfig{})
	out, err := reg.Invoke(context.Background(), "jq", map[string]any{
		"filter": ".items | length",
		"input":  map[string]any{"items": []any{1, 2, 3}},
	})
	require.NoError(t, err)
	assert.Equal(t, float64(3), out["result"])
}

func TestExprEval(t *testing.T) {
	reg := newBuiltinRegistry(t, HostConfig{})
	out, err := reg.Invoke(context.Background(), "expr_eval", map[string]any{
		"expression": "a + b",
		"data":       map[string]any{"a": 1, "b": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, float64(3), out["result"])
}

func TestAssert(t *testing.T) {
	reg := newBuiltinRegistry(t, HostConfig{})

	out, err := reg.Invoke(context.Background(), "assert", map[string]any{
		"expression": "data.count > 2",
		"data":       map[string]any{"count": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out["pass"])

	_, err = reg.Invoke(context.Background(), "assert", map[string]any{
		"expression": "data.count > 2",
		"data":       map[string]any{"count": 1},
		"message":    "too few",
	})
	requireCode(t, err, schema.ErrCodeToolError)
	assert.Contains(t, err.Error(), "too few")
}

func TestSleep_RespectsContext(t *testing.T) {
	reg := newBuiltinRegistry(t, HostConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := reg.Invoke(ctx, "sleep", map[string]any{"duration": "1h"})
	requireCode(t, err, schema.ErrCodeToolError)

	out, err := reg.Invoke(context.Background(), "sleep", map[string]any{"duration": "1ms"})
	require.NoError(t, err)
	assert.Equal(t, "1ms", out["result"])
}
