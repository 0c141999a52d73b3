package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/rendis/toolflow/pkg/schema"
)

const (
	gmailURL        = "https://mail.google.com"
	gmailComposeURL = "https://mail.google.com/mail/u/0/#compose"

	defaultSendTimeout = 30 * time.Second
)

// Opener opens a URL in the user's browser.
type Opener interface {
	Open(ctx context.Context, url string) error
}

// Mailer delivers a complete RFC 822 message.
type Mailer interface {
	Send(ctx context.Context, message []byte) error
}

// CommandOpener runs a browser launcher command with the URL appended.
type CommandOpener struct {
	Command []string
}

// DefaultBrowserCommand returns the platform's URL launcher.
func DefaultBrowserCommand() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"open"}
	case "windows":
		return []string{"rundll32", "url.dll,FileProtocolHandler"}
	default:
		return []string{"xdg-open"}
	}
}

func (o *CommandOpener) Open(ctx context.Context, url string) error {
	argv := o.Command
	if len(argv) == 0 {
		argv = DefaultBrowserCommand()
	}
	cmd := exec.CommandContext(ctx, argv[0], append(argv[1:], url)...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("open %s: %w: %s", url, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// SendmailMailer pipes messages to `sendmail -t`.
type SendmailMailer struct {
	Path    string
	Timeout time.Duration
}

func (m *SendmailMailer) Send(ctx context.Context, message []byte) error {
	path := m.Path
	if path == "" {
		path = "sendmail"
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, "-t")
	cmd.Stdin = bytes.NewReader(message)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return schema.NewError(schema.ErrCodeTimeout, "email sending timed out").WithCause(err)
		}
		return fmt.Errorf("sendmail: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// HostConfig configures the desktop, browser and mail tools.
type HostConfig struct {
	DesktopDir string // defaults to ~/Desktop
	Opener     Opener
	Mailer     Mailer
}

func (c HostConfig) desktop() (string, error) {
	if c.DesktopDir != "" {
		return c.DesktopDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "Desktop"), nil
}

// HostTools returns the desktop, browser and mail tools.
func HostTools(cfg HostConfig) []Tool {
	if cfg.Opener == nil {
		cfg.Opener = &CommandOpener{}
	}
	if cfg.Mailer == nil {
		cfg.Mailer = &SendmailMailer{}
	}

	wordParam := ParamSpec{Name: "word", Type: ParamString, Description: "Text to scan", Required: true}
	mailParams := []ParamSpec{
		{Name: "to_email", Type: ParamString, Description: "Recipient email address", Required: true},
		{Name: "subject", Type: ParamString, Description: "Email subject", Required: true},
	}

	return []Tool{
		NewFunc("count_r", "Count the number of 'r' characters in a word (case-insensitive)",
			func(_ context.Context, p map[string]any) (any, error) {
				word := stringParam(p, "word", "")
				return map[string]any{
					"status": "success",
					"result": strings.Count(strings.ToLower(word), "r"),
					"word":   word,
				}, nil
			}, wordParam),

		NewFunc("list_desktop_contents", "List the files and folders on the user's Desktop",
			func(_ context.Context, _ map[string]any) (any, error) {
				dir, err := cfg.desktop()
				if err != nil {
					return nil, err
				}
				entries, err := os.ReadDir(dir)
				if err != nil {
					return nil, fmt.Errorf("read desktop: %w", err)
				}
				names := make([]string, 0, len(entries))
				for _, e := range entries {
					names = append(names, e.Name())
				}
				sort.Strings(names)
				return map[string]any{"status": "success", "result": names, "path": dir}, nil
			}),

		NewFunc("get_desktop_path", "Return the path to the user's Desktop",
			func(_ context.Context, _ map[string]any) (any, error) {
				dir, err := cfg.desktop()
				if err != nil {
					return nil, err
				}
				return success(dir), nil
			}),

		openTool("open_gmail", "Open Gmail in the default web browser", cfg.Opener, gmailURL),
		openTool("open_gmail_compose", "Open the Gmail compose window in the default web browser", cfg.Opener, gmailComposeURL),

		NewFunc("open_url", "Open an arbitrary http(s) URL in the default web browser",
			func(ctx context.Context, p map[string]any) (any, error) {
				url := stringParam(p, "url", "")
				if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
					return nil, fmt.Errorf("url must start with http:// or https://, got %q", url)
				}
				if err := cfg.Opener.Open(ctx, url); err != nil {
					return nil, err
				}
				return success(fmt.Sprintf("opened %s", url)), nil
			}, ParamSpec{Name: "url", Type: ParamString, Description: "URL to open", Required: true}),

		NewFunc("sendmail", "Send an email through the system sendmail command",
			func(ctx context.Context, p map[string]any) (any, error) {
				return sendMail(ctx, cfg.Mailer, p, "body")
			}, append(mailParams,
				ParamSpec{Name: "body", Type: ParamString, Description: "Email body", Required: true},
				ParamSpec{Name: "from_email", Type: ParamString, Description: "Sender address (default noreply@localhost)"},
			)...),

		NewFunc("sendmail_simple", "Send a simple email through the system sendmail command",
			func(ctx context.Context, p map[string]any) (any, error) {
				return sendMail(ctx, cfg.Mailer, p, "message")
			}, append(mailParams,
				ParamSpec{Name: "message", Type: ParamString, Description: "Email message", Required: true},
			)...),
	}
}

func openTool(name, description string, opener Opener, url string) Tool {
	return NewFunc(name, description, func(ctx context.Context, _ map[string]any) (any, error) {
		if err := opener.Open(ctx, url); err != nil {
			return nil, err
		}
		return map[string]any{"status": "success", "result": fmt.Sprintf("opened %s", url), "url": url}, nil
	})
}

func sendMail(ctx context.Context, mailer Mailer, p map[string]any, bodyKey string) (any, error) {
	to := stringParam(p, "to_email", "")
	if to == "" || strings.ContainsAny(to, "\r\n") {
		return nil, fmt.Errorf("invalid recipient %q", to)
	}
	subject := stringParam(p, "subject", "")
	if strings.ContainsAny(subject, "\r\n") {
		return nil, fmt.Errorf("subject must be a single line")
	}
	from := stringParam(p, "from_email", "noreply@localhost")
	if from == "" || strings.ContainsAny(from, "\r\n") {
		return nil, fmt.Errorf("invalid sender %q", from)
	}

	msg := BuildMessage(from, to, subject, stringParam(p, bodyKey, ""))
	if err := mailer.Send(ctx, msg); err != nil {
		return nil, err
	}
	return map[string]any{
		"status": "success",
		"result": fmt.Sprintf("Email sent successfully to %s", to),
		"to":     to,
	}, nil
}

// BuildMessage renders a minimal RFC 822 message.
func BuildMessage(from, to, subject, body string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", from, to, subject, body)
	return b.Bytes()
}
