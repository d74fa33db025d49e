package cli

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"syscall"

	"golang.org/x/term"

	"keepersecurity.com/gws-admin/errdefs"
)

// terminal is the credentials.Interaction used by the CLI: it opens the
// consent page in the default browser and prints the URL as a fallback.
type terminal struct {
	out io.Writer
}

func (t *terminal) OpenURL(_ context.Context, url string) error {
	fmt.Fprintf(t.out, "Opening the browser for Google sign-in. If it does not open, visit:\n  %s\n", url)
	if err := openBrowser(url); err != nil {
		fmt.Fprintf(t.out, "Could not open a browser: %v\n", err)
	}
	return nil
}

func (t *terminal) Message(text string) {
	fmt.Fprintln(t.out, text)
}

// openBrowser attempts to open url in the default browser.
func openBrowser(url string) error {
	var cmd string
	var args []string

	switch runtime.GOOS {
	case "darwin":
		cmd = "open"
		args = []string{url}
	case "windows":
		cmd = "cmd"
		args = []string{"/c", "start", url}
	default:
		cmd = "xdg-open"
		args = []string{url}
	}

	return exec.Command(cmd, args...).Start()
}

// readPassword prompts on out and reads a hidden line from the terminal.
func readPassword(out io.Writer, prompt string) (string, error) {
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", errdefs.Validation("password", "no terminal to prompt on; pass --password or --generate")
	}
	fmt.Fprint(out, prompt)
	data, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(data), nil
}
