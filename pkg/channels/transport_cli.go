package channels

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CLITransport drives a local command line tool for iMessage.
type CLITransport struct {
	path string
	run  func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewCLITransport(path string) *CLITransport {
	return &CLITransport{path: path, run: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func (t *CLITransport) Probe(ctx context.Context) ProbeResult {
	bin, err := exec.LookPath(t.path)
	if err != nil {
		return ProbeResult{OK: false, Error: err.Error()}
	}
	if out, err := t.run(ctx, bin, "--version"); err != nil {
		return ProbeResult{OK: false, Error: cliError(err, out)}
	}
	return ProbeResult{OK: true}
}

func (t *CLITransport) Send(ctx context.Context, to, text string) error {
	if out, err := t.run(ctx, t.path, "send", "--to", to, "--text", text); err != nil {
		return fmt.Errorf("%s send: %s", t.path, cliError(err, out))
	}
	return nil
}

func cliError(err error, out []byte) string {
	msg := strings.TrimSpace(string(bytes.TrimSpace(out)))
	if msg == "" {
		return err.Error()
	}
	return err.Error() + ": " + msg
}
