package sshfiles

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// successSentinel is appended to fallback commands: the shell exit code
// alone is not trustworthy across the sshds in the wild, so success is
// detected by the literal marker on stdout.
const successSentinel = "SUCCESS"

// shellQuote wraps s in single quotes using the '"'"' idiom for
// embedded quotes. NUL bytes cannot be represented in argv and are
// rejected outright.
func shellQuote(s string) (string, error) {
	if strings.ContainsRune(s, 0) {
		return "", fmt.Errorf("path contains NUL byte")
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'", nil
}

// runShell executes one command in a fresh session and returns stdout,
// stderr and the exit code. Package-level var so fallback tests run
// without a server.
var runShell = func(client *ssh.Client, cmd string) (stdout, stderr string, exitCode int, err error) {
	session, err := client.NewSession()
	if err != nil {
		return "", "", -1, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	if runErr := session.Run(cmd); runErr != nil {
		if exitErr, ok := runErr.(*ssh.ExitError); ok {
			return outBuf.String(), errBuf.String(), exitErr.ExitStatus(), nil
		}
		return outBuf.String(), errBuf.String(), -1, runErr
	}
	return outBuf.String(), errBuf.String(), 0, nil
}

// runChecked runs cmd with the success sentinel appended and verifies
// it came back on stdout.
func (s *Session) runChecked(cmd string) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return fmt.Errorf("session %s is closed", s.ID)
	}

	full := cmd + " && echo " + successSentinel
	stdout, stderr, _, err := runShell(client, full)
	if err != nil {
		return err
	}
	if !strings.Contains(stdout, successSentinel) {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = "command did not confirm success"
		}
		return fmt.Errorf("%s", msg)
	}
	return nil
}

// runOutput runs cmd and returns stdout, treating a nonzero exit as an
// error carrying the stderr text.
func (s *Session) runOutput(cmd string) (string, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return "", fmt.Errorf("session %s is closed", s.ID)
	}

	stdout, stderr, exitCode, err := runShell(client, cmd)
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return "", fmt.Errorf("%s", strings.TrimSpace(stderr))
	}
	return stdout, nil
}
