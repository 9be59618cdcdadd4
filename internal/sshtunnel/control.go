package sshtunnel

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/scjtqs2/Termix-sub002/internal/credentials"
	"github.com/scjtqs2/Termix-sub002/internal/sshpool"
	"golang.org/x/crypto/ssh"
)

// controlSession is the engine's handle on the source host. The real
// implementation wraps an SSH client; tests substitute a fake through
// the openControl var.
type controlSession interface {
	// Start launches a long-running command and returns a channel
	// that delivers its exit error.
	Start(cmd string) (<-chan error, error)
	// Run executes a short command and returns combined output.
	Run(cmd string) (string, error)
	Alive() bool
	Close() error
}

// openControl dials the source host. Package-level var so the state
// machine is testable without a live SSH server.
var openControl = func(ctx context.Context, cfg *Config) (controlSession, error) {
	client, err := sshpool.Dial(ctx, sourceConnectConfig(cfg))
	if err != nil {
		return nil, err
	}
	return &sshControl{client: client}, nil
}

func sourceConnectConfig(cfg *Config) *credentials.ConnectConfig {
	return &credentials.ConnectConfig{
		Host:       cfg.SourceIP,
		Port:       cfg.SourceSSHPort,
		Username:   cfg.SourceUsername,
		AuthMode:   cfg.SourceAuthMethod,
		Password:   cfg.SourcePassword,
		PrivateKey: []byte(cfg.SourceKey),
		Passphrase: cfg.SourceKeyPassphrase,
	}
}

type sshControl struct {
	client *ssh.Client
}

func (c *sshControl) Start(cmd string) (<-chan error, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	var stderr bytes.Buffer
	session.Stderr = &stderr
	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, fmt.Errorf("start remote command: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		err := session.Wait()
		session.Close()
		if err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				err = fmt.Errorf("%s: %w", msg, err)
			}
		}
		done <- err
	}()
	return done, nil
}

func (c *sshControl) Run(cmd string) (string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("new session: %w", err)
	}
	defer session.Close()
	out, err := session.CombinedOutput(cmd)
	return string(out), err
}

func (c *sshControl) Alive() bool {
	_, _, err := c.client.SendRequest("keepalive@termix.dev", true, nil)
	return err == nil
}

func (c *sshControl) Close() error {
	return c.client.Close()
}
