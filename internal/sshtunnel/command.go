package sshtunnel

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
)

// sshFlags are shared by both auth variants. ExitOnForwardFailure makes
// a busy endpoint port fail fast instead of sitting half-open.
const sshFlags = "-N " +
	"-o StrictHostKeyChecking=no " +
	"-o ExitOnForwardFailure=yes " +
	"-o ServerAliveInterval=30 " +
	"-o ServerAliveCountMax=3 " +
	"-o GatewayPorts=yes"

// marker returns the tag embedded in the remote process argv so
// orphans can be found with ps and killed with pkill -f.
func marker(name string) string {
	return "TUNNEL_MARKER_" + sanitizeName(name)
}

func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// shellQuote wraps s in single quotes, escaping embedded single quotes
// with the '"'"' idiom.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// buildTunnelCommand assembles the command executed on the source host.
// The marker is installed as argv[0] via exec -a so it survives into
// the process table. Key auth writes the key to a temp file with mode
// 600 and removes it once ssh exits.
func buildTunnelCommand(cfg *Config) string {
	m := marker(cfg.Name)
	forward := fmt.Sprintf("%s -R %d:localhost:%d -p %d %s@%s",
		sshFlags,
		cfg.EndpointPort, cfg.SourcePort,
		cfg.EndpointSSHPort,
		cfg.EndpointUsername, cfg.EndpointIP)

	if cfg.EndpointAuthMethod == "key" {
		keyPath := "/tmp/tunnel_key_" + sanitizeName(cfg.Name)
		return fmt.Sprintf(
			"printf '%%s\\n' %s > %s && chmod 600 %s && "+
				"bash -c %s; rm -f %s",
			shellQuote(cfg.EndpointKey), keyPath, keyPath,
			shellQuote(fmt.Sprintf("exec -a %s ssh -i %s %s", m, keyPath, forward)),
			keyPath)
	}

	return fmt.Sprintf("bash -c %s",
		shellQuote(fmt.Sprintf("exec -a %s sshpass -p %s ssh %s",
			m, shellQuote(cfg.EndpointPassword), forward)))
}

// reapRemote kills any leftover forward processes for the tunnel on
// the source host. Escalates TERM, a targeted pattern kill, then KILL,
// and warns about survivors. Package-level var for tests.
var reapRemote = func(cfg *Config) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	ctl, err := openControl(ctx, cfg)
	if err != nil {
		log.Printf("[tunnel] %s: reap: control connect failed: %v", cfg.Name, err)
		return
	}
	defer ctl.Close()
	reapWith(ctl, cfg)
}

func reapWith(ctl controlSession, cfg *Config) {
	m := marker(cfg.Name)
	psCmd := fmt.Sprintf("ps aux | grep %s | grep -v grep", shellQuote(m))

	out, _ := ctl.Run(psCmd)
	if strings.TrimSpace(out) == "" {
		return
	}

	ctl.Run("pkill -TERM -f " + shellQuote(m))
	sleepFunc(reapSettle)
	ctl.Run(fmt.Sprintf("pkill -f %s",
		shellQuote(fmt.Sprintf("ssh.*-R.*%d:localhost:%d", cfg.EndpointPort, cfg.SourcePort))))
	ctl.Run("pkill -9 -f " + shellQuote(m))

	if out, _ := ctl.Run(psCmd); strings.TrimSpace(out) != "" {
		log.Printf("[tunnel] %s: reap: processes survived kill: %s", cfg.Name, strings.TrimSpace(out))
	}
}

// sleepFunc is overridable so reap tests run instantly.
var sleepFunc = time.Sleep
