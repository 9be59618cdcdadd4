// Package autostart brings up the tunnels flagged autoStart when the
// process boots.
package autostart

import (
	"log"
	"time"

	"github.com/scjtqs2/Termix-sub002/internal/credentials"
	"github.com/scjtqs2/Termix-sub002/internal/database"
	"github.com/scjtqs2/Termix-sub002/internal/sshtunnel"
)

// stagger spaces out connect attempts so a host with many tunnels is
// not slammed at boot. Var for tests.
var stagger = time.Second

// connectFunc is the engine hook, replaceable in tests.
type connectFunc func(cfg sshtunnel.Config) (string, error)

// Run enumerates every host's autoStart tunnels and hands them to the
// engine. Returns the number of tunnels started. Call in a goroutine
// after the store is initialized.
func Run(engine *sshtunnel.Engine) int {
	return run(engine.Connect)
}

func run(connect connectFunc) int {
	hosts, err := database.ListAllHosts()
	if err != nil {
		log.Printf("[autostart] listing hosts: %v", err)
		return 0
	}

	started := 0
	for i := range hosts {
		host := &hosts[i]
		conns, err := database.OpenTunnelConnections(host)
		if err != nil {
			log.Printf("[autostart] host %d (%s): reading tunnels: %v", host.ID, host.Name, err)
			continue
		}

		for _, conn := range conns {
			if !conn.AutoStart {
				continue
			}
			cfg, err := materialize(host, &conn)
			if err != nil {
				log.Printf("[autostart] host %d (%s): tunnel to %s:%d: %v",
					host.ID, host.Name, conn.EndpointHost, conn.EndpointPort, err)
				continue
			}
			if started > 0 {
				time.Sleep(stagger)
			}
			name, err := connect(*cfg)
			if err != nil {
				log.Printf("[autostart] host %d (%s): connect %s: %v", host.ID, host.Name, cfg.Name, err)
				continue
			}
			log.Printf("[autostart] started tunnel %s", name)
			started++
		}
	}
	return started
}

// materialize builds the engine config for one autostart tunnel. The
// source side comes from the host's autostart credentials; the endpoint
// side travels inside the tunnel record.
func materialize(host *database.Host, conn *database.TunnelConnection) (*sshtunnel.Config, error) {
	src, err := credentials.ResolveAutostart(host.UserID, host.ID)
	if err != nil {
		return nil, err
	}

	hostLabel := host.Name
	if hostLabel == "" {
		hostLabel = host.IP
	}
	cfg := &sshtunnel.Config{
		Name:                sshtunnel.TunnelName(hostLabel, conn.SourcePort, conn.EndpointPort),
		SourceIP:            src.Host,
		SourceSSHPort:       src.Port,
		SourceUsername:      src.Username,
		SourceAuthMethod:    src.AuthMode,
		SourcePassword:      src.Password,
		SourceKey:           string(src.PrivateKey),
		SourceKeyPassphrase: src.Passphrase,
		SourcePort:          conn.SourcePort,

		EndpointIP:         conn.EndpointHost,
		EndpointSSHPort:    conn.EndpointSSHPort,
		EndpointPort:       conn.EndpointPort,
		EndpointUsername:   conn.EndpointUsername,
		EndpointAuthMethod: conn.EndpointAuthType,
		EndpointPassword:   conn.EndpointPassword,
		EndpointKey:        conn.EndpointKey,

		MaxRetries:       conn.MaxRetries,
		RetryIntervalSec: conn.RetryIntervalSec,
		AutoStart:        true,
	}

	if conn.EndpointAuthType == "credential" && conn.EndpointCredentialID != nil {
		cred, err := database.GetCredentialDecrypted(host.UserID, *conn.EndpointCredentialID)
		if err != nil {
			return nil, err
		}
		cfg.EndpointUsername = cred.Username
		switch cred.AuthType {
		case "password":
			cfg.EndpointAuthMethod = "password"
			cfg.EndpointPassword = cred.Password
		default:
			cfg.EndpointAuthMethod = "key"
			cfg.EndpointKey = cred.PrivateKey
		}
	}
	return cfg, nil
}
