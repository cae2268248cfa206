package sshrelay

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/sammck-go/relayhttp/pkg/logger"
	"github.com/sammck-go/relayhttp/pkg/relaywire"
)

// ClientConfig is the configuration of an SSH relay client
type ClientConfig struct {
	relaywire.RetryPolicy

	// Auth is the "user:pass" pair presented to the server
	Auth string

	// Fingerprint, if not empty, must prefix the server's host key
	// fingerprint
	Fingerprint string

	// Timeout bounds the TCP connect and SSH handshake. Zero selects 30 seconds.
	Timeout time.Duration

	// Logger receives client log output. Nil discards it.
	Logger logger.Logger
}

func (cfg *ClientConfig) clientLogger() logger.Logger {
	if cfg.Logger == nil {
		return logger.NilLogger().Fork("sshclient")
	}
	return cfg.Logger.Fork("sshclient")
}

func (cfg *ClientConfig) sshConfig(lg logger.Logger) *ssh.ClientConfig {
	user, pass := ParseAuth(cfg.Auth)
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	expect := cfg.Fingerprint
	return &ssh.ClientConfig{
		User:          user,
		Auth:          []ssh.AuthMethod{ssh.Password(pass)},
		ClientVersion: "SSH-2.0-" + ProtocolVersion + "-client",
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			got := FingerprintKey(key)
			if expect != "" && !strings.HasPrefix(got, expect) {
				return fmt.Errorf("invalid fingerprint (%s)", got)
			}
			lg.ILogf("Fingerprint %s", got)
			return nil
		},
		Timeout: timeout,
	}
}

// Dial connects to an SSH relay listener at addr, retrying according to cfg,
// opens one relay channel and returns a client for sending requests over it
func Dial(ctx context.Context, addr string, cfg ClientConfig) (*relaywire.Client, error) {
	lg := cfg.clientLogger()
	sshConfig := cfg.sshConfig(lg)
	lg.ILogf("Connecting to %s", addr)
	conn, err := relaywire.DialWithRetry(ctx, lg, cfg.RetryPolicy, func(ctx context.Context) (relaywire.FrameConn, error) {
		d := net.Dialer{Timeout: sshConfig.Timeout}
		nc, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return openRelayChannel(lg, nc, addr, sshConfig)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", lg.Prefix(), err)
	}
	return relaywire.NewClient(lg, conn), nil
}

// NewClientOverConn performs the SSH handshake on an already connected nc
// and opens one relay channel on it. Ownership of nc passes to the client.
func NewClientOverConn(nc net.Conn, cfg ClientConfig) (*relaywire.Client, error) {
	lg := cfg.clientLogger()
	conn, err := openRelayChannel(lg, nc, addrString(nc.RemoteAddr()), cfg.sshConfig(lg))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", lg.Prefix(), err)
	}
	return relaywire.NewClient(lg, conn), nil
}

func openRelayChannel(lg logger.Logger, nc net.Conn, addr string, sshConfig *ssh.ClientConfig) (relaywire.FrameConn, error) {
	lg.DLogf("Handshaking...")
	sshConn, chans, reqs, err := ssh.NewClientConn(nc, addr, sshConfig)
	if err != nil {
		nc.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			lg.ILogf("Authentication failed")
		}
		return nil, err
	}
	go ssh.DiscardRequests(reqs)
	go func() {
		for newCh := range chans {
			newCh.Reject(ssh.Prohibited, "relay clients do not accept channels")
		}
	}()
	ch, chReqs, err := sshConn.OpenChannel(ChannelType, nil)
	if err != nil {
		sshConn.Close()
		return nil, fmt.Errorf("opening %s channel: %w", ChannelType, err)
	}
	go ssh.DiscardRequests(chReqs)
	return relaywire.NewStreamConn(&sessionStream{Channel: ch, conn: sshConn}), nil
}

// sessionStream is a relay channel's SSH stream; closing it also closes the
// SSH connection it was opened on
type sessionStream struct {
	ssh.Channel
	conn ssh.Conn
}

func (s *sessionStream) Close() error {
	err := s.Channel.Close()
	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// addrString formats a possibly nil address; unnamed unix sockets have none
func addrString(a net.Addr) string {
	if a == nil {
		return "unknown"
	}
	return a.String()
}
