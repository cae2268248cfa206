// Package sshrelay is a relay transport over SSH. The relay opens one SSH
// channel of type "http-relay" per relay channel and exchanges
// length-delimited relaywire frames on it.
package sshrelay

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/sammck-go/relayhttp/pkg/logger"
	"github.com/sammck-go/relayhttp/pkg/relaywire"
)

// ChannelType is the SSH channel type that carries relay traffic
const ChannelType = "http-relay"

// ProtocolVersion is advertised in the SSH version exchange
const ProtocolVersion = "relayhttp-v1"

// ListenerConfig is the configuration of an SSH relay listener
type ListenerConfig struct {
	// KeySeed, if not empty, derives the host key deterministically
	KeySeed string

	// Auth, if not empty, is a "user:pass" pair that relay clients must
	// present. Empty allows any client.
	Auth string

	// Logger receives listener log output. Nil discards it.
	Logger logger.Logger
}

// Listener is a relay.Listener that accepts SSH connections, either from a
// net.Listener or handed to ServeConn, and turns each "http-relay" SSH
// channel into a relay channel
type Listener struct {
	*relaywire.Listener
	netListener net.Listener
	sshConfig   *ssh.ServerConfig
	fingerprint string

	connLock sync.Mutex
	conns    map[ssh.Conn]struct{}
	closed   bool
}

// NewListener creates a Listener. netListener may be nil, in which case
// connections must be handed to ServeConn.
func NewListener(netListener net.Listener, cfg ListenerConfig) (*Listener, error) {
	lg := cfg.Logger
	if lg == nil {
		lg = logger.NilLogger()
	}
	l := &Listener{
		netListener: netListener,
		conns:       make(map[ssh.Conn]struct{}),
	}
	l.Listener = relaywire.NewListener(lg.Fork("sshrelay"), l.closeTransport)

	signer, err := GenerateSigner(cfg.KeySeed)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate host key: %w", l.Prefix(), err)
	}
	l.fingerprint = FingerprintKey(signer.PublicKey())
	l.sshConfig = &ssh.ServerConfig{
		ServerVersion: "SSH-2.0-" + ProtocolVersion + "-server",
	}
	if user, pass := ParseAuth(cfg.Auth); user != "" {
		l.sshConfig.PasswordCallback = func(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if c.User() == user && subtle.ConstantTimeCompare(password, []byte(pass)) == 1 {
				return nil, nil
			}
			l.DLogf("Login failed for user: %s", c.User())
			return nil, errors.New("invalid authentication for user: " + c.User())
		}
	} else {
		l.sshConfig.NoClientAuth = true
	}
	l.sshConfig.AddHostKey(signer)
	return l, nil
}

// Fingerprint returns the fingerprint of the host key
func (l *Listener) Fingerprint() string {
	return l.fingerprint
}

// Addr returns the address of the underlying net.Listener, or nil
func (l *Listener) Addr() net.Addr {
	if l.netListener == nil {
		return nil
	}
	return l.netListener.Addr()
}

// Open activates the listener and starts accepting connections from the
// net.Listener, if there is one
func (l *Listener) Open(ctx context.Context) error {
	if err := l.Listener.Open(ctx); err != nil {
		return err
	}
	l.ILogf("Fingerprint %s", l.fingerprint)
	if l.netListener != nil {
		l.ILogf("Listening on %s", l.netListener.Addr())
		go l.acceptLoop()
	}
	return nil
}

func (l *Listener) acceptLoop() {
	for {
		nc, err := l.netListener.Accept()
		if err != nil {
			if !l.IsStartedShutdown() {
				l.ELogf("Accept failed; no longer accepting: %s", err)
			}
			return
		}
		go func() {
			if err := l.ServeConn(nc); err != nil {
				l.DLogf("Connection from %s ended: %s", addrString(nc.RemoteAddr()), err)
			}
		}()
	}
}

// ServeConn performs the SSH handshake on nc and serves relay channels on it
// until the connection ends. Ownership of nc passes to ServeConn.
func (l *Listener) ServeConn(nc net.Conn) error {
	sshConn, chans, reqs, err := ssh.NewServerConn(nc, l.sshConfig)
	if err != nil {
		nc.Close()
		return fmt.Errorf("%s: handshake failed: %w", l.Prefix(), err)
	}
	if !l.addConn(sshConn) {
		sshConn.Close()
		return fmt.Errorf("%s: listener closed", l.Prefix())
	}
	defer l.removeConn(sshConn)
	l.DLogf("SSH connection from %s (%s)", addrString(sshConn.RemoteAddr()), sshConn.ClientVersion())
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != ChannelType {
			l.DLogf("Rejecting channel type %q", newCh.ChannelType())
			newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		sshCh, chReqs, err := newCh.Accept()
		if err != nil {
			l.DLogf("Failed to accept channel: %s", err)
			continue
		}
		go ssh.DiscardRequests(chReqs)
		_, n := l.Stats().Counts()
		ch := relaywire.NewChannel(l.Fork("ssh#%d", n+1), relaywire.NewStreamConn(sshCh), addrString(sshConn.RemoteAddr()))
		if err := l.Offer(context.Background(), ch); err != nil {
			l.DLogf("Dropping channel: %s", err)
			ch.StartShutdown(nil)
		}
	}
	return sshConn.Wait()
}

func (l *Listener) addConn(c ssh.Conn) bool {
	l.connLock.Lock()
	defer l.connLock.Unlock()
	if l.closed {
		return false
	}
	l.conns[c] = struct{}{}
	return true
}

func (l *Listener) removeConn(c ssh.Conn) {
	l.connLock.Lock()
	delete(l.conns, c)
	l.connLock.Unlock()
}

// closeTransport closes the net.Listener and every SSH connection
func (l *Listener) closeTransport() error {
	var err error
	if l.netListener != nil {
		err = l.netListener.Close()
	}
	l.connLock.Lock()
	l.closed = true
	conns := make([]ssh.Conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.connLock.Unlock()
	for _, c := range conns {
		c.Close()
	}
	return err
}
