package wsrelay

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sammck-go/relayhttp/pkg/logger"
	"github.com/sammck-go/relayhttp/pkg/relaywire"
)

// DialConfig is the configuration of a websocket relay client
type DialConfig struct {
	relaywire.RetryPolicy

	// Header is sent with the websocket handshake
	Header http.Header

	// HandshakeTimeout bounds each handshake. Zero selects 45 seconds.
	HandshakeTimeout time.Duration

	// Logger receives client log output. Nil discards it.
	Logger logger.Logger
}

var portSuffix = regexp.MustCompile(`:\d+$`)

// relayURL applies the default scheme and port, then swaps to the
// websocket scheme
func relayURL(server string) (string, error) {
	if !strings.HasPrefix(server, "http") && !strings.HasPrefix(server, "ws") {
		server = "http://" + server
	}
	u, err := url.Parse(server)
	if err != nil {
		return "", err
	}
	if !portSuffix.MatchString(u.Host) {
		if u.Scheme == "https" || u.Scheme == "wss" {
			u.Host = u.Host + ":443"
		} else {
			u.Host = u.Host + ":80"
		}
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	return u.String(), nil
}

// Dial connects to a websocket relay listener at server, retrying according
// to cfg, and returns a client for sending requests over it
func Dial(ctx context.Context, server string, cfg DialConfig) (*relaywire.Client, error) {
	lg := cfg.Logger
	if lg == nil {
		lg = logger.NilLogger()
	}
	lg = lg.Fork("wsclient")
	target, err := relayURL(server)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid relay URL: %w", lg.Prefix(), err)
	}
	timeout := cfg.HandshakeTimeout
	if timeout == 0 {
		timeout = 45 * time.Second
	}
	d := websocket.Dialer{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: timeout,
		Subprotocols:     []string{Subprotocol},
	}
	lg.ILogf("Connecting to %s", target)
	conn, err := relaywire.DialWithRetry(ctx, lg, cfg.RetryPolicy, func(ctx context.Context) (relaywire.FrameConn, error) {
		ws, resp, err := d.DialContext(ctx, target, cfg.Header)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("%w (HTTP %s)", err, resp.Status)
			}
			return nil, err
		}
		if ws.Subprotocol() != Subprotocol {
			ws.Close()
			return nil, fmt.Errorf("server did not accept subprotocol %s", Subprotocol)
		}
		return NewConn(ws), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", lg.Prefix(), err)
	}
	lg.DLogf("Connected")
	return relaywire.NewClient(lg, conn), nil
}
