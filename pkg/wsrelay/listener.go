package wsrelay

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/sammck-go/relayhttp/pkg/logger"
	"github.com/sammck-go/relayhttp/pkg/relaywire"
)

// Listener is a relay.Listener fed by an http.Handler. Mount it on an HTTP
// server; every websocket upgraded through ServeHTTP becomes a channel
// returned by AcceptChannel.
type Listener struct {
	*relaywire.Listener
	upgrader websocket.Upgrader
}

// NewListener creates a new Listener
func NewListener(lg logger.Logger) *Listener {
	return &Listener{
		Listener: relaywire.NewListener(lg.Fork("wsrelay"), nil),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{Subprotocol},
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func hasSubprotocol(r *http.Request) bool {
	for _, p := range websocket.Subprotocols(r) {
		if p == Subprotocol {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades a relay connection to a websocket and queues it as a new
// channel
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if !hasSubprotocol(r) {
		l.ILogf("Relay connection using unsupported websocket protocol '%s', expected '%s'",
			r.Header.Get("Sec-WebSocket-Protocol"), Subprotocol)
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if !l.IsActivated() || l.IsStartedShutdown() {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	l.DLogf("Upgrading to websocket, URL tail=\"%s\", remote=%s", r.URL.String(), r.RemoteAddr)
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an error
		l.DLogf("Failed to upgrade to websocket: %s", err)
		return
	}
	_, n := l.Stats().Counts()
	ch := relaywire.NewChannel(l.Fork("ws#%d", n+1), NewConn(ws), r.RemoteAddr)
	if err := l.Offer(r.Context(), ch); err != nil {
		l.DLogf("Dropping websocket: %s", err)
		ch.StartShutdown(nil)
	}
}
