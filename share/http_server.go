package chshare

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/sammck-go/relayhttp/pkg/asyncobj"
	"github.com/sammck-go/relayhttp/pkg/logger"
)

// DefaultHTTPShutdownTimeout bounds the graceful phase of HTTPServer shutdown
const DefaultHTTPShutdownTimeout = 5 * time.Second

// HTTPServer extends net/http Server and
// adds graceful shutdowns
type HTTPServer struct {
	asyncobj.Helper
	*http.Server
	listener        net.Listener
	shutdownTimeout time.Duration
}

// NewHTTPServer creates a new HTTPServer
func NewHTTPServer(lg logger.Logger) *HTTPServer {
	h := &HTTPServer{
		Server:          &http.Server{ReadHeaderTimeout: 30 * time.Second},
		shutdownTimeout: DefaultHTTPShutdownTimeout,
	}
	h.InitHelper(lg.Fork("http-server"), h)
	return h
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// lets in-flight requests finish for up to the shutdown timeout, then closes
// whatever remains.
func (h *HTTPServer) HandleOnceShutdown(completionErr error) error {
	h.DLogf("HandleOnceShutdown")
	ctx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()
	err := h.Server.Shutdown(ctx)
	if err != nil {
		h.DLogf("graceful shutdown failed, closing: %s", err)
		err = h.Server.Close()
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// Start begins serving handler on l in the background. The server shuts down
// when ctx is done or Shutdown is called. Ownership of l passes to the server.
func (h *HTTPServer) Start(ctx context.Context, l net.Listener, handler http.Handler) error {
	return h.DoOnceActivate(
		func() error {
			h.ShutdownOnContext(ctx)
			h.Handler = handler
			h.listener = l
			h.ILogf("Listening on %s", l.Addr())
			go func() {
				err := h.Serve(l)
				if errors.Is(err, http.ErrServerClosed) {
					err = nil
				}
				h.StartShutdown(err)
			}()
			return nil
		},
	)
}

// ListenAndServe runs the HTTP server on the given bind address, invoking the
// provided handler for each request. It returns after the server has shut
// down. The server can be shut down either by cancelling the context or by
// calling Shutdown().
func (h *HTTPServer) ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		err = h.DLogErrorf("Listen failed: %s", err)
		h.StartShutdown(err)
		return err
	}
	if err := h.Start(ctx, l, handler); err != nil {
		l.Close()
		return err
	}
	return h.WaitShutdown()
}

// ListenAddr returns the address the server is listening on, or nil before
// Start
func (h *HTTPServer) ListenAddr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Shutdown completely shuts down the server, then returns the final completion code
func (h *HTTPServer) Shutdown(completionError error) error {
	return h.Helper.Shutdown(completionError)
}

// Close completely shuts down the server, then returns the final completion code
func (h *HTTPServer) Close() error {
	return h.Helper.Close()
}
