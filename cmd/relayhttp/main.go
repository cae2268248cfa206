// Command relayhttp serves HTTP requests that arrive through a relay instead of
// a listening HTTP socket. Relay peers connect over a websocket, over SSH, or,
// for a self-test, through an in-process loop.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sammck-go/relayhttp/pkg/httpadapter"
	"github.com/sammck-go/relayhttp/pkg/logger"
	"github.com/sammck-go/relayhttp/pkg/looprelay"
	"github.com/sammck-go/relayhttp/pkg/netlisten"
	"github.com/sammck-go/relayhttp/pkg/relay"
	"github.com/sammck-go/relayhttp/pkg/sshrelay"
	"github.com/sammck-go/relayhttp/pkg/wsrelay"
	chshare "github.com/sammck-go/relayhttp/share"
)

func main() {
	o, err := parseOptions(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayhttp: %s\n", err)
		os.Exit(2)
	}
	if o.version {
		fmt.Println(chshare.BuildVersion)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, o, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "relayhttp: %s\n", err)
		os.Exit(1)
	}
}

// run serves until ctx is done, then closes the server
func run(ctx context.Context, o *options, out io.Writer) error {
	lg, err := logger.New(
		logger.WithWriter(out),
		logger.WithPrefix("relayhttp"),
		logger.WithLogLevel(logger.StringToLogLevel(o.logLevel)),
	)
	if err != nil {
		return err
	}
	if o.configPath != "" {
		w, err := chshare.NewConfigWatcher(o.configPath, lg)
		if err != nil {
			return err
		}
		w.Start(ctx)
		defer w.Stop()
	}

	cfg, err := o.serverConfig(lg)
	if err != nil {
		return err
	}

	var (
		listener     relay.Listener
		relayHandler http.Handler
		loop         *looprelay.Listener
		statusAddr   = o.statusListen
	)
	switch o.transport {
	case transportWebsocket:
		wl := wsrelay.NewListener(lg)
		listener, relayHandler = wl, wl
		statusAddr = o.listen
	case transportSSH:
		nl, err := netlisten.Listen(lg, o.listen)
		if err != nil {
			return err
		}
		sl, err := sshrelay.NewListener(nl, sshrelay.ListenerConfig{KeySeed: o.keySeed, Auth: o.auth, Logger: lg})
		if err != nil {
			nl.Close()
			return err
		}
		listener = sl
	case transportLoop:
		loop = looprelay.NewListener(lg, "relayhttp")
		listener = loop
	}

	handler := demoHandler()
	if o.proxy != "" {
		if handler, err = httpadapter.NewReverseProxy(lg, o.proxy); err != nil {
			listener.Close(ctx)
			return err
		}
		lg.ILogf("Reverse proxy enabled")
	}
	server, err := chshare.NewServer(cfg, listener, httpadapter.NewHTTPHandler(lg, handler), httpadapter.New(cfg.BaseAddress))
	if err != nil {
		listener.Close(ctx)
		return err
	}
	if err := server.Open().WaitContext(ctx); err != nil {
		server.Close().Wait()
		return err
	}
	lg.ILogf("Serving relayed requests over %s, version %s", o.transport, chshare.BuildVersion)

	var hs *chshare.HTTPServer
	if statusAddr != "" {
		l, err := netlisten.Listen(lg, statusAddr)
		if err != nil {
			server.Close().Wait()
			return err
		}
		hs = chshare.NewHTTPServer(lg)
		if err := hs.Start(ctx, l, chshare.NewStatusHandler(server, relayHandler)); err != nil {
			server.Close().Wait()
			return err
		}
	}

	if loop != nil {
		if err := selfTest(ctx, lg, loop); err != nil {
			lg.ELogf("Self-test failed: %s", err)
		}
	}

	<-ctx.Done()
	lg.ILogf("Shutting down")
	err = server.Close().Wait()
	if hs != nil {
		if herr := hs.Shutdown(nil); herr != nil && !errors.Is(herr, context.Canceled) {
			lg.DLogf("HTTP server shutdown: %s", herr)
		}
	}
	lg.ILogf("Stopped with %s", server.Stats())
	return err
}

// demoHandler answers /api/test, for trying a relay out
func demoHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/test/{id}", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "Message via the relay host : %s", r.PathValue("id"))
	})
	mux.HandleFunc("POST /api/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// selfTest sends one request through the loop relay
func selfTest(ctx context.Context, lg logger.Logger, l *looprelay.Listener) error {
	client, err := l.Dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	reply, err := client.Do(ctx, relay.NewRequestMessage(http.MethodGet, "/api/test/selftest", nil))
	if err != nil {
		return err
	}
	if reply.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", reply.StatusCode, reply.Body)
	}
	lg.ILogf("Self-test reply: %s", reply.Body)
	return nil
}
