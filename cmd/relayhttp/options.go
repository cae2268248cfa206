package main

import (
	"flag"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/sammck-go/relayhttp/pkg/logger"
	chshare "github.com/sammck-go/relayhttp/share"
)

const (
	transportWebsocket = "ws"
	transportSSH       = "ssh"
	transportLoop      = "loop"
)

// options are the command line settings, after merging in the config file
type options struct {
	transport             string
	listen                string
	statusListen          string
	maxConcurrentRequests int
	parallelism           int
	baseAddress           string
	proxy                 string
	logLevel              string
	configPath            string
	keySeed               string
	auth                  string
	closeTimeout          time.Duration
	version               bool
}

func parseOptions(args []string, stderr io.Writer) (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet("relayhttp", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.transport, "transport", transportWebsocket, "relay transport: ws, ssh or loop")
	fs.StringVar(&o.listen, "listen", "", "relay listen address, host:port or unix:/path (default :8080 for ws, :2222 for ssh)")
	fs.StringVar(&o.statusListen, "status-listen", "", "address of the /health, /version and /stats endpoints for the ssh and loop transports")
	fs.IntVar(&o.maxConcurrentRequests, "max-concurrent-requests", chshare.DefaultMaxConcurrentRequests, "maximum concurrent requests per relay channel")
	fs.IntVar(&o.parallelism, "parallelism", 0, "parallelism used to size receive windows (default GOMAXPROCS)")
	fs.StringVar(&o.baseAddress, "base-address", "http://localhost/", "public address that relative request URLs are resolved against")
	fs.StringVar(&o.proxy, "proxy", "", "forward relayed requests to this HTTP server instead of the built-in /api/test handler")
	fs.StringVar(&o.logLevel, "log-level", "info", "log level: error, warning, info, debug or trace")
	fs.StringVar(&o.configPath, "config", "", "JSON config file; its log_level is reloaded when the file changes")
	fs.StringVar(&o.keySeed, "key-seed", "", "seed for a deterministic ssh host key")
	fs.StringVar(&o.auth, "auth", "", "user:pass that ssh relay clients must present")
	fs.DurationVar(&o.closeTimeout, "close-timeout", chshare.DefaultCloseTimeout, "bound on each channel close during shutdown")
	fs.BoolVar(&o.version, "version", false, "print the version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	if o.configPath != "" {
		fc, err := chshare.LoadFileConfig(o.configPath)
		if err != nil {
			return nil, err
		}
		set := map[string]bool{}
		fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
		o.mergeFile(fc, set)
	}
	return o, o.validate()
}

// mergeFile takes each setting from fc unless its flag was given explicitly
func (o *options) mergeFile(fc *chshare.FileConfig, set map[string]bool) {
	mergeString := func(name string, dst *string, v string) {
		if v != "" && !set[name] {
			*dst = v
		}
	}
	mergeString("transport", &o.transport, fc.Transport)
	mergeString("listen", &o.listen, fc.Listen)
	mergeString("base-address", &o.baseAddress, fc.BaseAddress)
	mergeString("proxy", &o.proxy, fc.Proxy)
	mergeString("log-level", &o.logLevel, fc.LogLevel)
	mergeString("key-seed", &o.keySeed, fc.KeySeed)
	mergeString("auth", &o.auth, fc.Auth)
	if fc.MaxConcurrentRequests != 0 && !set["max-concurrent-requests"] {
		o.maxConcurrentRequests = fc.MaxConcurrentRequests
	}
	if fc.Parallelism != 0 && !set["parallelism"] {
		o.parallelism = fc.Parallelism
	}
	if fc.CloseTimeout != "" && !set["close-timeout"] {
		if d, err := time.ParseDuration(fc.CloseTimeout); err == nil {
			o.closeTimeout = d
		}
	}
}

func (o *options) validate() error {
	switch o.transport {
	case transportWebsocket:
		if o.listen == "" {
			o.listen = ":8080"
		}
	case transportSSH:
		if o.listen == "" {
			o.listen = ":2222"
		}
	case transportLoop:
	default:
		return fmt.Errorf("unknown transport %q", o.transport)
	}
	var l logger.LogLevel
	if err := l.FromString(o.logLevel); err != nil {
		return err
	}
	if _, err := url.Parse(o.baseAddress); err != nil {
		return fmt.Errorf("invalid base address: %w", err)
	}
	return nil
}

// serverConfig builds the relay server configuration
func (o *options) serverConfig(lg logger.Logger) (chshare.Config, error) {
	base, err := url.Parse(o.baseAddress)
	if err != nil {
		return chshare.Config{}, err
	}
	cfg := chshare.Config{
		MaxConcurrentRequests: o.maxConcurrentRequests,
		Parallelism:           o.parallelism,
		BaseAddress:           base,
		Logger:                lg.Fork("server"),
		CloseTimeout:          o.closeTimeout,
	}
	return cfg, cfg.Validate()
}
