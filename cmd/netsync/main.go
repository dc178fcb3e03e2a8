// Command netsync is a console peer of a shared farm: one instance hosts,
// the others join it and watch the same fields change.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/drpcorg/netsync"
	"github.com/drpcorg/netsync/coordinator"
	"github.com/drpcorg/netsync/netsync_errors"
	"github.com/drpcorg/netsync/network"
	"github.com/drpcorg/netsync/store"
	"github.com/drpcorg/netsync/transport"
	"github.com/drpcorg/netsync/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Config struct {
	Role        string        `env:"NETSYNC_ROLE"         envDefault:"host"`
	Addr        string        `env:"NETSYNC_ADDR"         envDefault:"tcp://127.0.0.1:7777"`
	Tick        time.Duration `env:"NETSYNC_TICK"         envDefault:"50ms"`
	Store       string        `env:"NETSYNC_STORE"`
	Keep        int           `env:"NETSYNC_KEEP"         envDefault:"8"`
	MetricsAddr string        `env:"NETSYNC_METRICS_ADDR"`
	Validate    bool          `env:"NETSYNC_VALIDATE"`
	History     string        `env:"NETSYNC_HISTORY"      envDefault:"/tmp/netsync.history"`
	LogLevel    slog.Level    `env:"NETSYNC_LOG_LEVEL"    envDefault:"INFO"`

	WriteTimeout time.Duration `env:"NETSYNC_WRITE_TIMEOUT" envDefault:"10s"`
	TCPBuffer    int           `env:"NETSYNC_TCP_BUFFER"`
	TLSCert      string        `env:"NETSYNC_TLS_CERT"`
	TLSKey       string        `env:"NETSYNC_TLS_KEY"`
	TLSInsecure  bool          `env:"NETSYNC_TLS_INSECURE"`
}

var ErrBadRole = errors.New("role is host or client")

// ParseConfig reads the environment first, flags override it.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	fs.StringVar(&cfg.Role, "role", cfg.Role, "host or client")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "tcp://, tls:// or ws:// address to listen on or dial")
	fs.DurationVar(&cfg.Tick, "tick", cfg.Tick, "session tick period")
	fs.StringVar(&cfg.Store, "store", cfg.Store, "checkpoint directory, empty disables checkpoints")
	fs.IntVar(&cfg.Keep, "keep", cfg.Keep, "checkpoints kept per root, 0 keeps all")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve prometheus metrics on this address")
	fs.BoolVar(&cfg.Validate, "validate", cfg.Validate, "strict tree ownership checks")
	fs.StringVar(&cfg.History, "history", cfg.History, "console history file")
	fs.TextVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "socket write deadline")
	fs.IntVar(&cfg.TCPBuffer, "tcp-buffer", cfg.TCPBuffer, "kernel socket buffer size, 0 keeps the default")
	fs.StringVar(&cfg.TLSCert, "tls-cert", cfg.TLSCert, "host certificate for tls:// addresses")
	fs.StringVar(&cfg.TLSKey, "tls-key", cfg.TLSKey, "host key for tls:// addresses")
	fs.BoolVar(&cfg.TLSInsecure, "tls-insecure", cfg.TLSInsecure, "skip host certificate verification")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if _, err := parseRole(cfg.Role); err != nil {
		return Config{}, err
	}
	if cfg.Tick <= 0 {
		return Config{}, fmt.Errorf("tick must be positive, got %s", cfg.Tick)
	}
	return cfg, nil
}

func parseRole(s string) (netsync.Role, error) {
	switch strings.ToLower(s) {
	case "host":
		return netsync.Host, nil
	case "client":
		return netsync.Client, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrBadRole, s)
	}
}

func netOpts(cfg Config, role netsync.Role) ([]network.NetOpt, error) {
	opts := []network.NetOpt{&network.NetWriteTimeoutOpt{Timeout: cfg.WriteTimeout}}
	if cfg.TCPBuffer > 0 {
		opts = append(opts, &network.TcpBufferSizeOpt{Read: cfg.TCPBuffer, Write: cfg.TCPBuffer})
	}
	if !strings.HasPrefix(cfg.Addr, "tls://") {
		return opts, nil
	}
	conf := &tls.Config{MinVersion: tls.VersionTLS12}
	if role == netsync.Host {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("load tls key pair: %w", err)
		}
		conf.Certificates = []tls.Certificate{cert}
	} else {
		conf.InsecureSkipVerify = cfg.TLSInsecure
	}
	return append(opts, &network.NetTlsConfigOpt{Config: conf}), nil
}

// newTransport picks the websocket transport for ws:// addresses and the
// record stream for everything else.
func newTransport(log utils.Logger, role netsync.Role, addr string, opts []network.NetOpt) transport.Transport {
	if rest, ok := strings.CutPrefix(addr, "ws://"); ok {
		if role == netsync.Host {
			host, _, _ := strings.Cut(rest, "/")
			return network.NewWSHost(log, host)
		}
		if !strings.Contains(rest, "/") {
			addr += network.WSPath
		}
		return network.NewWSClient(log, addr)
	}
	if role == netsync.Host {
		return network.NewHost(log, addr, opts...)
	}
	return network.NewClient(log, addr, opts...)
}

func serveMetrics(log utils.Logger, addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "addr", addr, "err", err)
		}
	}()
	return srv
}

func run(ctx context.Context, cfg Config) error {
	role, _ := parseRole(cfg.Role)
	log := utils.NewDefaultLogger(cfg.LogLevel)

	reg := prometheus.NewRegistry()
	reg.MustRegister(transport.MessagesTotal, transport.BytesTotal)

	var db *store.Store
	if cfg.Store != "" {
		var err error
		db, err = store.Open(cfg.Store, store.Options{Keep: cfg.Keep, Log: log})
		if err != nil {
			return err
		}
		defer db.Close()
		reg.MustRegister(store.NewCollector(db))
	}
	opts, err := netOpts(cfg, role)
	if err != nil {
		return err
	}
	tr := newTransport(log, role, cfg.Addr, opts)
	if stream, ok := tr.(*network.Transport); ok {
		reg.MustRegister(network.NewCollector(stream))
	}
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(log, cfg.MetricsAddr, reg)
		defer srv.Close()
	}

	session := netsync.NewSession(netsync.Config{
		Role:       role,
		Validate:   cfg.Validate,
		Log:        log,
		Accounting: transport.PromAccounting{},
		Store:      db,
	}, tr)
	f := newFarm(session.Options())
	if err := session.Register(farmLocation, f.NetFields()); err != nil {
		return err
	}
	session.Coordinate(f, f, coordinator.Options{Log: log})
	if db != nil {
		if err := session.Restore(); err != nil {
			return err
		}
	}
	if err := session.Connect(ctx); err != nil {
		return err
	}
	var lock sync.Mutex
	defer func() {
		lock.Lock()
		defer lock.Unlock()
		_ = session.Close()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go keepTicking(ctx, cancel, log, &lock, session, cfg.Tick)

	repl := REPL{lock: &lock, session: session, farm: f}
	if err := repl.Open(cfg.History); err != nil {
		return err
	}
	defer repl.Close()
	fmt.Fprintf(repl.out, "%s on %s, type help\n", role, cfg.Addr)

	for ctx.Err() == nil {
		err := repl.REPL()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			fmt.Fprintf(repl.out, "error: %s\n", err)
		}
	}
	return nil
}

// keepTicking runs the session until ctx ends or the host sends us away.
func keepTicking(ctx context.Context, cancel context.CancelFunc, log utils.Logger, lock *sync.Mutex, s *netsync.Session, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		lock.Lock()
		err := s.Tick(ctx)
		lock.Unlock()
		if errors.Is(err, netsync_errors.ErrClosed) {
			log.Warn("session closed by the host")
			cancel()
			return
		}
		if err != nil && ctx.Err() == nil {
			log.Error("tick failed", "err", err)
		}
	}
}

func main() {
	cfg, err := ParseConfig(flag.NewFlagSet(os.Args[0], flag.ExitOnError), os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-2)
	}
	if err := run(context.Background(), cfg); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-1)
	}
}
