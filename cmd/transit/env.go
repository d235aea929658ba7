package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/dpml/transit/cache"
	"github.com/dpml/transit/config"
	"github.com/dpml/transit/host"
	"github.com/dpml/transit/loader"
	"github.com/dpml/transit/part"
)

// env is the set of services every command works with.
type env struct {
	config  *config.Config
	log     *zap.Logger
	cache   *cache.Handler
	loader  *loader.Loader
	decoder *part.Decoder
}

// Registry holds the classes compiled into this binary.
var Registry = loader.NewRegistry()

// The host implementations are system classes, so a host plugin descriptor
// can name one of them as its class and supply the classpath around it.
func init() {
	Registry.MustRegister(loader.Class{
		Name: "dpml.transit.host.FileHost",
		Constructors: []interface{}{func(m host.Model, opts host.Options) (*host.FileHost, error) {
			return host.NewFile(m, opts)
		}},
	})
	Registry.MustRegister(loader.Class{
		Name: "dpml.transit.host.HTTPHost",
		Constructors: []interface{}{func(ctx context.Context, m host.Model, opts host.Options) (*host.HTTPHost, error) {
			return host.NewHTTP(ctx, m, opts)
		}},
	})
	Registry.MustRegister(loader.Class{
		Name: "dpml.transit.host.S3Host",
		Constructors: []interface{}{func(m host.Model, opts host.Options) (*host.S3Host, error) {
			return host.NewS3(m, opts)
		}},
	})
}

func setup(c *cli.Context) (*env, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, cli.Exit(err.Error(), 2)
		}
	}
	if level := c.String("log-level"); level != "" {
		cfg.LogLevel = level
	}
	log, err := cfg.Logger(os.Stderr)
	if err != nil {
		return nil, cli.Exit(err.Error(), 2)
	}
	if err := cfg.SetupSentry(); err != nil {
		log.Warn("sentry", zap.Error(err))
	}

	ctx := c.Context
	if ctx == nil {
		ctx = context.Background()
	}
	h, err := cache.New(ctx, cfg.Cache,
		cache.WithLogger(log),
		cache.WithMonitor(cache.LogMonitor{Log: log}))
	if err != nil {
		return nil, err
	}
	ld := loader.New(h, Registry,
		loader.WithPrefsDial(cfg.Prefs),
		loader.WithLogger(log),
		loader.WithMonitor(loader.LogMonitor{Log: log}))
	if err := h.Initialize(ctx, loader.HostLoader{Loader: ld, Options: h.HostOptions()}); err != nil {
		h.Dispose()
		return nil, err
	}
	return &env{
		config:  cfg,
		log:     log,
		cache:   h,
		loader:  ld,
		decoder: part.NewDecoder(ld, part.WithLinkResolver(h), part.WithLogger(log)),
	}, nil
}

func (e *env) close() {
	if err := e.loader.Close(); err != nil {
		e.log.Warn("closing preferences", zap.Error(err))
	}
	e.cache.Dispose()
	e.log.Sync()
}
