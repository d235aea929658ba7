// Package config reads the transit configuration file and builds the
// loggers and error reporting it describes.
package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/dpml/transit/cache"
	"github.com/dpml/transit/host"
)

// Config is the contents of a configuration file.
type Config struct {
	Cache cache.Config `toml:"cache" yaml:"cache"`

	// LogLevel is one of debug, info, warn or error. Empty means info.
	LogLevel string `toml:"log-level" yaml:"log-level"`

	// SentryDSN enables error reporting to sentry when set.
	SentryDSN string `toml:"sentry-dsn" yaml:"sentry-dsn"`

	// Prefs is the dial string of the preferences store. See prefs.Open.
	Prefs string `toml:"prefs" yaml:"prefs"`

	Server Server `toml:"server" yaml:"server"`

	// Proxy is the HTTP proxy for remote hosts. An empty URL means the
	// proxy is taken from the environment.
	Proxy host.Proxy `toml:"proxy" yaml:"proxy"`
}

// Server configures the artifact server.
type Server struct {
	Addr string `toml:"addr" yaml:"addr"`

	// Writable allows uploads.
	Writable bool `toml:"writable" yaml:"writable"`
}

// ErrUnknownFormat means the file extension is not .toml, .yaml or .yml.
var ErrUnknownFormat = errors.New("unknown configuration format")

// DefaultAddr is the server address used when none is configured.
const DefaultAddr = ":14000"

// Default returns the built-in configuration: a file host under the data
// directory and the public repositories.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Prefs:    "memory",
		Server:   Server{Addr: DefaultAddr},
		Cache: cache.Config{
			Hosts: []host.Model{
				{ID: "local", URL: "file:" + filepath.ToSlash(filepath.Join(cache.DataDir(), "local")), Trusted: true},
				{ID: "repository.dpml.net", URL: "http://repository.dpml.net/classic/", Priority: 100, Index: "index"},
				{ID: "www.apache.org", URL: "http://www.apache.org/dist/java-repository/", Priority: 500},
				{ID: "www.ibiblio.org", URL: "http://www.ibiblio.org/maven/", Priority: 1000},
			},
		},
	}
}

// Load reads the file at path on top of the defaults. The format is
// picked by the file extension.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f, filepath.Ext(path))
}

// Decode reads a configuration in the format named by ext.
func Decode(r io.Reader, ext string) (*Config, error) {
	c := Default()
	// hosts given in the file replace the default set
	c.Cache.Hosts = nil
	var err error
	switch strings.ToLower(ext) {
	case ".toml":
		_, err = toml.DecodeReader(r, c)
	case ".yaml", ".yml":
		err = yaml.NewDecoder(r).Decode(c)
		if err == io.EOF {
			err = nil
		}
	default:
		return nil, errors.Wrapf(ErrUnknownFormat, "%q", ext)
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading configuration")
	}
	if len(c.Cache.Hosts) == 0 {
		c.Cache.Hosts = Default().Cache.Hosts
	}
	if c.Proxy.URL != "" {
		c.Cache.Proxy = &c.Proxy
	}
	return c, nil
}

// Level parses LogLevel.
func (c *Config) Level() (zapcore.Level, error) {
	var l zapcore.Level
	if c.LogLevel == "" {
		return zapcore.InfoLevel, nil
	}
	err := l.UnmarshalText([]byte(c.LogLevel))
	return l, errors.Wrapf(err, "log level %q", c.LogLevel)
}

// Logger returns a JSON logger writing to w at the configured level.
func (c *Config) Logger(w io.Writer) (*zap.Logger, error) {
	level, err := c.Level()
	if err != nil {
		return nil, err
	}
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		NameKey:     "logger",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(w),
		level,
	)
	return zap.New(core), nil
}

// SetupSentry points raven at the configured DSN. It does nothing if no
// DSN is configured.
func (c *Config) SetupSentry() error {
	if c.SentryDSN == "" {
		return nil
	}
	return errors.Wrap(raven.SetDSN(c.SentryDSN), "sentry dsn")
}
