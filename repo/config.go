package repo

import (
	"go.uber.org/zap"

	"github.com/robbynshaw/hypermerge/feed"
	"github.com/robbynshaw/hypermerge/swarm"
)

// Config controls how a RepoBackend opens its storage and collaborators.
type Config struct {
	Path    string
	Memory  bool
	Logger  *zap.SugaredLogger
	Network *swarm.Network     // shared rendezvous; nil means "private, fresh network"
	Feeds   *feed.MemBackend   // feed storage; nil means "fresh, empty backend"
}

// Option configures a Config via the functional-options idiom.
type Option func(*Config)

// WithNetwork attaches this repo to a shared in-memory swarm.Network, so
// multiple repos in the same process can discover and replicate with each
// other. Tests are the primary caller; production processes leave this
// unset and get a private network (equivalent to having no peers).
func WithNetwork(net *swarm.Network) Option {
	return func(c *Config) { c.Network = net }
}

// WithFeeds attaches an existing feed backend, so a test can close one
// RepoBackend and reopen another against the same underlying feed logs —
// standing in for a real hypercore directory surviving a process restart,
// which this in-memory feed store does not otherwise model.
func WithFeeds(feeds *feed.MemBackend) Option {
	return func(c *Config) { c.Feeds = feeds }
}

// WithPath sets the root directory for feeds and the database.
func WithPath(path string) Option {
	return func(c *Config) { c.Path = path }
}

// WithMemory requests in-memory storage: no directory is created, and the
// database lives only for the process lifetime.
func WithMemory(memory bool) Option {
	return func(c *Config) { c.Memory = memory }
}

// WithLogger injects a structured logger. Defaults to a no-op logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(c *Config) { c.Logger = logger }
}

// NewConfig applies opts over the defaults (Path: "default", a no-op
// logger, Memory: false).
func NewConfig(opts ...Option) Config {
	c := Config{Path: "default", Logger: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
