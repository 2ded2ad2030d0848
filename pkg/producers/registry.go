// Package producers builds snapshot producers from technology configuration.
package producers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftwatch/driftwatch/pkg/config"
	"github.com/driftwatch/driftwatch/pkg/engine"
	"github.com/driftwatch/driftwatch/pkg/producers/aws"
	"github.com/driftwatch/driftwatch/pkg/producers/file"
	"github.com/driftwatch/driftwatch/pkg/producers/wasm"
	"github.com/driftwatch/driftwatch/pkg/transports/ssh"
)

// Producer types.
const (
	TypeAWS  = "aws"
	TypeFile = "file"
	TypeSFTP = "sftp"
	TypeWASM = "wasm"
)

// Built is a producer with the error classifier matching its backend.
type Built struct {
	Producer   engine.SnapshotProducer
	Classifier engine.Classifier
}

// Registry builds producers and owns the resources they hold.
type Registry struct {
	logger     zerolog.Logger
	awsClients aws.ClientFactory

	mu      sync.Mutex
	closers []func(context.Context) error
}

// Option configures a Registry.
type Option func(*Registry)

// WithAWSClients replaces the SDK client factory, mainly for tests.
func WithAWSClients(f aws.ClientFactory) Option {
	return func(r *Registry) { r.awsClients = f }
}

// NewRegistry creates a producer registry.
func NewRegistry(logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{logger: logger.With().Str("component", "producers").Logger()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Build creates the producer of a technology.
func (r *Registry) Build(ctx context.Context, cfg *config.WatchConfig, tech config.TechnologyConfig) (*Built, error) {
	pc := tech.Producer

	switch pc.Type {
	case TypeAWS:
		if r.awsClients == nil {
			r.awsClients = aws.NewSDKClients()
		}
		opts := []aws.Option{aws.WithLogger(r.logger)}
		if n, err := intOption(pc.Options, "concurrency"); err != nil {
			return nil, fmt.Errorf("technology %s: %w", tech.Name, err)
		} else if n > 0 {
			opts = append(opts, aws.WithConcurrency(n))
		}
		p, err := aws.New(tech.Name, pc.Kind, cfg.AccountsFor(tech), r.awsClients, opts...)
		if err != nil {
			return nil, err
		}
		return &Built{
			Producer:   p,
			Classifier: engine.ChainClassifiers(engine.DefaultClassifier, aws.Classify),
		}, nil

	case TypeFile:
		p, err := file.New(tech.Name, pc.Root, r.logger)
		if err != nil {
			return nil, err
		}
		return &Built{Producer: p, Classifier: engine.DefaultClassifier}, nil

	case TypeSFTP:
		sc, err := sshConfig(pc)
		if err != nil {
			return nil, fmt.Errorf("technology %s: %w", tech.Name, err)
		}
		client, err := ssh.Dial(ctx, sc, r.logger)
		if err != nil {
			return nil, fmt.Errorf("technology %s: %w", tech.Name, err)
		}
		r.addCloser(func(context.Context) error { return client.Close() })
		r.logger.Info().Str("technology", tech.Name).Str("host", client.Host()).Str("root", pc.Root).Msg("Reading snapshots over SFTP")
		return &Built{
			Producer:   file.NewFS(tech.Name, client.FS(pc.Root), r.logger),
			Classifier: engine.DefaultClassifier,
		}, nil

	case TypeWASM:
		hc := &wasm.HostConfig{Options: pc.Options}
		if secs, err := intOption(pc.Options, "timeout_seconds"); err != nil {
			return nil, fmt.Errorf("technology %s: %w", tech.Name, err)
		} else if secs > 0 {
			hc.Timeout = time.Duration(secs) * time.Second
		}
		p, err := wasm.Load(ctx, tech.Name, pc.Module, hc, r.logger)
		if err != nil {
			return nil, err
		}
		r.addCloser(p.Close)
		return &Built{Producer: p, Classifier: engine.DefaultClassifier}, nil
	}

	return nil, fmt.Errorf("technology %s: unknown producer type %q", tech.Name, pc.Type)
}

func (r *Registry) addCloser(c func(context.Context) error) {
	r.mu.Lock()
	r.closers = append(r.closers, c)
	r.mu.Unlock()
}

// sshConfig translates the remote settings of an sftp producer.
func sshConfig(pc config.ProducerConfig) (*ssh.Config, error) {
	rc := pc.Remote
	if rc == nil {
		return nil, errors.New("sftp producer needs a remote")
	}
	if pc.Root == "" {
		return nil, errors.New("sftp producer needs a root")
	}

	sc := ssh.DefaultConfig(rc.Host, rc.User)
	if rc.Port > 0 {
		sc.Port = rc.Port
	}
	if rc.Auth != "" {
		sc.AuthMethod = ssh.AuthMethod(rc.Auth)
	}
	sc.PrivateKeyPath = rc.KeyFile
	if rc.PasswordEnv != "" {
		sc.Password = os.Getenv(rc.PasswordEnv)
	}
	if rc.KnownHosts != "" {
		sc.KnownHostsPath = rc.KnownHosts
	}
	sc.StrictHostKeyChecking = !rc.InsecureIgnoreHostKey
	if rc.TimeoutSeconds > 0 {
		sc.ConnectionTimeout = time.Duration(rc.TimeoutSeconds) * time.Second
	}
	if rc.ProxyHost != "" {
		sc.ProxyHost = rc.ProxyHost
		sc.ProxyUser = rc.ProxyUser
		if sc.ProxyUser == "" {
			sc.ProxyUser = rc.User
		}
		sc.ProxyPassword = sc.Password
		sc.ProxyPrivateKeyPath = sc.PrivateKeyPath
	}
	return sc, nil
}

// BuildAll creates the producers of every enabled technology, keyed by name.
func (r *Registry) BuildAll(ctx context.Context, cfg *config.WatchConfig) (map[string]*Built, error) {
	out := make(map[string]*Built)
	for _, tech := range cfg.EnabledTechnologies() {
		b, err := r.Build(ctx, cfg, tech)
		if err != nil {
			return nil, err
		}
		out[tech.Name] = b
		r.logger.Debug().Str("technology", tech.Name).Str("type", tech.Producer.Type).Msg("Producer ready")
	}
	return out, nil
}

// Close releases plugin runtimes and remote sessions.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	closers := r.closers
	r.closers = nil
	r.mu.Unlock()

	var errs []error
	for _, c := range closers {
		if err := c(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func intOption(opts map[string]string, key string) (int, error) {
	raw, ok := opts[key]
	if !ok || raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", key, err)
	}
	return n, nil
}
