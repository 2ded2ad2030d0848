package config

import (
	"fmt"
	"time"

	"github.com/driftwatch/driftwatch/pkg/confval"
	"github.com/driftwatch/driftwatch/pkg/engine"
)

// DefaultDatastorePath is used when no datastore path is configured.
const DefaultDatastorePath = "./data/driftwatch.db"

// DefaultScriptTimeout bounds one canonicalize call.
const DefaultScriptTimeout = 5 * time.Second

// Technology returns the configuration of a technology by name.
func (c *WatchConfig) Technology(name string) (TechnologyConfig, bool) {
	for _, t := range c.Technologies {
		if t.Name == name {
			return t, true
		}
	}
	return TechnologyConfig{}, false
}

// EnabledTechnologies returns every technology that is not disabled.
func (c *WatchConfig) EnabledTechnologies() []TechnologyConfig {
	out := make([]TechnologyConfig, 0, len(c.Technologies))
	for _, t := range c.Technologies {
		if !t.Disabled {
			out = append(out, t)
		}
	}
	return out
}

// Account returns the configuration of an account by name.
func (c *WatchConfig) Account(name string) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.Name == name {
			return a, true
		}
	}
	return AccountConfig{}, false
}

// ActiveAccounts returns the accounts that are watched.
func (c *WatchConfig) ActiveAccounts() []AccountConfig {
	out := make([]AccountConfig, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.IsActive() {
			out = append(out, a)
		}
	}
	return out
}

// AccountsFor returns the active accounts a technology watches.
func (c *WatchConfig) AccountsFor(t TechnologyConfig) []AccountConfig {
	if len(t.Accounts) == 0 {
		return c.ActiveAccounts()
	}
	out := make([]AccountConfig, 0, len(t.Accounts))
	for _, name := range t.Accounts {
		if a, ok := c.Account(name); ok && a.IsActive() {
			out = append(out, a)
		}
	}
	return out
}

// HonorEphemerals resolves the ephemeral handling of a technology.
func (c *WatchConfig) HonorEphemerals(t TechnologyConfig) bool {
	if t.HonorEphemerals != nil {
		return *t.HonorEphemerals
	}
	return c.Defaults.HonorEphemerals
}

// PersistEphemeral resolves whether ephemeral-only changes are stored. It
// defaults to true so the stored history matches what was fetched.
func (c *WatchConfig) PersistEphemeral(t TechnologyConfig) bool {
	if t.PersistEphemeral != nil {
		return *t.PersistEphemeral
	}
	if c.Defaults.PersistEphemeral != nil {
		return *c.Defaults.PersistEphemeral
	}
	return true
}

// PollInterval resolves the advisory poll interval of a technology.
func (c *WatchConfig) PollInterval(t TechnologyConfig) time.Duration {
	minutes := t.PollIntervalMinutes
	if minutes == 0 {
		minutes = c.Defaults.PollIntervalMinutes
	}
	if minutes == 0 {
		return engine.DefaultPollInterval
	}
	return time.Duration(minutes) * time.Minute
}

// PathSeparator returns the selector separator.
func (c *WatchConfig) PathSeparator() string {
	if c.Defaults.PathSeparator == "" {
		return confval.DefaultSeparator
	}
	return c.Defaults.PathSeparator
}

// DatastorePath returns the configured database path.
func (c *WatchConfig) DatastorePath() string {
	if c.Datastore.Path == "" {
		return DefaultDatastorePath
	}
	return c.Datastore.Path
}

// EphemeralSelectors parses the ephemeral paths of a technology.
func (c *WatchConfig) EphemeralSelectors(t TechnologyConfig) ([]confval.Selector, error) {
	sels, err := confval.ParseSelectors(t.EphemeralPaths, c.PathSeparator())
	if err != nil {
		return nil, fmt.Errorf("invalid ephemeral path: %w", err)
	}
	return sels, nil
}

// Canonicalizer builds the comparison projection of a technology: the
// configured Projection followed by the Starlark script, if any. It returns
// nil when neither is configured.
func (c *WatchConfig) Canonicalizer(t TechnologyConfig) (engine.Canonicalizer, error) {
	canon := t.Canonical

	excludes, err := confval.ParseSelectors(canon.Exclude, c.PathSeparator())
	if err != nil {
		return nil, fmt.Errorf("invalid canonical exclude: %w", err)
	}

	var chain engine.CanonicalizerChain
	if len(excludes) > 0 || canon.SortLists || canon.DropNulls {
		chain = append(chain, confval.Projection{
			Exclude:   excludes,
			SortLists: canon.SortLists,
			DropNulls: canon.DropNulls,
		})
	}
	if canon.Script != "" {
		script, err := NewStarlarkCanonicalizer(t.Name, canon.Script, DefaultScriptTimeout)
		if err != nil {
			return nil, err
		}
		chain = append(chain, script)
	}

	switch len(chain) {
	case 0:
		return nil, nil
	case 1:
		return chain[0], nil
	default:
		return chain, nil
	}
}

// DefaultConfig returns the defaults with no accounts or technologies.
func DefaultConfig() *WatchConfig {
	return &WatchConfig{
		Datastore: DatastoreConfig{Path: DefaultDatastorePath},
		Defaults: DefaultsConfig{
			PollIntervalMinutes: int(engine.DefaultPollInterval / time.Minute),
			PathSeparator:       confval.DefaultSeparator,
			MaxParallel:         4,
		},
		Telemetry: TelemetrySettings{LogLevel: "info", LogFormat: "console"},
	}
}

// SampleYAML is written by "driftwatch init".
const SampleYAML = `# driftwatch configuration
datastore:
  path: ./data/driftwatch.db

defaults:
  honor_ephemerals: false
  poll_interval_minutes: 15
  path_separator: "$"
  max_parallel: 4

accounts:
  - name: prod
    identifier: "123456789012"
    profile: prod
    regions: [us-east-1, eu-west-1]

technologies:
  - name: securitygroup
    producer: {type: aws}
    honor_ephemerals: true
    ephemeral_paths: ["Tags$LastScanned"]
    canonical:
      sort_lists: true

  - name: iamrole
    producer: {type: aws}
    honor_ephemerals: true
    ephemeral_paths: ["RoleLastUsed"]

  - name: s3
    producer: {type: aws}
    canonical:
      exclude: ["ResponseMetadata"]

  # Snapshots exported by another collector, read over SFTP.
  # - name: firewall
  #   producer:
  #     type: sftp
  #     root: /srv/snapshots
  #     remote: {host: snapshots.internal, user: audit}

policies:
  paths: [./policies]
  watch: false

telemetry:
  log_level: info
  log_format: console
  metrics:
    enabled: false
    listen: ":9090"
`
