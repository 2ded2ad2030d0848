package config

import (
	"fmt"
	"time"
)

// WatchConfig is the complete driftwatch configuration.
type WatchConfig struct {
	// Datastore configures the SQLite item history.
	Datastore DatastoreConfig `json:"datastore" yaml:"datastore"`

	// Defaults apply to every technology that does not override them.
	Defaults DefaultsConfig `json:"defaults" yaml:"defaults"`

	// Accounts lists the cloud accounts known to driftwatch.
	Accounts []AccountConfig `json:"accounts" yaml:"accounts" validate:"dive"`

	// Technologies lists the resource kinds to watch.
	Technologies []TechnologyConfig `json:"technologies" yaml:"technologies" validate:"required,min=1,dive"`

	// Policies configures the auditor.
	Policies PolicyConfig `json:"policies" yaml:"policies"`

	// Telemetry configures logs, metrics and traces.
	Telemetry TelemetrySettings `json:"telemetry" yaml:"telemetry"`

	// SourceFiles are the files the configuration was loaded from.
	SourceFiles []string `json:"-" yaml:"-"`

	// LoadedAt is when the configuration was loaded.
	LoadedAt time.Time `json:"-" yaml:"-"`
}

// DatastoreConfig configures the SQLite datastore.
type DatastoreConfig struct {
	// Path is the database file, or ":memory:".
	Path string `json:"path" yaml:"path" validate:"required"`

	// BusyTimeoutMS is how long a writer waits for a lock.
	BusyTimeoutMS int `json:"busy_timeout_ms,omitempty" yaml:"busy_timeout_ms,omitempty" validate:"gte=0"`

	// MaxOpenConns bounds the connection pool.
	MaxOpenConns int `json:"max_open_conns,omitempty" yaml:"max_open_conns,omitempty" validate:"gte=0"`
}

// DefaultsConfig holds settings inherited by technologies.
type DefaultsConfig struct {
	HonorEphemerals     bool   `json:"honor_ephemerals" yaml:"honor_ephemerals"`
	PersistEphemeral    *bool  `json:"persist_ephemeral,omitempty" yaml:"persist_ephemeral,omitempty"`
	PollIntervalMinutes int    `json:"poll_interval_minutes,omitempty" yaml:"poll_interval_minutes,omitempty" validate:"gte=0"`
	PathSeparator       string `json:"path_separator,omitempty" yaml:"path_separator,omitempty"`

	// MaxParallel bounds the number of cycles running at once.
	MaxParallel int `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty" validate:"gte=0"`
}

// AccountConfig describes one cloud account.
type AccountConfig struct {
	// Name is the short name used in locations, e.g. "prod".
	Name string `json:"name" yaml:"name" validate:"required,excludesall=/ "`

	// Identifier is the provider account number.
	Identifier string `json:"identifier,omitempty" yaml:"identifier,omitempty"`

	// Profile is the shared-config profile used for credentials.
	Profile string `json:"profile,omitempty" yaml:"profile,omitempty"`

	// RoleARN is assumed through STS when set.
	RoleARN string `json:"role_arn,omitempty" yaml:"role_arn,omitempty" validate:"omitempty,startswith=arn:"`

	// Regions restricts regional technologies. Empty means every enabled
	// region of the account.
	Regions []string `json:"regions,omitempty" yaml:"regions,omitempty"`

	// Active defaults to true.
	Active *bool `json:"active,omitempty" yaml:"active,omitempty"`

	Notes string `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// IsActive reports whether the account is watched.
func (a AccountConfig) IsActive() bool {
	return a.Active == nil || *a.Active
}

// TechnologyConfig describes one watched technology.
type TechnologyConfig struct {
	// Name is the technology identifier, e.g. "securitygroup".
	Name string `json:"name" yaml:"name" validate:"required,excludesall=/ "`

	Producer ProducerConfig `json:"producer" yaml:"producer"`

	// Accounts restricts the technology to some accounts. Empty means every
	// active account.
	Accounts []string `json:"accounts,omitempty" yaml:"accounts,omitempty"`

	// HonorEphemerals overrides the default.
	HonorEphemerals *bool `json:"honor_ephemerals,omitempty" yaml:"honor_ephemerals,omitempty"`

	// EphemeralPaths select fields whose changes are not security relevant.
	EphemeralPaths []string `json:"ephemeral_paths,omitempty" yaml:"ephemeral_paths,omitempty"`

	// PersistEphemeral overrides the default.
	PersistEphemeral *bool `json:"persist_ephemeral,omitempty" yaml:"persist_ephemeral,omitempty"`

	PollIntervalMinutes int `json:"poll_interval_minutes,omitempty" yaml:"poll_interval_minutes,omitempty" validate:"gte=0"`

	Canonical CanonicalConfig `json:"canonical,omitempty" yaml:"canonical,omitempty"`

	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// ProducerConfig selects and configures a snapshot producer.
type ProducerConfig struct {
	// Type is aws, file, sftp or wasm.
	Type string `json:"type" yaml:"type" validate:"required,oneof=aws file sftp wasm"`

	// Kind selects the AWS resource kind. Defaults to the technology name.
	Kind string `json:"kind,omitempty" yaml:"kind,omitempty" validate:"omitempty,oneof=securitygroup iamrole s3"`

	// Root is the snapshot directory of the file and sftp producers.
	Root string `json:"root,omitempty" yaml:"root,omitempty" validate:"required_if=Type file,required_if=Type sftp"`

	// Remote is the snapshot host of the sftp producer.
	Remote *RemoteConfig `json:"remote,omitempty" yaml:"remote,omitempty" validate:"required_if=Type sftp"`

	// Module is the plugin path of the wasm producer.
	Module string `json:"module,omitempty" yaml:"module,omitempty" validate:"required_if=Type wasm"`

	// Options are passed to the producer as-is.
	Options map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

// RemoteConfig is an SSH endpoint serving a snapshot tree over SFTP.
type RemoteConfig struct {
	Host string `json:"host" yaml:"host" validate:"required,hostname_rfc1123|ip"`
	Port int    `json:"port,omitempty" yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	User string `json:"user" yaml:"user" validate:"required"`

	// Auth is key, password or agent. Defaults to key.
	Auth    string `json:"auth,omitempty" yaml:"auth,omitempty" validate:"omitempty,oneof=key password agent"`
	KeyFile string `json:"key_file,omitempty" yaml:"key_file,omitempty"`

	// PasswordEnv names the environment variable holding the password.
	PasswordEnv string `json:"password_env,omitempty" yaml:"password_env,omitempty"`

	// KnownHosts defaults to ~/.ssh/known_hosts.
	KnownHosts            string `json:"known_hosts,omitempty" yaml:"known_hosts,omitempty"`
	InsecureIgnoreHostKey bool   `json:"insecure_ignore_host_key,omitempty" yaml:"insecure_ignore_host_key,omitempty"`

	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty" validate:"gte=0"`

	// ProxyHost is an optional jump host reached with the same credentials.
	ProxyHost string `json:"proxy_host,omitempty" yaml:"proxy_host,omitempty"`
	ProxyUser string `json:"proxy_user,omitempty" yaml:"proxy_user,omitempty"`
}

// CanonicalConfig controls how configs are projected before comparison.
type CanonicalConfig struct {
	Exclude   []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	SortLists bool     `json:"sort_lists,omitempty" yaml:"sort_lists,omitempty"`
	DropNulls bool     `json:"drop_nulls,omitempty" yaml:"drop_nulls,omitempty"`

	// Script is Starlark source defining canonicalize(config).
	Script string `json:"script,omitempty" yaml:"script,omitempty"`

	// ScriptFile is read into Script when set.
	ScriptFile string `json:"script_file,omitempty" yaml:"script_file,omitempty"`
}

// PolicyConfig configures the policy auditor.
type PolicyConfig struct {
	// Disabled turns the auditor off.
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`

	// Paths lists Rego files or directories.
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty"`

	// Watch reloads policies when files under Paths change.
	Watch bool `json:"watch,omitempty" yaml:"watch,omitempty"`

	// SkipBuiltins leaves the built-in policies out.
	SkipBuiltins bool `json:"skip_builtins,omitempty" yaml:"skip_builtins,omitempty"`
}

// TelemetrySettings is the user-facing subset of the telemetry
// configuration.
type TelemetrySettings struct {
	LogLevel  string `json:"log_level,omitempty" yaml:"log_level,omitempty" validate:"omitempty,oneof=trace debug info warn error fatal"`
	LogFormat string `json:"log_format,omitempty" yaml:"log_format,omitempty" validate:"omitempty,oneof=console json"`

	Metrics struct {
		Enabled bool   `json:"enabled" yaml:"enabled"`
		Listen  string `json:"listen,omitempty" yaml:"listen,omitempty"`
	} `json:"metrics" yaml:"metrics"`

	Tracing struct {
		Enabled      bool    `json:"enabled" yaml:"enabled"`
		Exporter     string  `json:"exporter,omitempty" yaml:"exporter,omitempty" validate:"omitempty,oneof=otlp stdout none"`
		Endpoint     string  `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
		SamplingRate float64 `json:"sampling_rate,omitempty" yaml:"sampling_rate,omitempty" validate:"gte=0,lte=1"`
	} `json:"tracing" yaml:"tracing"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path of the error (e.g., "technologies[0].producer").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

// ValidationErrors collects every problem found in a configuration.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}
	if len(ve) == 1 {
		return ve[0].String()
	}
	return fmt.Sprintf("%s (and %d more)", ve[0].String(), len(ve)-1)
}

// String formats the error with its position.
func (e ValidationError) String() string {
	prefix := ""
	switch {
	case e.File != "" && e.Line > 0:
		prefix = fmt.Sprintf("%s:%d:%d: ", e.File, e.Line, e.Column)
	case e.File != "":
		prefix = e.File + ": "
	}
	if e.Path != "" {
		prefix += e.Path + ": "
	}
	return prefix + e.Message
}

// StarlarkResult represents the result of Starlark execution.
type StarlarkResult struct {
	// Output is the output data from Starlark.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error is any error that occurred.
	Error string `json:"error,omitempty"`
}
