package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation. Each schema is a CUE
// definition inside a compiled source.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	sr.registerBuiltInSchemas()
	return sr
}

// builtinDefinitions maps schema names to definitions of builtinSchema.
var builtinDefinitions = map[string]string{
	"watch":      "#WatchConfig",
	"datastore":  "#Datastore",
	"account":    "#Account",
	"technology": "#Technology",
	"producer":   "#Producer",
	"canonical":  "#Canonical",
	"policies":   "#Policies",
	"telemetry":  "#Telemetry",
}

func (sr *SchemaRegistry) registerBuiltInSchemas() {
	for name, def := range builtinDefinitions {
		if err := sr.RegisterSchema(name, builtinSchema, def); err != nil {
			// The built-in source is static; failing here is a programming error.
			panic(err)
		}
	}
}

// RegisterSchema compiles source and registers its definition under name.
func (sr *SchemaRegistry) RegisterSchema(name, source, definition string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definition))
	// Definitions stay abstract until unified with data, so only existence
	// is checked here.
	if !def.Exists() {
		return fmt.Errorf("schema %s: definition %s not found", name, definition)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Context returns the CUE context schemas are compiled in. Values unified
// with a schema must come from the same context.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// Unify unifies val with a named schema and checks the result is concrete.
func (sr *SchemaRegistry) Unify(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	if _, err := sr.Unify(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateTechnology validates a technology against the technology schema.
func (sr *SchemaRegistry) ValidateTechnology(ctx context.Context, tech TechnologyConfig) error {
	return sr.ValidateAgainstSchema(ctx, "technology", tech)
}

// ValidateAccount validates an account against the account schema.
func (sr *SchemaRegistry) ValidateAccount(ctx context.Context, account AccountConfig) error {
	return sr.ValidateAgainstSchema(ctx, "account", account)
}

// builtinSchema describes the watch configuration. Definitions are closed,
// so misspelled fields are reported.
const builtinSchema = `
#Name: string & =~"^[A-Za-z0-9][A-Za-z0-9_.-]*$"

#WatchConfig: {
	datastore:     #Datastore
	defaults?:     #Defaults
	accounts?:     [...#Account]
	technologies:  [#Technology, ...#Technology]
	policies?:     #Policies
	telemetry?:    #Telemetry
}

#Datastore: {
	path:             string & !=""
	busy_timeout_ms?: int & >=0
	max_open_conns?:  int & >=0
}

#Defaults: {
	honor_ephemerals?:      bool
	persist_ephemeral?:     bool
	poll_interval_minutes?: int & >=0
	path_separator?:        string & !=""
	max_parallel?:          int & >=0
}

#Account: {
	name:        #Name
	identifier?: string
	profile?:    string
	role_arn?:   string & =~"^arn:"
	regions?:    [...string]
	active?:     bool
	notes?:      string
}

#Technology: {
	name:                   #Name
	producer:               #Producer
	accounts?:              [...#Name]
	honor_ephemerals?:      bool
	ephemeral_paths?:       [...string]
	persist_ephemeral?:     bool
	poll_interval_minutes?: int & >=0
	canonical?:             #Canonical
	disabled?:              bool
}

#Producer: {
	type:     "aws" | "file" | "sftp" | "wasm"
	kind?:    "securitygroup" | "iamrole" | "s3"
	root?:    string
	module?:  string
	remote?:  #Remote
	options?: {[string]: string}

	if type == "file" {
		root: string & !=""
	}
	if type == "sftp" {
		root:   string & !=""
		remote: #Remote
	}
	if type == "wasm" {
		module: string & !=""
	}
}

#Remote: {
	host:                      string & !=""
	port?:                     int & >=1 & <=65535
	user:                      string & !=""
	auth?:                     "key" | "password" | "agent"
	key_file?:                 string
	password_env?:             string
	known_hosts?:              string
	insecure_ignore_host_key?: bool
	timeout_seconds?:          int & >=0
	proxy_host?:               string
	proxy_user?:               string
}

#Canonical: {
	exclude?:     [...string]
	sort_lists?:  bool
	drop_nulls?:  bool
	script?:      string
	script_file?: string
}

#Policies: {
	disabled?:      bool
	paths?:         [...string]
	watch?:         bool
	skip_builtins?: bool
}

#Telemetry: {
	log_level?:  "trace" | "debug" | "info" | "warn" | "error" | "fatal"
	log_format?: "console" | "json"
	metrics?: {
		enabled?: bool
		listen?:  string
	}
	tracing?: {
		enabled?:       bool
		exporter?:      "otlp" | "stdout" | "none"
		endpoint?:      string
		sampling_rate?: number & >=0 & <=1
	}
}
`
