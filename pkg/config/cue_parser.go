package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Loader reads watch configurations from YAML, JSON and CUE sources. Every
// source is turned into a CUE value; the values are unified with each other
// and with the #WatchConfig schema before decoding.
type Loader struct {
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		schemaRegistry: NewSchemaRegistry(),
		validator:      validator.New(),
	}
}

// Load reads, unifies and validates sources. A directory is loaded as a CUE
// package. The returned error is a ValidationErrors when the sources parse
// but do not describe a valid configuration.
func (l *Loader) Load(ctx context.Context, sources ...string) (*WatchConfig, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no configuration sources provided")
	}

	var (
		merged      cue.Value
		sourceFiles []string
		problems    ValidationErrors
	)

	for _, source := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var (
			val   cue.Value
			files []string
			errs  []ValidationError
		)
		if info.IsDir() {
			val, files, errs = l.loadDirectory(source)
		} else {
			val, errs = l.loadFile(source)
			files = []string{source}
		}
		problems = append(problems, errs...)
		sourceFiles = append(sourceFiles, files...)

		if !val.Exists() {
			continue
		}
		if merged.Exists() {
			merged = merged.Unify(val)
		} else {
			merged = val
		}
	}

	if len(problems) > 0 {
		return nil, problems
	}
	if !merged.Exists() {
		return nil, ValidationErrors{{Message: "configuration is empty", Severity: "error"}}
	}

	cfg, err := l.decode(merged)
	if err != nil {
		return nil, err
	}
	cfg.SourceFiles = sourceFiles
	cfg.LoadedAt = time.Now()

	if err := l.resolveScripts(cfg, sourceFiles); err != nil {
		return nil, err
	}
	if err := l.Validate(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadBytes loads a single in-memory source. format is yaml, json or cue.
func (l *Loader) LoadBytes(ctx context.Context, format string, data []byte) (*WatchConfig, error) {
	val, errs := l.compile("inline."+format, data)
	if len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	cfg, err := l.decode(val)
	if err != nil {
		return nil, err
	}
	cfg.SourceFiles = []string{"inline"}
	cfg.LoadedAt = time.Now()

	if err := l.resolveScripts(cfg, nil); err != nil {
		return nil, err
	}
	if err := l.Validate(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode unifies val with the schema and decodes it.
func (l *Loader) decode(val cue.Value) (*WatchConfig, error) {
	if err := val.Err(); err != nil {
		return nil, ValidationErrors(convertCUEErrors(err))
	}

	unified, err := l.schemaRegistry.Unify("watch", val)
	if err != nil {
		return nil, ValidationErrors(convertCUEErrors(err))
	}

	var cfg WatchConfig
	if err := unified.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return &cfg, nil
}

// loadDirectory loads a directory as a CUE package.
func (l *Loader) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, convertCUEErrors(inst.Err)
	}

	val := l.schemaRegistry.Context().BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.BuildFiles {
		files = append(files, file.Filename)
	}
	return val, files, nil
}

// loadFile loads a single YAML, JSON or CUE file.
func (l *Loader) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}
	return l.compile(path, content)
}

// compile turns source content into a CUE value, choosing the decoder by
// file extension.
func (l *Loader) compile(path string, content []byte) (cue.Value, []ValidationError) {
	cctx := l.schemaRegistry.Context()

	var data interface{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue", ".json":
		// JSON is valid CUE, and compiling it keeps integers integral.
		val := cctx.CompileBytes(content, cue.Filename(path))
		if err := val.Err(); err != nil {
			return cue.Value{}, convertCUEErrors(err)
		}
		return val, nil
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &data); err != nil {
			return cue.Value{}, []ValidationError{yamlError(path, err)}
		}
	default:
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  "unsupported configuration format, expected .yaml, .yml, .json or .cue",
			Severity: "error",
		}}
	}

	if data == nil {
		return cue.Value{}, nil
	}
	val := cctx.Encode(data)
	if err := val.Err(); err != nil {
		return cue.Value{}, []ValidationError{{File: path, Message: err.Error(), Severity: "error"}}
	}
	return val, nil
}

// yamlError extracts the line number yaml.v3 embeds in its messages.
func yamlError(path string, err error) ValidationError {
	ve := ValidationError{File: path, Message: err.Error(), Severity: "error"}
	var line int
	if _, scanErr := fmt.Sscanf(err.Error(), "yaml: line %d:", &line); scanErr == nil {
		ve.Line = line
	}
	return ve
}

// resolveScripts reads canonicalisation scripts referenced by file. Relative
// paths are resolved against the directory of the first source.
func (l *Loader) resolveScripts(cfg *WatchConfig, sourceFiles []string) error {
	base := ""
	if len(sourceFiles) > 0 {
		base = filepath.Dir(sourceFiles[0])
	}

	for i := range cfg.Technologies {
		canon := &cfg.Technologies[i].Canonical
		if canon.ScriptFile == "" {
			continue
		}
		if canon.Script != "" {
			return ValidationErrors{{
				Path:     fmt.Sprintf("technologies[%d].canonical", i),
				Message:  "script and script_file are mutually exclusive",
				Severity: "error",
			}}
		}
		path := canon.ScriptFile
		if !filepath.IsAbs(path) && base != "" {
			path = filepath.Join(base, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return ValidationErrors{{
				Path:     fmt.Sprintf("technologies[%d].canonical.script_file", i),
				Message:  fmt.Sprintf("failed to read script: %v", err),
				Severity: "error",
			}}
		}
		canon.Script = string(data)
		canon.ScriptFile = ""
	}
	return nil
}

// Validate checks struct constraints and cross references of cfg.
func (l *Loader) Validate(ctx context.Context, cfg *WatchConfig) error {
	var problems ValidationErrors

	if err := l.validator.Struct(cfg); err != nil {
		fieldErrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return fmt.Errorf("failed to validate configuration: %w", err)
		}
		for _, fe := range fieldErrs {
			problems = append(problems, ValidationError{
				Path:     fe.Namespace(),
				Message:  fmt.Sprintf("failed on the '%s' rule", fe.Tag()),
				Severity: "error",
			})
		}
	}

	problems = append(problems, l.checkReferences(ctx, cfg)...)
	if len(problems) > 0 {
		return problems
	}
	return nil
}

// checkReferences validates what struct tags cannot express: unique names,
// known accounts, parseable selectors and compilable scripts.
func (l *Loader) checkReferences(ctx context.Context, cfg *WatchConfig) []ValidationError {
	var problems []ValidationError
	add := func(path, format string, args ...interface{}) {
		problems = append(problems, ValidationError{
			Path:     path,
			Message:  fmt.Sprintf(format, args...),
			Severity: "error",
		})
	}

	accounts := make(map[string]bool, len(cfg.Accounts))
	for i, acct := range cfg.Accounts {
		if accounts[acct.Name] {
			add(fmt.Sprintf("accounts[%d].name", i), "duplicate account %q", acct.Name)
		}
		accounts[acct.Name] = true
	}

	techs := make(map[string]bool, len(cfg.Technologies))
	for i, tech := range cfg.Technologies {
		path := fmt.Sprintf("technologies[%d]", i)
		if techs[tech.Name] {
			add(path+".name", "duplicate technology %q", tech.Name)
		}
		techs[tech.Name] = true

		for _, name := range tech.Accounts {
			if !accounts[name] {
				add(path+".accounts", "unknown account %q", name)
			}
		}
		if tech.Producer.Type == "aws" {
			kind := tech.Producer.Kind
			if kind == "" {
				kind = tech.Name
			}
			if !awsKinds[kind] {
				add(path+".producer.kind", "unknown aws resource kind %q", kind)
			}
		}
		if r := tech.Producer.Remote; r != nil && r.Auth == "password" && r.PasswordEnv == "" {
			add(path+".producer.remote.password_env", "password authentication needs password_env")
		}
		if _, err := cfg.EphemeralSelectors(tech); err != nil {
			add(path+".ephemeral_paths", "%v", err)
		}
		if _, err := cfg.Canonicalizer(tech); err != nil {
			add(path+".canonical", "%v", err)
		}
	}

	if len(cfg.ActiveAccounts()) == 0 {
		add("accounts", "no active account configured")
	}
	return problems
}

// awsKinds are the resource kinds the aws producer implements.
var awsKinds = map[string]bool{
	"securitygroup": true,
	"iamrole":       true,
	"s3":            true,
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

// SchemaRegistry returns the schema registry.
func (l *Loader) SchemaRegistry() *SchemaRegistry {
	return l.schemaRegistry
}

// ExportJSON renders cfg as indented JSON.
func ExportJSON(cfg *WatchConfig) ([]byte, error) {
	return json.MarshalIndent(cfg, "", "  ")
}
