// Package file implements a snapshot producer that reads resource configs
// from a directory tree:
//
//	<root>/<technology>/<account>/<region>.yaml
//
// Each file holds either a list of {name, config} entries or a document with
// items, failures and an optional error that fails the whole fetch:
//
//	items:
//	  - name: sg-1
//	    config: {GroupName: web}
//	failures:
//	  - name: sg-2
//	    message: describe failed
//	error: {code: Throttling, message: rate exceeded, times: 2}
//
// Regions are the file names without extension. JSON files are accepted
// with the same layout. The tree is read through an fs.FS, so a local
// directory and a remote SFTP root behave the same.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/driftwatch/driftwatch/pkg/confval"
	"github.com/driftwatch/driftwatch/pkg/engine"
	"github.com/driftwatch/driftwatch/pkg/producers/envelope"
)

var extensions = []string{".yaml", ".yml", ".json"}

// Entry is one resource in a snapshot file.
type Entry struct {
	Name   string        `yaml:"name"`
	Config confval.Value `yaml:"config"`

	// invalid is set when the config could not be decoded. It fails only
	// this resource.
	invalid error
}

// UnmarshalYAML decodes the entry, keeping a config decode error on the
// entry instead of failing the whole document.
func (e *Entry) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Name   string    `yaml:"name"`
		Config yaml.Node `yaml:"config"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	e.Name = raw.Name
	if raw.Config.Kind == 0 {
		e.Config = confval.Null()
		return nil
	}
	if err := raw.Config.Decode(&e.Config); err != nil {
		e.invalid = err
	}
	return nil
}

// Failure is a resource that could not be read.
type Failure struct {
	Name    string `yaml:"name"`
	Message string `yaml:"message"`
}

// Snapshot is the document form of a snapshot file.
type Snapshot struct {
	Items    []Entry         `yaml:"items"`
	Failures []Failure       `yaml:"failures,omitempty"`
	Error    *envelope.Error `yaml:"error,omitempty"`
}

// Producer reads snapshots for one technology.
type Producer struct {
	technology string
	fsys       fs.FS
	logger     zerolog.Logger

	mu    sync.Mutex
	calls map[string]int
}

// New creates a file producer rooted at root.
func New(technology, root string, logger zerolog.Logger) (*Producer, error) {
	if root == "" {
		return nil, fmt.Errorf("file producer %s: root is required", technology)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("file producer %s: %w", technology, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("file producer %s: %s is not a directory", technology, root)
	}
	return NewFS(technology, os.DirFS(root), logger), nil
}

// NewFS creates a file producer reading from fsys.
func NewFS(technology string, fsys fs.FS, logger zerolog.Logger) *Producer {
	return &Producer{
		technology: technology,
		fsys:       fsys,
		logger:     logger.With().Str("component", "file-producer").Str("technology", technology).Logger(),
		calls:      make(map[string]int),
	}
}

// Technology returns the technology identifier.
func (p *Producer) Technology() string { return p.technology }

func (p *Producer) accountDir(account string) string {
	return path.Join(p.technology, account)
}

// Regions lists the snapshot files of an account. A missing account
// directory means the account has no resources.
func (p *Producer) Regions(ctx context.Context, account string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := fs.ReadDir(p.fsys, p.accountDir(account))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &engine.FetchError{
			Location: engine.AccountScope(p.technology, account),
			Err:      engine.NewTransientError("failed to list regions", err).WithCode(engine.ErrCodeFetchFailed),
		}
	}

	seen := make(map[string]bool)
	var regions []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := path.Ext(e.Name())
		if !isSnapshot(ext) {
			continue
		}
		region := strings.TrimSuffix(e.Name(), ext)
		if !seen[region] {
			seen[region] = true
			regions = append(regions, region)
		}
	}
	sort.Strings(regions)
	return regions, nil
}

func isSnapshot(ext string) bool {
	for _, e := range extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Fetch reads the snapshot of one account and region.
func (p *Producer) Fetch(ctx context.Context, account, region string) (*engine.FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	scope := engine.RegionScope(p.technology, account, region)

	name, err := p.find(account, region)
	if err != nil {
		return nil, &engine.FetchError{
			Location: scope,
			Err:      engine.NewTransientError("snapshot not found", err).WithCode(engine.ErrCodeFetchFailed),
		}
	}

	data, err := fs.ReadFile(p.fsys, name)
	if err != nil {
		return nil, &engine.FetchError{
			Location: scope,
			Err:      engine.NewTransientError("failed to read snapshot", err).WithCode(engine.ErrCodeFetchFailed),
		}
	}

	snap, err := Parse(data)
	if err != nil {
		return nil, &engine.FetchError{
			Location: scope,
			Err: engine.NewPermanentError(fmt.Sprintf("invalid snapshot %s", name), err).
				WithCode(engine.ErrCodeMalformedInput),
		}
	}

	if snap.Error != nil && p.shouldFail(name, snap.Error.Times) {
		p.logger.Debug().Str("path", name).Str("code", snap.Error.Code).Msg("Simulating fetch failure")
		return nil, snap.Error.Err("Fetch", scope)
	}

	res := &engine.FetchResult{Items: make([]engine.ResourceItem, 0, len(snap.Items))}
	for _, e := range snap.Items {
		if e.invalid != nil {
			loc := engine.ItemScope(engine.Location{
				Technology: p.technology,
				Account:    account,
				Region:     region,
				Name:       e.Name,
			})
			res.Failures = append(res.Failures, engine.FetchFailure{
				Location: loc,
				Err: engine.NewPermanentError("invalid config", e.invalid).
					WithCode(engine.ErrCodeMalformedInput).WithLocation(loc),
			})
			continue
		}
		res.Items = append(res.Items, engine.ResourceItem{
			Technology: p.technology,
			Account:    account,
			Region:     region,
			Name:       e.Name,
			Config:     e.Config,
		})
	}
	for _, f := range snap.Failures {
		loc := engine.ItemScope(engine.Location{
			Technology: p.technology,
			Account:    account,
			Region:     region,
			Name:       f.Name,
		})
		res.Failures = append(res.Failures, engine.FetchFailure{
			Location: loc,
			Err:      engine.NewTransientError(f.Message, nil).WithCode(engine.ErrCodeFetchFailed).WithLocation(loc),
		})
	}
	return res, nil
}

// shouldFail counts fetches of name and reports whether this one fails.
func (p *Producer) shouldFail(name string, times int) bool {
	if times <= 0 {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[name]++
	return p.calls[name] <= times
}

func (p *Producer) find(account, region string) (string, error) {
	for _, ext := range extensions {
		name := path.Join(p.accountDir(account), region+ext)
		if _, err := fs.Stat(p.fsys, name); err == nil {
			return name, nil
		}
	}
	return "", fmt.Errorf("no snapshot for %s/%s/%s", p.technology, account, region)
}

// Parse decodes a snapshot file. JSON is decoded as YAML.
func Parse(data []byte) (*Snapshot, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	if len(root.Content) == 0 {
		return &Snapshot{}, nil
	}

	doc := root.Content[0]
	var snap Snapshot
	switch doc.Kind {
	case yaml.SequenceNode:
		if err := doc.Decode(&snap.Items); err != nil {
			return nil, err
		}
	case yaml.MappingNode:
		if err := doc.Decode(&snap); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("line %d: expected a list or a mapping", doc.Line)
	}

	for i, e := range snap.Items {
		if e.Name == "" {
			return nil, fmt.Errorf("item %d has no name", i)
		}
	}
	if snap.Error != nil && snap.Error.Code == "" {
		return nil, fmt.Errorf("error document has no code")
	}
	return &snap, nil
}
