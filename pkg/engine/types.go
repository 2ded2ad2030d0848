package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/driftwatch/driftwatch/pkg/confval"
)

// UniversalRegion is the region of resources that are not bound to a region,
// such as IAM roles or the S3 bucket listing.
const UniversalRegion = "universal"

// Location identifies a resource within a snapshot. It is a comparison key,
// not a database key.
type Location struct {
	Technology string `json:"technology"`
	Account    string `json:"account"`
	Region     string `json:"region"`
	Name       string `json:"name"`
}

// String renders the location as technology/account/region/name.
func (l Location) String() string {
	return strings.Join([]string{l.Technology, l.Account, l.Region, l.Name}, "/")
}

// Truncate returns the first depth components of l as a partial location.
// Depth is clamped to [1, 4].
func (l Location) Truncate(depth int) PartialLocation {
	if depth < 1 {
		depth = 1
	}
	if depth > 4 {
		depth = 4
	}
	p := PartialLocation{Technology: l.Technology, Depth: depth}
	if depth >= 2 {
		p.Account = l.Account
	}
	if depth >= 3 {
		p.Region = l.Region
	}
	if depth == 4 {
		p.Name = l.Name
	}
	return p
}

// Less orders locations lexicographically by component.
func (l Location) Less(o Location) bool {
	if l.Technology != o.Technology {
		return l.Technology < o.Technology
	}
	if l.Account != o.Account {
		return l.Account < o.Account
	}
	if l.Region != o.Region {
		return l.Region < o.Region
	}
	return l.Name < o.Name
}

// PartialLocation is a prefix of a Location of length 1 to 4. It is comparable
// and used as the key of the exception map.
type PartialLocation struct {
	Technology string `json:"technology"`
	Account    string `json:"account,omitempty"`
	Region     string `json:"region,omitempty"`
	Name       string `json:"name,omitempty"`
	Depth      int    `json:"depth"`
}

// TechnologyScope covers every resource of a technology.
func TechnologyScope(technology string) PartialLocation {
	return PartialLocation{Technology: technology, Depth: 1}
}

// AccountScope covers every resource of a technology in one account.
func AccountScope(technology, account string) PartialLocation {
	return PartialLocation{Technology: technology, Account: account, Depth: 2}
}

// RegionScope covers every resource of a technology in one account and region.
func RegionScope(technology, account, region string) PartialLocation {
	return PartialLocation{Technology: technology, Account: account, Region: region, Depth: 3}
}

// ItemScope covers exactly one resource.
func ItemScope(loc Location) PartialLocation {
	return loc.Truncate(4)
}

// Valid reports whether the depth is within range and every component up to
// the depth is set.
func (p PartialLocation) Valid() bool {
	if p.Depth < 1 || p.Depth > 4 {
		return false
	}
	parts := p.parts()
	for i := 0; i < p.Depth; i++ {
		if parts[i] == "" {
			return false
		}
	}
	return true
}

// Scope names the depth of the partial location.
func (p PartialLocation) Scope() string {
	switch p.Depth {
	case 1:
		return "technology"
	case 2:
		return "account"
	case 3:
		return "region"
	case 4:
		return "item"
	}
	return "unknown"
}

// String renders the populated components joined by '/'.
func (p PartialLocation) String() string {
	parts := p.parts()
	n := p.Depth
	if n < 1 || n > 4 {
		n = 4
	}
	return strings.Join(parts[:n], "/")
}

func (p PartialLocation) parts() [4]string {
	return [4]string{p.Technology, p.Account, p.Region, p.Name}
}

// ResourceItem is one resource observed at one point in time.
type ResourceItem struct {
	Technology  string        `json:"technology"`
	Account     string        `json:"account"`
	Region      string        `json:"region"`
	Name        string        `json:"name"`
	Config      confval.Value `json:"config"`
	Active      bool          `json:"active"`
	AuditIssues []AuditIssue  `json:"audit_issues,omitempty"`
}

// Location returns the comparison key of the item.
func (i ResourceItem) Location() Location {
	return Location{Technology: i.Technology, Account: i.Account, Region: i.Region, Name: i.Name}
}

// AuditIssue is a finding raised by an auditor against an item.
type AuditIssue struct {
	ID            int64      `json:"id,omitempty"`
	Policy        string     `json:"policy"`
	Issue         string     `json:"issue"`
	Notes         string     `json:"notes,omitempty"`
	Score         int        `json:"score"`
	Justified     bool       `json:"justified"`
	JustifiedBy   string     `json:"justified_by,omitempty"`
	Justification string     `json:"justification,omitempty"`
	JustifiedAt   *time.Time `json:"justified_at,omitempty"`
	Fixed         bool       `json:"fixed,omitempty"`
}

// Key identifies the issue across revisions of the same item.
func (a AuditIssue) Key() string {
	return a.Policy + "\x00" + a.Issue + "\x00" + a.Notes
}

// IgnoreRule excludes resources of a technology whose name starts with Prefix
// (case-insensitive). An empty prefix matches every resource.
type IgnoreRule struct {
	ID         int64  `json:"id,omitempty"`
	Technology string `json:"technology"`
	Prefix     string `json:"prefix"`
	Notes      string `json:"notes,omitempty"`
}

// ExceptionEntry is a fetch failure recorded for a partial location.
type ExceptionEntry struct {
	Location PartialLocation `json:"location"`
	Message  string          `json:"message"`
	Class    ErrorClass      `json:"class"`
	Err      error           `json:"-"`
}

// FetchResult is the outcome of fetching one account and region.
type FetchResult struct {
	Items []ResourceItem `json:"items"`

	// Failures lists resources that could not be read completely. Their
	// locations are suppressed for deletion and modification detection.
	Failures []FetchFailure `json:"failures,omitempty"`
}

// FetchFailure records a failure scoped to a partial location.
type FetchFailure struct {
	Location PartialLocation
	Err      error
}

// FetchError lets a producer attach the most specific known location to a
// failed fetch.
type FetchError struct {
	Location PartialLocation
	Err      error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s failed: %v", e.Location, e.Err)
}

// Unwrap returns the underlying error.
func (e *FetchError) Unwrap() error { return e.Err }

// PersistRequest is a single item write produced by a cycle.
type PersistRequest struct {
	Technology  string
	Account     string
	Region      string
	Name        string
	Active      bool
	Config      confval.Value
	AuditIssues []AuditIssue
}

// Location returns the location the request writes to.
func (r PersistRequest) Location() Location {
	return Location{Technology: r.Technology, Account: r.Account, Region: r.Region, Name: r.Name}
}
