// Package domain defines the core reference-data records, change-method and
// job-state enumerations, and the error taxonomy used by refcore.
package domain

import "time"

// Method identifies the kind of mutation a change record describes.
type Method string

// Change methods recorded in the history ledger.
const (
	// MethodCreate records the creation of an OTU.
	MethodCreate Method = "create"
	// MethodEdit records an edit to an OTU's top-level fields or schema.
	MethodEdit Method = "edit"
	// MethodRemove records the removal of an OTU and its sequences.
	MethodRemove         Method = "remove"
	MethodAddIsolate     Method = "add_isolate"
	MethodEditIsolate    Method = "edit_isolate"
	MethodSetAsDefault   Method = "set_as_default"
	MethodRemoveIsolate  Method = "remove_isolate"
	MethodCreateSequence Method = "create_sequence"
	MethodEditSequence   Method = "edit_sequence"
	MethodRemoveSequence Method = "remove_sequence"
	// MethodImport records a bulk reference import; such changes carry
	// generated ids instead of the otu_version key.
	MethodImport Method = "import"
	MethodClone  Method = "clone"
	MethodRemote Method = "remote"
)

// JobState identifies a job lifecycle state.
type JobState string

// Job lifecycle states. Waiting and running are cancellable; the rest are
// terminal and removable.
const (
	StateWaiting   JobState = "waiting"
	StateRunning   JobState = "running"
	StateComplete  JobState = "complete"
	StateError     JobState = "error"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether the state permits job removal.
func (s JobState) Terminal() bool {
	switch s {
	case StateComplete, StateError, StateCancelled:
		return true
	}
	return false
}

// Cancellable reports whether a job in this state may still be cancelled.
func (s JobState) Cancellable() bool {
	return s == StateWaiting || s == StateRunning
}

// UnbuiltSentinel is the value stored in a change record's index.id and
// index.version fields until the change is folded into an index build.
const UnbuiltSentinel = "unbuilt"

// Segment describes one named segment of an OTU schema.
type Segment struct {
	Name     string `json:"name"`
	Molecule string `json:"molecule"`
	Required bool   `json:"required"`
}

// Isolate is a named variant grouping of sequences embedded in an OTU.
type Isolate struct {
	ID         string `json:"id"`
	SourceType string `json:"source_type"`
	SourceName string `json:"source_name"`
	Default    bool   `json:"default"`
}

// OTU is the versioned reference-data aggregate. Exactly one isolate carries
// the default flag whenever isolates is non-empty, and version is strictly
// increasing and never reused.
type OTU struct {
	ID                 string    `json:"_id"`
	Name               string    `json:"name"`
	LowerName          string    `json:"lower_name"`
	Abbreviation       string    `json:"abbreviation"`
	Schema             []Segment `json:"schema"`
	Isolates           []Isolate `json:"isolates"`
	Version            int       `json:"version"`
	LastIndexedVersion *int      `json:"last_indexed_version"`
	Verified           bool      `json:"verified"`
	Reference          RefID     `json:"reference"`
}

// RefID is an embedded owner reference.
type RefID struct {
	ID string `json:"id"`
}

// Sequence holds raw biological sequence data owned by (otu id, isolate id).
type Sequence struct {
	ID         string `json:"_id"`
	OTUID      string `json:"otu_id"`
	IsolateID  string `json:"isolate_id"`
	Definition string `json:"definition"`
	Host       string `json:"host"`
	Segment    string `json:"segment,omitempty"`
	Sequence   string `json:"sequence"`
}

// ChangeIndex is the index provenance of a change record: the unbuilt
// sentinel in both fields, or the id and version of the build that folded
// the change in.
type ChangeIndex struct {
	ID      any `json:"id"`
	Version any `json:"version"`
}

// StatusEntry is one append-only entry in a job's status list.
type StatusEntry struct {
	State     JobState  `json:"state"`
	Stage     string    `json:"stage"`
	Progress  float64   `json:"progress"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
