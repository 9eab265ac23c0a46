package harness

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scenario defines a replication scenario: a set of centers, the peers
// each of them knows, the steps to run and the assertions to check at the
// end.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	Centers []CenterSpec `yaml:"centers"`

	// Links register peers. A link from A to B lets A import from B and
	// lets A answer B's imports.
	Links []Link `yaml:"links"`

	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	// Supported types: trace_contains, trace_order, trace_count, value,
	// changes, sync_records, center_id
	Assertions []Assertion `yaml:"assertions"`
}

// CenterSpec declares one installation.
type CenterSpec struct {
	Name string `yaml:"name"`
	ID   int    `yaml:"id"`

	// MaxTries overrides the export retry budget.
	MaxTries int `yaml:"max_tries,omitempty"`
}

// Link registers To as a peer of From.
type Link struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`

	// ID is the global ID From believes To has. Defaults to To's real ID.
	ID *int `yaml:"id,omitempty"`

	// Unclaimed leaves the ID unknown until the first import.
	Unclaimed bool `yaml:"unclaimed,omitempty"`
}

// Step is one action at one center.
type Step struct {
	// Do is one of create, title, remove, purge, import, advance.
	Do string `yaml:"do"`

	Center string `yaml:"center,omitempty"`

	// Doc is a document reference "ORIGIN/N": the Nth document created at
	// center ORIGIN (create, title, remove).
	Doc string `yaml:"doc,omitempty"`

	// Value is the stored value (create, title).
	Value string `yaml:"value,omitempty"`

	// Peer is the center imported from (import).
	Peer string `yaml:"peer,omitempty"`

	// Ms is how far the clock moves (advance).
	Ms int64 `yaml:"ms,omitempty"`

	// Expect checks the outcome of an import. Without it any successful
	// import passes.
	Expect *SyncExpect `yaml:"expect,omitempty"`
}

// Step actions.
const (
	DoCreate  = "create"
	DoTitle   = "title"
	DoRemove  = "remove"
	DoPurge   = "purge"
	DoImport  = "import"
	DoAdvance = "advance"
)

// SyncExpect is the expected outcome of an import. Unset counters are not
// checked.
type SyncExpect struct {
	Received *int  `yaml:"received,omitempty"`
	Imported *int  `yaml:"imported,omitempty"`
	Applied  *int  `yaml:"applied,omitempty"`
	Degraded *int  `yaml:"degraded,omitempty"`
	Snapshot *bool `yaml:"snapshot,omitempty"`

	// Code is the expected error code; empty expects success.
	Code string `yaml:"code,omitempty"`
}

// Assertion validates the trace or the final state of a center.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an event with Action appears, Detail matching
	// - "trace_order": Actions appear in order
	// - "trace_count": Action appears exactly Count times
	// - "value": the value of Field of Doc at Center
	// - "changes": Center holds Count changes
	// - "sync_records": Center holds Count records for Peer, the last with Status
	// - "center_id": Center knows Peer under ID
	Type string `yaml:"type"`

	// Action is "CENTER.op" (trace_contains, trace_count).
	Action string `yaml:"action,omitempty"`

	// Detail must be contained in the event detail (trace_contains).
	Detail string `yaml:"detail,omitempty"`

	// Actions is the expected order (trace_order).
	Actions []string `yaml:"actions,omitempty"`

	Center string `yaml:"center,omitempty"`
	Peer   string `yaml:"peer,omitempty"`
	Doc    string `yaml:"doc,omitempty"`

	// Field is "exists" (default) or "title" (value).
	Field string `yaml:"field,omitempty"`

	// Value is the expected value (value).
	Value string `yaml:"value,omitempty"`

	// Absent expects no value at all (value).
	Absent bool `yaml:"absent,omitempty"`

	// Count is an expected number (trace_count, changes, sync_records).
	Count int `yaml:"count,omitempty"`

	// Direction limits sync_records to "import" or "export" records.
	Direction string `yaml:"direction,omitempty"`

	// Status of the latest record: ok, failed or pending (sync_records).
	Status string `yaml:"status,omitempty"`

	// ID is the expected global ID (center_id).
	ID int `yaml:"id,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertValue         = "value"
	AssertChanges       = "changes"
	AssertSyncRecords   = "sync_records"
	AssertCenterID      = "center_id"
)

// Document fields a value assertion can read.
const (
	FieldExists = "exists"
	FieldTitle  = "title"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict decoding catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// parseDoc splits "ORIGIN/N".
func parseDoc(ref string) (string, int64, error) {
	origin, n, ok := strings.Cut(ref, "/")
	if !ok || origin == "" {
		return "", 0, fmt.Errorf("document %q: want ORIGIN/N", ref)
	}
	seq, err := strconv.ParseInt(n, 10, 64)
	if err != nil || seq < 1 {
		return "", 0, fmt.Errorf("document %q: N must be a positive number", ref)
	}
	return origin, seq, nil
}

// validateScenario checks that required fields are present and that every
// reference resolves.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Centers) == 0 {
		return fmt.Errorf("centers list is required and must be non-empty")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	names := make(map[string]bool, len(s.Centers))
	ids := make(map[int]bool, len(s.Centers))
	for i, c := range s.Centers {
		switch {
		case c.Name == "":
			return fmt.Errorf("centers[%d]: name is required", i)
		case c.Name == clockCenter:
			return fmt.Errorf("centers[%d]: %q is reserved", i, clockCenter)
		case names[c.Name]:
			return fmt.Errorf("centers[%d]: duplicate name %q", i, c.Name)
		case c.ID < 0:
			return fmt.Errorf("centers[%d]: id must not be negative", i)
		case ids[c.ID]:
			return fmt.Errorf("centers[%d]: duplicate id %d", i, c.ID)
		case c.MaxTries < 0:
			return fmt.Errorf("centers[%d]: max_tries must not be negative", i)
		}
		names[c.Name] = true
		ids[c.ID] = true
	}

	known := make(map[[2]string]bool, len(s.Links))
	for i, l := range s.Links {
		if !names[l.From] || !names[l.To] {
			return fmt.Errorf("links[%d]: unknown center in %s -> %s", i, l.From, l.To)
		}
		if l.From == l.To {
			return fmt.Errorf("links[%d]: %s cannot link to itself", i, l.From)
		}
		if l.ID != nil && l.Unclaimed {
			return fmt.Errorf("links[%d]: id and unclaimed are exclusive", i)
		}
		pair := [2]string{l.From, l.To}
		if known[pair] {
			return fmt.Errorf("links[%d]: duplicate link %s -> %s", i, l.From, l.To)
		}
		known[pair] = true
	}

	for i, step := range s.Steps {
		if err := validateStep(step, names, known); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, names, known); err != nil {
			return err
		}
	}

	return nil
}

func validateStep(step Step, names map[string]bool, known map[[2]string]bool) error {
	if step.Do == "" {
		return fmt.Errorf("do is required")
	}
	if step.Do == DoAdvance {
		if step.Ms <= 0 {
			return fmt.Errorf("advance needs a positive ms")
		}
		return nil
	}
	if !names[step.Center] {
		return fmt.Errorf("%s: unknown center %q", step.Do, step.Center)
	}
	if step.Expect != nil && step.Do != DoImport {
		return fmt.Errorf("%s: expect is only valid on import", step.Do)
	}

	switch step.Do {
	case DoCreate, DoTitle, DoRemove:
		origin, _, err := parseDoc(step.Doc)
		if err != nil {
			return fmt.Errorf("%s: %w", step.Do, err)
		}
		if !names[origin] {
			return fmt.Errorf("%s: unknown origin center %q", step.Do, origin)
		}
		if step.Do != DoRemove && step.Value == "" {
			return fmt.Errorf("%s: value is required", step.Do)
		}
	case DoPurge:
	case DoImport:
		if !known[[2]string{step.Center, step.Peer}] {
			return fmt.Errorf("import: %s has no link to %q", step.Center, step.Peer)
		}
	default:
		return fmt.Errorf("unknown action %q", step.Do)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, names map[string]bool, known map[[2]string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	needCenter := func() error {
		if !names[a.Center] {
			return fmt.Errorf("assertions[%d]: unknown center %q for %s", index, a.Center, a.Type)
		}
		return nil
	}
	needPeer := func() error {
		if err := needCenter(); err != nil {
			return err
		}
		if !known[[2]string{a.Center, a.Peer}] {
			return fmt.Errorf("assertions[%d]: %s has no link to %q", index, a.Center, a.Peer)
		}
		return nil
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
	case AssertValue:
		if err := needCenter(); err != nil {
			return err
		}
		if _, _, err := parseDoc(a.Doc); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
		if a.Field != "" && a.Field != FieldExists && a.Field != FieldTitle {
			return fmt.Errorf("assertions[%d]: unknown field %q", index, a.Field)
		}
		if a.Absent == (a.Value != "") {
			return fmt.Errorf("assertions[%d]: value needs exactly one of value and absent", index)
		}
	case AssertChanges:
		return needCenter()
	case AssertSyncRecords:
		if err := needPeer(); err != nil {
			return err
		}
		switch a.Direction {
		case "", "import", "export":
		default:
			return fmt.Errorf("assertions[%d]: direction must be import or export", index)
		}
		switch a.Status {
		case "", "ok", "failed", "pending":
		default:
			return fmt.Errorf("assertions[%d]: status must be ok, failed or pending", index)
		}
	case AssertCenterID:
		return needPeer()
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
