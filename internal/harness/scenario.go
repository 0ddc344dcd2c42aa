package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/rowsync/internal/compiler"
	"github.com/roach88/rowsync/internal/model"
)

// ServerPeer is the reserved peer name of the server in steps and assertions.
const ServerPeer = "server"

// Scenario defines a multi-peer sync scenario: one server, any number of
// clients, a sequence of local writes and sessions, and assertions on the
// sessions and the final tables.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Scope is the scope definition shared by all peers. Either Scope or
	// ScopeDir is required.
	Scope *compiler.YAMLScope `yaml:"scope,omitempty"`

	// ScopeDir is a directory of .cue/.yaml scope files, relative to the
	// scenario file. ScopeName picks the scope when it declares several.
	ScopeDir  string `yaml:"scope_dir,omitempty"`
	ScopeName string `yaml:"scope_name,omitempty"`

	// Server configures the server peer.
	Server PeerConfig `yaml:"server,omitempty"`

	// Clients lists the client peers by name.
	Clients []ClientConfig `yaml:"clients"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions,omitempty"`

	// baseDir resolves ScopeDir.
	baseDir string
}

// PeerConfig holds the engine settings of one peer.
type PeerConfig struct {
	ConflictPolicy string `yaml:"conflict_policy,omitempty"`
	ErrorPolicy    string `yaml:"error_policy,omitempty"`

	// CleanupEvery is the number of sessions between metadata cleanups.
	// Zero keeps cleanup off so scenarios stay explicit.
	CleanupEvery int `yaml:"cleanup_every,omitempty"`

	// Setup is SQL run on the peer database before provisioning, e.g. to
	// create tables with foreign keys.
	Setup []string `yaml:"setup,omitempty"`
}

// ClientConfig is a named client peer.
type ClientConfig struct {
	Name       string `yaml:"name"`
	PeerConfig `yaml:",inline"`
}

// Step is one action on one peer. Exactly one of Exec, Sync, Cleanup and
// Snapshot is set.
type Step struct {
	Peer string `yaml:"peer"`

	// Exec is SQL run directly against the peer's database.
	Exec string `yaml:"exec,omitempty"`

	// Sync runs a session of this type (normal, reinitialize,
	// reinitialize_with_upload) on a client.
	Sync string `yaml:"sync,omitempty"`

	// Params are the filter parameters of the session or snapshot.
	Params map[string]any `yaml:"params,omitempty"`

	// Cleanup runs metadata cleanup on the server.
	Cleanup bool `yaml:"cleanup,omitempty"`

	// Snapshot builds a server snapshot for Params.
	Snapshot bool `yaml:"snapshot,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Action names the kind of step.
func (s Step) Action() string {
	switch {
	case s.Exec != "":
		return ActionExec
	case s.Sync != "":
		return ActionSync
	case s.Cleanup:
		return ActionCleanup
	case s.Snapshot:
		return ActionSnapshot
	default:
		return ""
	}
}

// Step actions.
const (
	ActionExec     = "exec"
	ActionSync     = "sync"
	ActionCleanup  = "cleanup"
	ActionSnapshot = "snapshot"
)

// Expect checks the outcome of a step. Nil counters are not checked.
type Expect struct {
	Uploaded        *int  `yaml:"uploaded,omitempty"`
	Downloaded      *int  `yaml:"downloaded,omitempty"`
	AppliedOnServer *int  `yaml:"applied_on_server,omitempty"`
	AppliedOnClient *int  `yaml:"applied_on_client,omitempty"`
	Conflicts       *int  `yaml:"conflicts,omitempty"`
	FailedOnServer  *int  `yaml:"failed_on_server,omitempty"`
	FailedOnClient  *int  `yaml:"failed_on_client,omitempty"`
	Snapshot        *bool `yaml:"snapshot,omitempty"`

	// Error is the expected SyncError code, e.g. OUT_OF_DATE. Empty means
	// the step must succeed.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates the final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "rows": Query returns exactly Rows
	// - "row_count": Table of Peer holds Count rows
	// - "converged": Table holds identical rows on every peer
	// - "pending_errors": Count rows wait in the error batches of client Peer,
	//   on the client and on the server
	Type string `yaml:"type"`

	Peer  string  `yaml:"peer,omitempty"`
	Table string  `yaml:"table,omitempty"`
	Query string  `yaml:"query,omitempty"`
	Rows  [][]any `yaml:"rows,omitempty"`
	Count int     `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertRows          = "rows"
	AssertRowCount      = "row_count"
	AssertConverged     = "converged"
	AssertPendingErrors = "pending_errors"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	scenario.baseDir = filepath.Dir(path)
	return scenario, nil
}

// ParseScenario parses a scenario from YAML. A relative scope_dir is
// resolved against the working directory.
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

// ScopeDefinition compiles the scenario's scope.
func (s *Scenario) ScopeDefinition() (model.ScopeDefinition, error) {
	if s.Scope != nil {
		def, err := s.Scope.Compile()
		if err != nil {
			return model.ScopeDefinition{}, err
		}
		return *def, nil
	}

	dir := s.ScopeDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(s.baseDir, dir)
	}
	result, errs := compiler.LoadDir(dir)
	if len(errs) > 0 {
		return model.ScopeDefinition{}, errs[0]
	}
	if s.ScopeName == "" {
		if len(result.Scopes) != 1 {
			return model.ScopeDefinition{}, fmt.Errorf("%s declares %d scopes; set scope_name", dir, len(result.Scopes))
		}
		return result.Scopes[0], nil
	}
	def, ok := result.Scope(s.ScopeName)
	if !ok {
		return model.ScopeDefinition{}, fmt.Errorf("scope %q not found in %s", s.ScopeName, dir)
	}
	return def, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Scope == nil && s.ScopeDir == "" {
		return fmt.Errorf("scope or scope_dir is required")
	}
	if len(s.Clients) == 0 {
		return fmt.Errorf("clients list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	peers := map[string]bool{ServerPeer: true}
	for i, c := range s.Clients {
		if c.Name == "" {
			return fmt.Errorf("clients[%d]: name is required", i)
		}
		if peers[c.Name] {
			return fmt.Errorf("clients[%d]: duplicate peer name %q", i, c.Name)
		}
		peers[c.Name] = true
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step, peers); err != nil {
			return err
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, peers); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step Step, peers map[string]bool) error {
	if !peers[step.Peer] {
		return fmt.Errorf("steps[%d]: unknown peer %q", index, step.Peer)
	}

	set := 0
	for _, b := range []bool{step.Exec != "", step.Sync != "", step.Cleanup, step.Snapshot} {
		if b {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one of exec, sync, cleanup, snapshot is required", index)
	}

	switch step.Action() {
	case ActionSync:
		if step.Peer == ServerPeer {
			return fmt.Errorf("steps[%d]: sync runs on a client", index)
		}
		if _, err := model.ParseSyncType(step.Sync); err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
	case ActionCleanup, ActionSnapshot:
		if step.Peer != ServerPeer {
			return fmt.Errorf("steps[%d]: %s runs on the server", index, step.Action())
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a Assertion, peers map[string]bool) error {
	switch a.Type {
	case AssertRows:
		if !peers[a.Peer] {
			return fmt.Errorf("assertions[%d]: unknown peer %q", index, a.Peer)
		}
		if a.Query == "" {
			return fmt.Errorf("assertions[%d]: query is required for rows", index)
		}
	case AssertRowCount:
		if !peers[a.Peer] {
			return fmt.Errorf("assertions[%d]: unknown peer %q", index, a.Peer)
		}
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for row_count", index)
		}
	case AssertConverged:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for converged", index)
		}
	case AssertPendingErrors:
		if !peers[a.Peer] || a.Peer == ServerPeer {
			return fmt.Errorf("assertions[%d]: pending_errors needs a client peer", index)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
