package harness

// StepEvent records the outcome of one step. Zero counters are omitted so
// golden files only show what happened.
type StepEvent struct {
	Step     int    `json:"step" yaml:"step"`
	Peer     string `json:"peer" yaml:"peer"`
	Action   string `json:"action" yaml:"action"`
	SyncType string `json:"sync_type,omitempty" yaml:"sync_type,omitempty"`

	Uploaded        int  `json:"uploaded,omitempty" yaml:"uploaded,omitempty"`
	Downloaded      int  `json:"downloaded,omitempty" yaml:"downloaded,omitempty"`
	AppliedOnServer int  `json:"applied_on_server,omitempty" yaml:"applied_on_server,omitempty"`
	AppliedOnClient int  `json:"applied_on_client,omitempty" yaml:"applied_on_client,omitempty"`
	Conflicts       int  `json:"conflicts,omitempty" yaml:"conflicts,omitempty"`
	FailedOnServer  int  `json:"failed_on_server,omitempty" yaml:"failed_on_server,omitempty"`
	FailedOnClient  int  `json:"failed_on_client,omitempty" yaml:"failed_on_client,omitempty"`
	Snapshot        bool `json:"snapshot,omitempty" yaml:"snapshot,omitempty"`

	// Error is the SyncError code of a failed step.
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}

// TableRows are the rows of one table ordered by primary key, each row
// in column declaration order.
type TableRows [][]any

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success: every expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace contains one event per sync, cleanup and snapshot step.
	Trace []StepEvent `json:"trace"`

	// Errors contains failed expectations and assertions.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State holds the final tables, keyed by peer then table name.
	State map[string]map[string]TableRows `json:"state,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []StepEvent{},
		Errors: []string{},
		State:  make(map[string]map[string]TableRows),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddEvent appends a step outcome to the trace.
func (r *Result) AddEvent(e StepEvent) {
	r.Trace = append(r.Trace, e)
}
