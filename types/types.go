package types

import "fmt"

// Instance status values.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusError     = "error"
)

// Trigger types recorded on history entries.
const (
	TriggerManual = "manual"
	TriggerSystem = "system"
)

// State is a named state declared by a workflow definition.
type State struct {
	Name         string `json:"name" yaml:"name"`
	IsInitial    bool   `json:"is_initial" yaml:"is_initial"`
	IsFinal      bool   `json:"is_final" yaml:"is_final"`
	DisplayTitle string `json:"display_title,omitempty" yaml:"display_title,omitempty"`
}

// Transition is a declared (from_state, to_state, action) edge.
type Transition struct {
	FromState string `json:"from_state" yaml:"from_state"`
	ToState   string `json:"to_state" yaml:"to_state"`
	Action    string `json:"action" yaml:"action"`
	Title     string `json:"title,omitempty" yaml:"title,omitempty"`
}

// RuleSpec is the business rule attached to a single transition edge.
// RequiredFields must be present and non-nil in the instance context;
// Conditions are boolean expressions evaluated against the context.
type RuleSpec struct {
	RequiredFields []string `json:"required_fields,omitempty" yaml:"required_fields,omitempty"`
	Conditions     []string `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// Definition is a reusable workflow template. Once instances reference a
// definition it is never mutated in place; new behavior means a new version.
type Definition struct {
	ID             uint64              `json:"id"`
	Name           string              `json:"name" yaml:"name"`
	Version        string              `json:"version" yaml:"version"`
	Category       string              `json:"category,omitempty" yaml:"category,omitempty"`
	OrganizationID uint64              `json:"organization_id,omitempty" yaml:"organization_id,omitempty"` // 0 = global
	InitialState   string              `json:"initial_state" yaml:"initial_state"`
	States         []State             `json:"states" yaml:"states"`
	Transitions    []Transition        `json:"transitions" yaml:"transitions"`
	BusinessRules  map[string]RuleSpec `json:"business_rules,omitempty" yaml:"business_rules,omitempty"` // keyed "{from}_{to}"
	IsActive       bool                `json:"is_active" yaml:"is_active"`
	UsageCount     uint64              `json:"usage_count"`
}

// RuleKey returns the BusinessRules key for a transition edge.
func RuleKey(fromState, toState string) string {
	return fromState + "_" + toState
}

// StateNames returns the declared state names in declaration order.
func (d *Definition) StateNames() []string {
	names := make([]string, len(d.States))
	for i, s := range d.States {
		names[i] = s.Name
	}
	return names
}

// HasState reports whether name is a declared state.
func (d *Definition) HasState(name string) bool {
	return d.StateIndex(name) >= 0
}

// StateIndex returns the position of name in the declared state list,
// or -1 if it is not declared.
func (d *Definition) StateIndex(name string) int {
	for i, s := range d.States {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// IsFinalState reports whether name is declared with the final flag.
func (d *Definition) IsFinalState(name string) bool {
	for _, s := range d.States {
		if s.Name == name {
			return s.IsFinal
		}
	}
	return false
}

// ValidateTransition reports whether some declared transition matches all
// three fields exactly. Pure function over the transition list.
func (d *Definition) ValidateTransition(fromState, toState, action string) bool {
	for _, t := range d.Transitions {
		if t.FromState == fromState && t.ToState == toState && t.Action == action {
			return true
		}
	}
	return false
}

// TransitionsFrom returns the declared transitions leaving state.
func (d *Definition) TransitionsFrom(state string) []Transition {
	var out []Transition
	for _, t := range d.Transitions {
		if t.FromState == state {
			out = append(out, t)
		}
	}
	return out
}

// Rule returns the business rule attached to the edge, if any.
func (d *Definition) Rule(fromState, toState string) (RuleSpec, bool) {
	rule, ok := d.BusinessRules[RuleKey(fromState, toState)]
	return rule, ok
}

// Validate checks the structural invariants of a definition: at least one
// state, exactly one initial state matching InitialState, and every
// transition endpoint declared in the state list.
func (d *Definition) Validate() error {
	if len(d.States) == 0 {
		return fmt.Errorf("definition %q has no states", d.Name)
	}

	initials := 0
	for _, s := range d.States {
		if s.Name == "" {
			return fmt.Errorf("definition %q has a state with an empty name", d.Name)
		}
		if s.IsInitial {
			initials++
			if s.Name != d.InitialState {
				return fmt.Errorf("definition %q: initial flag on %q does not match initial_state %q", d.Name, s.Name, d.InitialState)
			}
		}
	}
	if initials != 1 {
		return fmt.Errorf("definition %q must have exactly one initial state, found %d", d.Name, initials)
	}
	if !d.HasState(d.InitialState) {
		return fmt.Errorf("definition %q: initial_state %q is not a declared state", d.Name, d.InitialState)
	}

	for _, t := range d.Transitions {
		if t.Action == "" {
			return fmt.Errorf("definition %q: transition %s -> %s has no action", d.Name, t.FromState, t.ToState)
		}
		if !d.HasState(t.FromState) {
			return fmt.Errorf("definition %q: transition references undeclared state %q", d.Name, t.FromState)
		}
		if !d.HasState(t.ToState) {
			return fmt.Errorf("definition %q: transition references undeclared state %q", d.Name, t.ToState)
		}
	}
	return nil
}

// Instance is one running execution of a definition bound to a business
// entity. Mutated only by the engine inside a transition transaction.
type Instance struct {
	ID                 uint64                 `json:"id"`
	DefinitionID       uint64                 `json:"definition_id"`
	EntityID           string                 `json:"entity_id"`
	EntityType         string                 `json:"entity_type,omitempty"`
	Title              string                 `json:"title,omitempty"`
	CurrentState       string                 `json:"current_state"`
	PreviousState      string                 `json:"previous_state,omitempty"`
	ContextData        map[string]interface{} `json:"context_data,omitempty"`
	Status             string                 `json:"status"`
	AssignedTo         string                 `json:"assigned_to,omitempty"`
	OrganizationID     uint64                 `json:"organization_id,omitempty"`
	CreatedBy          string                 `json:"created_by"`
	StartedAt          int64                  `json:"started_at"`
	CompletedAt        int64                  `json:"completed_at,omitempty"`
	DueDate            int64                  `json:"due_date,omitempty"` // unix milli, 0 = none
	ProgressPercentage float64                `json:"progress_percentage"`
	ErrorCount         int                    `json:"error_count"`
	LastError          string                 `json:"last_error,omitempty"`
	CreatedAt          int64                  `json:"created_at"`
	UpdatedAt          int64                  `json:"updated_at"`
}

// IsTerminalStatus reports whether status accepts no further transitions.
func IsTerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusCancelled
}

// HistoryEntry is one row of the append-only audit ledger: a single
// transition attempt, successful or failed. Entries are never updated
// or deleted.
type HistoryEntry struct {
	ID              uint64                 `json:"id"`
	InstanceID      uint64                 `json:"instance_id"`
	FromState       string                 `json:"from_state,omitempty"` // empty for the creation entry
	ToState         string                 `json:"to_state"`
	Action          string                 `json:"action"`
	TriggeredBy     string                 `json:"triggered_by"`
	TriggerType     string                 `json:"trigger_type"`
	Comment         string                 `json:"comment,omitempty"`
	ActionMetadata  map[string]interface{} `json:"action_metadata,omitempty"`
	ContextSnapshot map[string]interface{} `json:"context_snapshot,omitempty"`
	DurationMs      int64                  `json:"duration_ms"`
	WasSuccessful   bool                   `json:"was_successful"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	CreatedAt       int64                  `json:"created_at"`
}

// CopyContext returns a shallow-copied snapshot of a context map. Values
// are shared; keys added or removed later do not affect the snapshot.
func CopyContext(src map[string]interface{}) map[string]interface{} {
	if src == nil {
		return nil
	}
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
