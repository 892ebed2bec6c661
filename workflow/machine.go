package workflow

import (
	"fmt"

	"github.com/stef9github/flowcore/types"
)

// transitionKey identifies one callable edge of the compiled machine.
type transitionKey struct {
	fromState string
	action    string
}

// Machine is an executable state machine compiled from a definition and
// bound to a single instance. It is stateless beyond the bound records
// and is rebuilt per request, so concurrent construction is safe.
type Machine struct {
	def   *types.Definition
	inst  *types.Instance
	table map[transitionKey]types.Transition
}

// NewMachine compiles the definition's transition graph into a machine
// bound to inst. It fails with ErrInvalidDefinition for malformed
// templates and with ErrStateDrift when the instance sits in a state the
// definition no longer declares.
func NewMachine(def *types.Definition, inst *types.Instance) (*Machine, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if !def.HasState(inst.CurrentState) {
		return nil, fmt.Errorf("%w: instance %d is in state %q, not declared by definition %q version %q",
			ErrStateDrift, inst.ID, inst.CurrentState, def.Name, def.Version)
	}

	table := make(map[transitionKey]types.Transition, len(def.Transitions))
	for _, t := range def.Transitions {
		key := transitionKey{fromState: t.FromState, action: t.Action}
		// First declaration wins for duplicate (from, action) pairs.
		if _, ok := table[key]; !ok {
			table[key] = t
		}
	}

	return &Machine{def: def, inst: inst, table: table}, nil
}

// Resolve looks up the transition for action from the instance's current
// state. The boolean reports whether the action is available.
func (m *Machine) Resolve(action string) (types.Transition, bool) {
	t, ok := m.table[transitionKey{fromState: m.inst.CurrentState, action: action}]
	return t, ok
}

// CanFire reports whether action is available from the current state.
func (m *Machine) CanFire(action string) bool {
	_, ok := m.Resolve(action)
	return ok
}

// AvailableActions returns the action names available from the current
// state, in declaration order.
func (m *Machine) AvailableActions() []string {
	var actions []string
	for _, t := range m.def.TransitionsFrom(m.inst.CurrentState) {
		actions = append(actions, t.Action)
	}
	return actions
}

// IsTerminal reports whether state carries the final flag.
func (m *Machine) IsTerminal(state string) bool {
	return m.def.IsFinalState(state)
}

// Progress computes the percentage of the declared state list covered at
// state: index/(len-1)*100, clamped to [0,100]. Final states always
// report 100 regardless of their position in the declaration order, so
// a completed instance never shows partial progress.
func (m *Machine) Progress(state string) float64 {
	idx := m.def.StateIndex(state)
	if idx < 0 {
		return 0
	}
	if m.def.IsFinalState(state) || len(m.def.States) <= 1 {
		return 100
	}
	p := float64(idx) / float64(len(m.def.States)-1) * 100
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
