package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func sampleDefinition() Definition {
	return Definition{
		ID:           1,
		Name:         "document_approval",
		InitialState: "draft",
		States: []State{
			{Name: "draft", IsInitial: true},
			{Name: "pending_review"},
			{Name: "approved", IsFinal: true},
		},
		Transitions: []Transition{
			{FromState: "draft", ToState: "pending_review", Action: "submit_for_review"},
			{FromState: "pending_review", ToState: "approved", Action: "approve"},
		},
	}
}

func TestDefinitionValidate(t *testing.T) {
	def := sampleDefinition()
	assert.NoError(t, def.Validate())

	empty := sampleDefinition()
	empty.States = nil
	assert.ErrorContains(t, empty.Validate(), "has no states")

	twoInitials := sampleDefinition()
	twoInitials.States[1].IsInitial = true
	assert.Error(t, twoInitials.Validate())

	mismatch := sampleDefinition()
	mismatch.InitialState = "pending_review"
	assert.ErrorContains(t, mismatch.Validate(), "does not match")

	ghost := sampleDefinition()
	ghost.Transitions = append(ghost.Transitions, Transition{FromState: "draft", ToState: "ghost", Action: "vanish"})
	assert.ErrorContains(t, ghost.Validate(), "undeclared state")
}

func TestDefinitionLookups(t *testing.T) {
	def := sampleDefinition()

	assert.Equal(t, []string{"draft", "pending_review", "approved"}, def.StateNames())
	assert.True(t, def.HasState("draft"))
	assert.False(t, def.HasState("ghost"))
	assert.Equal(t, 2, def.StateIndex("approved"))
	assert.Equal(t, -1, def.StateIndex("ghost"))
	assert.True(t, def.IsFinalState("approved"))
	assert.False(t, def.IsFinalState("draft"))

	assert.True(t, def.ValidateTransition("draft", "pending_review", "submit_for_review"))
	assert.False(t, def.ValidateTransition("draft", "approved", "submit_for_review"))
	assert.False(t, def.ValidateTransition("draft", "pending_review", "approve"))

	from := def.TransitionsFrom("draft")
	assert.Len(t, from, 1)
	assert.Equal(t, "submit_for_review", from[0].Action)
	assert.Empty(t, def.TransitionsFrom("approved"))
}

func TestRuleKey(t *testing.T) {
	def := sampleDefinition()
	def.BusinessRules = map[string]RuleSpec{
		RuleKey("pending_review", "approved"): {RequiredFields: []string{"reviewer"}},
	}

	rule, ok := def.Rule("pending_review", "approved")
	assert.True(t, ok)
	assert.Equal(t, []string{"reviewer"}, rule.RequiredFields)

	_, ok = def.Rule("draft", "pending_review")
	assert.False(t, ok)
}

func TestCopyContext(t *testing.T) {
	assert.Nil(t, CopyContext(nil))

	src := map[string]interface{}{"a": 1}
	dst := CopyContext(src)
	dst["b"] = 2
	assert.Len(t, src, 1)
	assert.Equal(t, 1, dst["a"])
}

func TestIsTerminalStatus(t *testing.T) {
	assert.False(t, IsTerminalStatus(StatusActive))
	assert.False(t, IsTerminalStatus(StatusError))
	assert.True(t, IsTerminalStatus(StatusCompleted))
	assert.True(t, IsTerminalStatus(StatusCancelled))
}
