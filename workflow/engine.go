package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"github.com/stef9github/flowcore/events"
	"github.com/stef9github/flowcore/rules"
	"github.com/stef9github/flowcore/storage"
	"github.com/stef9github/flowcore/types"
)

// Standard error definitions
var (
	ErrDefinitionNotFound = errors.New("definition not found")
	ErrInstanceNotFound   = errors.New("instance not found")
	ErrInvalidDefinition  = errors.New("invalid definition")
	ErrStateDrift         = errors.New("instance state not declared by definition")
	ErrInstanceNotActive  = errors.New("instance is not active")
	ErrActionNotAvailable = errors.New("action not available")
	ErrRuleViolation      = errors.New("business rule violation")
)

// Retry policy for transient storage failures.
const (
	maxStorageRetries = 3
	retryBaseDelay    = 50 * time.Millisecond
)

// Actions recorded on system-generated history entries.
const (
	actionCreate = "create"
	actionCancel = "cancel"
	actionError  = "mark_error"
)

// Engine orchestrates workflow instances: creation, advancement by
// action, status projection and listing. It owns the transaction
// boundary and all history writes.
type Engine struct {
	storage   storage.Storage
	evaluator rules.Evaluator
	eventBus  *events.EventBus
	generate  generator.Generator
}

// NewEngine creates a new Engine with the given generator and storage.
// A nil store falls back to in-memory storage; a nil evaluator falls
// back to the expr evaluator.
func NewEngine(generate generator.Generator, store storage.Storage, evaluator rules.Evaluator) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	if evaluator == nil {
		evaluator = rules.NewExprEvaluator()
	}

	return &Engine{
		storage:   store,
		evaluator: evaluator,
		eventBus:  events.NewEventBus(),
		generate:  generate,
	}, nil
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) {
	e.eventBus.Subscribe(eventType, handler)
}

// publishEvent publishes an event asynchronously; consumer failures never
// affect the transition that produced the event.
func (e *Engine) publishEvent(ctx context.Context, eventType string, inst *types.Instance, action string, data map[string]interface{}) {
	event := events.Event{
		Type:       eventType,
		InstanceID: inst.ID,
		Action:     action,
		State:      inst.CurrentState,
		Data:       data,
	}
	go e.eventBus.Publish(context.WithoutCancel(ctx), event)
}

// withRetry runs fn, retrying transient storage failures with bounded
// exponential backoff before surfacing the last error.
func (e *Engine) withRetry(ctx context.Context, fn func() error) error {
	delay := retryBaseDelay
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !storage.IsTransient(err) || attempt >= maxStorageRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// nextID generates a unique ID using the configured generator.
func (e *Engine) nextID() (uint64, error) {
	return e.generate.NextID()
}

// RegisterDefinition validates and persists a workflow definition.
func (e *Engine) RegisterDefinition(ctx context.Context, def types.Definition) error {
	if def.ID == 0 {
		return errors.New("definition ID cannot be zero")
	}
	if err := def.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return e.withRetry(ctx, func() error {
		return e.storage.SaveDefinition(ctx, def)
	})
}

// GetDefinition retrieves a definition by ID.
func (e *Engine) GetDefinition(ctx context.Context, definitionID uint64) (*types.Definition, error) {
	var def types.Definition
	err := e.withRetry(ctx, func() error {
		var getErr error
		def, getErr = e.storage.GetDefinition(ctx, definitionID)
		return getErr
	})
	if errors.Is(err, storage.ErrDefinitionNotFound) {
		return nil, fmt.Errorf("%w: id=%d", ErrDefinitionNotFound, definitionID)
	} else if err != nil {
		return nil, err
	}
	return &def, nil
}

// CreateRequest carries the inputs for CreateInstance.
type CreateRequest struct {
	DefinitionID   uint64
	EntityID       string
	EntityType     string
	Title          string
	Context        map[string]interface{}
	AssignedTo     string
	OrganizationID uint64
	CreatedBy      string
	DueDate        int64 // unix milli, 0 = none
}

// CreateInstance creates a new instance of an active definition. The
// instance row, its creation history entry and the definition usage
// count increment are persisted as one atomic unit.
func (e *Engine) CreateInstance(ctx context.Context, req CreateRequest) (*types.Instance, error) {
	def, err := e.GetDefinition(ctx, req.DefinitionID)
	if err != nil {
		return nil, err
	}
	if !def.IsActive {
		// Inactive definitions cannot spawn new instances; existing
		// instances continue to run against them.
		return nil, fmt.Errorf("%w: id=%d is inactive", ErrDefinitionNotFound, req.DefinitionID)
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	instanceID, err := e.nextID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate instance ID: %w", err)
	}
	entryID, err := e.nextID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate history ID: %w", err)
	}

	now := time.Now().UnixMilli()
	inst := types.Instance{
		ID:             instanceID,
		DefinitionID:   def.ID,
		EntityID:       req.EntityID,
		EntityType:     req.EntityType,
		Title:          req.Title,
		CurrentState:   def.InitialState,
		ContextData:    types.CopyContext(req.Context),
		Status:         types.StatusActive,
		AssignedTo:     req.AssignedTo,
		OrganizationID: req.OrganizationID,
		CreatedBy:      req.CreatedBy,
		StartedAt:      now,
		DueDate:        req.DueDate,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if machine, err := NewMachine(def, &inst); err == nil {
		inst.ProgressPercentage = machine.Progress(inst.CurrentState)
	}

	entry := types.HistoryEntry{
		ID:              entryID,
		InstanceID:      instanceID,
		ToState:         def.InitialState,
		Action:          actionCreate,
		TriggeredBy:     req.CreatedBy,
		TriggerType:     types.TriggerManual,
		ContextSnapshot: types.CopyContext(inst.ContextData),
		WasSuccessful:   true,
		CreatedAt:       now,
	}

	if err := e.withRetry(ctx, func() error {
		return e.storage.CreateInstance(ctx, inst, entry)
	}); err != nil {
		return nil, err
	}

	e.publishEvent(ctx, events.EventInstanceCreated, &inst, actionCreate, map[string]interface{}{
		"definition_id": def.ID,
		"entity_id":     inst.EntityID,
	})
	return &inst, nil
}

// AdvanceRequest carries the inputs for Advance.
type AdvanceRequest struct {
	InstanceID     uint64
	Action         string
	ActorID        string
	Comment        string
	Metadata       map[string]interface{}
	ContextUpdates map[string]interface{}
}

// Advance attempts the named action against the instance's current
// state. The whole attempt runs under the store's per-instance lock:
// validation failures (instance not active, action not available, rule
// violation) bump the error counters and append a failed history entry
// without touching the current state; success mutates the instance and
// appends a successful entry, all atomically. Exactly one history entry
// is written per call, except for structural errors where nothing was
// attempted.
func (e *Engine) Advance(ctx context.Context, req AdvanceRequest) (*types.Instance, error) {
	start := time.Now()

	// The definition is immutable once referenced, so it can be loaded
	// outside the instance lock.
	probe, err := e.getInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	def, err := e.GetDefinition(ctx, probe.DefinitionID)
	if err != nil {
		return nil, err
	}

	entryID, err := e.nextID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate history ID: %w", err)
	}

	var result types.Instance
	var completed bool
	mutateErr := e.withRetry(ctx, func() error {
		completed = false
		return e.storage.Mutate(ctx, req.InstanceID, func(inst *types.Instance) (*types.HistoryEntry, error) {
			defer func() { result = *inst }()

			if inst.Status != types.StatusActive {
				// Terminal instances stay byte-for-byte unchanged; only the
				// ledger records the rejected attempt.
				err := fmt.Errorf("%w: instance %d is %s", ErrInstanceNotActive, inst.ID, inst.Status)
				return failedEntry(inst, req, entryID, "", start, err), err
			}

			machine, err := NewMachine(def, inst)
			if err != nil {
				// Structural failure, nothing to attempt and no audit row.
				return nil, err
			}

			transition, ok := machine.Resolve(req.Action)
			if !ok {
				err := fmt.Errorf("%w: action %q in state %q of instance %d",
					ErrActionNotAvailable, req.Action, inst.CurrentState, inst.ID)
				return e.rejectAttempt(inst, req, entryID, "", start, err), err
			}

			// Rules see the context as it would be after the update merge,
			// but nothing is committed unless they pass.
			candidate := types.CopyContext(inst.ContextData)
			if candidate == nil && len(req.ContextUpdates) > 0 {
				candidate = make(map[string]interface{}, len(req.ContextUpdates))
			}
			for k, v := range req.ContextUpdates {
				candidate[k] = v
			}

			if rule, ok := def.Rule(transition.FromState, transition.ToState); ok {
				if err := rules.CheckRule(e.evaluator, rule, candidate); err != nil {
					err = fmt.Errorf("%w: %s -> %s of instance %d: %v",
						ErrRuleViolation, transition.FromState, transition.ToState, inst.ID, err)
					return e.rejectAttempt(inst, req, entryID, transition.ToState, start, err), err
				}
			}

			now := time.Now().UnixMilli()
			inst.ContextData = candidate
			inst.PreviousState = inst.CurrentState
			inst.CurrentState = transition.ToState
			inst.ProgressPercentage = machine.Progress(transition.ToState)
			inst.UpdatedAt = now
			if machine.IsTerminal(transition.ToState) {
				inst.Status = types.StatusCompleted
				inst.CompletedAt = now
				completed = true
			}

			return &types.HistoryEntry{
				ID:              entryID,
				InstanceID:      inst.ID,
				FromState:       inst.PreviousState,
				ToState:         inst.CurrentState,
				Action:          req.Action,
				TriggeredBy:     req.ActorID,
				TriggerType:     types.TriggerManual,
				Comment:         req.Comment,
				ActionMetadata:  types.CopyContext(req.Metadata),
				ContextSnapshot: types.CopyContext(inst.ContextData),
				DurationMs:      time.Since(start).Milliseconds(),
				WasSuccessful:   true,
				CreatedAt:       now,
			}, nil
		})
	})

	if mutateErr != nil {
		if errors.Is(mutateErr, storage.ErrInstanceNotFound) {
			return nil, fmt.Errorf("%w: id=%d", ErrInstanceNotFound, req.InstanceID)
		}
		if isRejection(mutateErr) {
			e.publishEvent(ctx, events.EventTransitionRejected, &result, req.Action, map[string]interface{}{
				"error": mutateErr.Error(),
			})
		}
		return nil, mutateErr
	}

	e.publishEvent(ctx, events.EventTransitionApplied, &result, req.Action, map[string]interface{}{
		"from_state": result.PreviousState,
		"to_state":   result.CurrentState,
	})
	if completed {
		e.publishEvent(ctx, events.EventInstanceCompleted, &result, req.Action, nil)
	}
	return &result, nil
}

// rejectAttempt records a failed transition attempt on the instance:
// error counters are bumped and a failed history entry is returned for
// the store to append. The current state is left untouched.
func (e *Engine) rejectAttempt(inst *types.Instance, req AdvanceRequest, entryID uint64, toState string, start time.Time, cause error) *types.HistoryEntry {
	inst.ErrorCount++
	inst.LastError = cause.Error()
	inst.UpdatedAt = time.Now().UnixMilli()
	return failedEntry(inst, req, entryID, toState, start, cause)
}

// failedEntry builds the audit row for a rejected attempt without
// touching the instance.
func failedEntry(inst *types.Instance, req AdvanceRequest, entryID uint64, toState string, start time.Time, cause error) *types.HistoryEntry {
	return &types.HistoryEntry{
		ID:              entryID,
		InstanceID:      inst.ID,
		FromState:       inst.CurrentState,
		ToState:         toState,
		Action:          req.Action,
		TriggeredBy:     req.ActorID,
		TriggerType:     types.TriggerManual,
		Comment:         req.Comment,
		ActionMetadata:  types.CopyContext(req.Metadata),
		ContextSnapshot: types.CopyContext(inst.ContextData),
		DurationMs:      time.Since(start).Milliseconds(),
		WasSuccessful:   false,
		ErrorMessage:    cause.Error(),
		CreatedAt:       time.Now().UnixMilli(),
	}
}

// isRejection reports whether err is an audited validation rejection
// rather than a structural or storage failure.
func isRejection(err error) bool {
	return errors.Is(err, ErrInstanceNotActive) ||
		errors.Is(err, ErrActionNotAvailable) ||
		errors.Is(err, ErrRuleViolation)
}

// Cancel administratively moves an active instance to the cancelled
// status. The instance's current state is preserved for the record.
func (e *Engine) Cancel(ctx context.Context, instanceID uint64, actorID, comment string) (*types.Instance, error) {
	entryID, err := e.nextID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate history ID: %w", err)
	}

	var result types.Instance
	err = e.withRetry(ctx, func() error {
		return e.storage.Mutate(ctx, instanceID, func(inst *types.Instance) (*types.HistoryEntry, error) {
			if inst.Status != types.StatusActive {
				return nil, fmt.Errorf("%w: instance %d is %s", ErrInstanceNotActive, inst.ID, inst.Status)
			}
			defer func() { result = *inst }()
			now := time.Now().UnixMilli()
			inst.Status = types.StatusCancelled
			inst.CompletedAt = now
			inst.UpdatedAt = now
			return &types.HistoryEntry{
				ID:              entryID,
				InstanceID:      inst.ID,
				FromState:       inst.CurrentState,
				ToState:         inst.CurrentState,
				Action:          actionCancel,
				TriggeredBy:     actorID,
				TriggerType:     types.TriggerSystem,
				Comment:         comment,
				ContextSnapshot: types.CopyContext(inst.ContextData),
				WasSuccessful:   true,
				CreatedAt:       now,
			}, nil
		})
	})
	if err != nil {
		if errors.Is(err, storage.ErrInstanceNotFound) {
			return nil, fmt.Errorf("%w: id=%d", ErrInstanceNotFound, instanceID)
		}
		return nil, err
	}

	e.publishEvent(ctx, events.EventInstanceCancelled, &result, actionCancel, nil)
	return &result, nil
}

// MarkError moves an active instance to the error status. Reserved for
// catastrophic failures reported by the surrounding service, not for
// ordinary rule rejections.
func (e *Engine) MarkError(ctx context.Context, instanceID uint64, actorID, reason string) (*types.Instance, error) {
	entryID, err := e.nextID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate history ID: %w", err)
	}

	var result types.Instance
	err = e.withRetry(ctx, func() error {
		return e.storage.Mutate(ctx, instanceID, func(inst *types.Instance) (*types.HistoryEntry, error) {
			if inst.Status != types.StatusActive {
				return nil, fmt.Errorf("%w: instance %d is %s", ErrInstanceNotActive, inst.ID, inst.Status)
			}
			defer func() { result = *inst }()
			now := time.Now().UnixMilli()
			inst.Status = types.StatusError
			inst.ErrorCount++
			inst.LastError = reason
			inst.UpdatedAt = now
			return &types.HistoryEntry{
				ID:              entryID,
				InstanceID:      inst.ID,
				FromState:       inst.CurrentState,
				ToState:         inst.CurrentState,
				Action:          actionError,
				TriggeredBy:     actorID,
				TriggerType:     types.TriggerSystem,
				ContextSnapshot: types.CopyContext(inst.ContextData),
				WasSuccessful:   false,
				ErrorMessage:    reason,
				CreatedAt:       now,
			}, nil
		})
	})
	if err != nil {
		if errors.Is(err, storage.ErrInstanceNotFound) {
			return nil, fmt.Errorf("%w: id=%d", ErrInstanceNotFound, instanceID)
		}
		return nil, err
	}

	e.publishEvent(ctx, events.EventErrorOccurred, &result, actionError, map[string]interface{}{
		"reason": reason,
	})
	return &result, nil
}

// getInstance loads an instance, mapping storage errors onto the engine
// taxonomy.
func (e *Engine) getInstance(ctx context.Context, instanceID uint64) (*types.Instance, error) {
	var inst types.Instance
	err := e.withRetry(ctx, func() error {
		var getErr error
		inst, getErr = e.storage.GetInstance(ctx, instanceID)
		return getErr
	})
	if errors.Is(err, storage.ErrInstanceNotFound) {
		return nil, fmt.Errorf("%w: id=%d", ErrInstanceNotFound, instanceID)
	} else if err != nil {
		return nil, err
	}
	return &inst, nil
}

// GetInstance retrieves a workflow instance by ID.
func (e *Engine) GetInstance(ctx context.Context, instanceID uint64) (*types.Instance, error) {
	return e.getInstance(ctx, instanceID)
}

// Status is the read-only projection returned by GetStatus.
type Status struct {
	InstanceID       uint64               `json:"instance_id"`
	CurrentState     string               `json:"current_state"`
	PreviousState    string               `json:"previous_state,omitempty"`
	Status           string               `json:"status"`
	Progress         float64              `json:"progress"`
	DueDate          int64                `json:"due_date,omitempty"`
	Overdue          bool                 `json:"overdue"`
	AvailableActions []string             `json:"available_actions"`
	RecentHistory    []types.HistoryEntry `json:"recent_history"`
}

// GetStatus returns a read-only projection of the instance: states,
// status, progress, overdue flag, available actions and the most recent
// history entries newest-first.
func (e *Engine) GetStatus(ctx context.Context, instanceID uint64, historyLimit int) (*Status, error) {
	inst, err := e.getInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	def, err := e.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return nil, err
	}
	machine, err := NewMachine(def, inst)
	if err != nil {
		return nil, err
	}

	var history []types.HistoryEntry
	if err := e.withRetry(ctx, func() error {
		var listErr error
		history, listErr = e.storage.ListHistory(ctx, instanceID, historyLimit)
		return listErr
	}); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	return &Status{
		InstanceID:       inst.ID,
		CurrentState:     inst.CurrentState,
		PreviousState:    inst.PreviousState,
		Status:           inst.Status,
		Progress:         inst.ProgressPercentage,
		DueDate:          inst.DueDate,
		Overdue:          inst.DueDate != 0 && now > inst.DueDate && inst.Status == types.StatusActive,
		AvailableActions: machine.AvailableActions(),
		RecentHistory:    history,
	}, nil
}

// ListOptions narrows a ListForUser query.
type ListOptions struct {
	OrganizationID uint64
	Status         string
	Limit          int
	Offset         int
}

// ListForUser returns instances assigned to userID, optionally filtered
// by organization and status, newest-created-first.
func (e *Engine) ListForUser(ctx context.Context, userID string, opts ListOptions) ([]types.Instance, error) {
	var out []types.Instance
	err := e.withRetry(ctx, func() error {
		var listErr error
		out, listErr = e.storage.ListInstances(ctx, storage.InstanceFilter{
			AssignedTo:     userID,
			OrganizationID: opts.OrganizationID,
			Status:         opts.Status,
			Limit:          opts.Limit,
			Offset:         opts.Offset,
		})
		return listErr
	})
	return out, err
}

// Stop gracefully stops the engine's event processing.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.eventBus.Stop()
		return nil
	}
}
