package engine

import (
	"context"
	"encoding/json"
	"time"
)

// InstanceStatus is the client-facing read model returned by GetStatus,
// deliberately excluding raw history bytes.
type InstanceStatus struct {
	InstanceID   string
	FunctionName string
	Status       Status
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Output       []byte
	Failure      *Failure
}

// Client is the external API surface for starting, inspecting, signalling,
// and retiring orchestrations.
type Client struct {
	store         Store
	maxInputSize  int
}

// ClientOption customizes a Client at construction.
type ClientOption func(*Client)

// WithMaxInputSize bounds StartNew/RaiseEvent payload size; zero disables
// the check.
func WithMaxInputSize(n int) ClientOption {
	return func(c *Client) { c.maxInputSize = n }
}

func NewClient(store Store, opts ...ClientOption) *Client {
	c := &Client{store: store}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// StartNew creates a new root instance running functionName with input,
// scheduled to run immediately. instanceID must be caller-supplied and
// unique; callers that want idempotent starts should derive it themselves
// (e.g. from a request id) rather than rely on the engine to dedupe.
func (c *Client) StartNew(ctx context.Context, instanceID, functionName string, input any) error {
	inputBytes, err := encodeInput(input)
	if err != nil {
		return err
	}
	if c.maxInputSize > 0 && len(inputBytes) > c.maxInputSize {
		return ErrInputTooLarge
	}

	now := time.Now().UTC()
	inst := &Instance{
		InstanceID:   instanceID,
		FunctionName: functionName,
		Input:        inputBytes,
		ExecuteAfter: now,
	}
	return c.store.SaveState(ctx, inst, -1)
}

// GetStatus returns the current read model for instanceID.
func (c *Client) GetStatus(ctx context.Context, instanceID string) (InstanceStatus, error) {
	inst, err := c.store.GetState(ctx, instanceID)
	if err != nil {
		return InstanceStatus{}, err
	}
	return InstanceStatus{
		InstanceID:   inst.InstanceID,
		FunctionName: inst.FunctionName,
		Status:       inst.Status(),
		CreatedAt:    inst.CreatedAt,
		UpdatedAt:    inst.UpdatedAt,
		Output:       inst.CompletedResult,
		Failure:      inst.CompletedError,
	}, nil
}

// RaiseEvent delivers an externally raised event to instanceID. It is a
// no-op against a completed instance.
func (c *Client) RaiseEvent(ctx context.Context, instanceID, eventName string, payload any) error {
	payloadBytes, err := encodeInput(payload)
	if err != nil {
		return err
	}
	if c.maxInputSize > 0 && len(payloadBytes) > c.maxInputSize {
		return ErrInputTooLarge
	}
	return c.store.RaiseEvent(ctx, instanceID, eventName, payloadBytes)
}

// Terminate force-completes instanceID with a termination failure,
// regardless of any held lease.
func (c *Client) Terminate(ctx context.Context, instanceID, reason string) error {
	return c.store.Terminate(ctx, instanceID, reason)
}

// PurgeInstanceHistory deletes instanceID's record, and (if cascade) every
// descendant instance, activity and sub-orchestrator children alike,
// returning the number of records removed.
func (c *Client) PurgeInstanceHistory(ctx context.Context, instanceID string, cascade bool) (int, error) {
	return c.store.Purge(ctx, instanceID, cascade)
}

// Count returns the number of instances matching filter.
func (c *Client) Count(ctx context.Context, filter ListFilter) (int, error) {
	return c.store.Count(ctx, filter)
}

// List returns the client-facing status of every instance matching filter.
func (c *Client) List(ctx context.Context, filter ListFilter) ([]InstanceStatus, error) {
	instances, err := c.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]InstanceStatus, 0, len(instances))
	for _, inst := range instances {
		out = append(out, InstanceStatus{
			InstanceID:   inst.InstanceID,
			FunctionName: inst.FunctionName,
			Status:       inst.Status(),
			CreatedAt:    inst.CreatedAt,
			UpdatedAt:    inst.UpdatedAt,
			Output:       inst.CompletedResult,
			Failure:      inst.CompletedError,
		})
	}
	return out, nil
}

func encodeInput(input any) ([]byte, error) {
	if input == nil {
		return nil, nil
	}
	if raw, ok := input.([]byte); ok {
		return raw, nil
	}
	return json.Marshal(input)
}
