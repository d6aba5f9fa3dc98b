package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/seqlab/benchd/internal/model"
)

// DriverSim is the driver name of the in-tree simulator adapter.
const DriverSim = "sim"

// SimAdapter simulates an instrument as a key/value state map. Asset config:
// "latency_ms" adds a fixed delay to every operation, "initial_state" seeds
// the state map. It is the reference adapter and what demos and tests run
// against.
type SimAdapter struct{}

// NewSimAdapter creates the simulator adapter.
func NewSimAdapter() *SimAdapter {
	return &SimAdapter{}
}

// Capabilities implements Adapter.
func (a *SimAdapter) Capabilities() Capabilities {
	return Capabilities{
		Name:         DriverSim,
		SupportedOps: []string{"transfer", "set", "incr", "read", "noop", "fail"},
		MaxSessions:  0, // unbounded
	}
}

// Open implements Adapter.
func (a *SimAdapter) Open(_ context.Context, assetID string, config map[string]any) (Session, error) {
	var latency time.Duration
	if ms, ok := numeric(config["latency_ms"]); ok {
		latency = time.Duration(ms) * time.Millisecond
	}

	var initial map[string]any
	if m, ok := config["initial_state"].(map[string]any); ok {
		initial = m
	}
	state, err := deepCopy(initial)
	if err != nil {
		return nil, fmt.Errorf("copy initial state for %s: %w", assetID, err)
	}

	return &simSession{assetID: assetID, latency: latency, state: state}, nil
}

type simSession struct {
	assetID string
	latency time.Duration

	mu     sync.Mutex
	state  map[string]any
	closed bool
}

func (s *simSession) wait(ctx context.Context) error {
	if s.latency <= 0 {
		return nil
	}
	select {
	case <-time.After(s.latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute implements Session.
func (s *simSession) Execute(ctx context.Context, op string, args map[string]any) (OpResult, error) {
	if err := s.wait(ctx); err != nil {
		return OpResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return OpResult{}, fmt.Errorf("session %s is closed", s.assetID)
	}

	switch op {
	case "noop":
		return OpResult{}, nil

	case "read":
		key, _ := args["key"].(string)
		return OpResult{Output: map[string]any{"value": s.state[key]}}, nil

	case "set":
		key, ok := args["key"].(string)
		if !ok || key == "" {
			return failResult("set requires a key"), nil
		}
		s.state[key] = args["value"]
		return OpResult{}, nil

	case "incr":
		key, ok := args["key"].(string)
		if !ok || key == "" {
			return failResult("incr requires a key"), nil
		}
		delta, ok := numeric(args["delta"])
		if !ok {
			return failResult("incr requires a numeric delta"), nil
		}
		cur, _ := numeric(s.state[key])
		s.state[key] = cur + delta
		return OpResult{}, nil

	case "transfer":
		return s.transfer(args)

	case "fail":
		message, _ := args["message"].(string)
		if message == "" {
			message = "simulated failure"
		}
		if ambiguous, _ := args["ambiguous"].(bool); ambiguous {
			// Simulate the driver dying mid-operation: the caller gets an
			// error and no report, so it cannot know what happened.
			return OpResult{}, errors.New(message)
		}
		return failResult(message), nil

	default:
		return failResult(fmt.Sprintf("unsupported op %q", op)), nil
	}
}

// transfer moves volume between two properties of the session state. With
// "interrupt": true it applies the withdraw side, then reports a failure
// that vouches for the withdrawal and marks the deposit ambiguous: the
// partial-application scenario.
func (s *simSession) transfer(args map[string]any) (OpResult, error) {
	from, _ := args["from"].(string)
	to, _ := args["to"].(string)
	volume, ok := numeric(args["volume"])
	if from == "" || to == "" || !ok {
		return failResult("transfer requires from, to and a numeric volume"), nil
	}

	available, _ := numeric(s.state[from])
	if available < volume {
		return failResult(fmt.Sprintf("insufficient volume in %s: have %v, need %v", from, available, volume)), nil
	}

	withdraw := -volume
	s.state[from] = available - volume

	if interrupt, _ := args["interrupt"].(bool); interrupt {
		deposit := volume
		return OpResult{Failure: &model.OperationFailure{
			Reason:    "interrupted mid-transfer",
			Applied:   []model.Effect{{StateKey: from, Delta: &withdraw}},
			Ambiguous: []model.Effect{{StateKey: to, Delta: &deposit}},
		}}, nil
	}

	cur, _ := numeric(s.state[to])
	s.state[to] = cur + volume
	return OpResult{}, nil
}

// Snapshot implements Session.
func (s *simSession) Snapshot(_ context.Context) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("session %s is closed", s.assetID)
	}
	return deepCopy(s.state)
}

// Restore implements Session.
func (s *simSession) Restore(_ context.Context, state map[string]any) error {
	copied, err := deepCopy(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session %s is closed", s.assetID)
	}
	s.state = copied
	return nil
}

// Close implements Session. Idempotent.
func (s *simSession) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func failResult(reason string) OpResult {
	return OpResult{Failure: &model.OperationFailure{Reason: reason}}
}

// numeric coerces the number representations that JSON and YAML decoding
// produce into float64.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// deepCopy clones a state map through a JSON round-trip, normalizing
// numbers to float64 on the way.
func deepCopy(state map[string]any) (map[string]any, error) {
	if state == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	out := make(map[string]any, len(state))
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return out, nil
}
