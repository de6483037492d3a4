package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Record kinds persisted by the repository.
const (
	KindState   = "engine_state"
	KindFrame   = "frame"
	KindUser    = "user"
	KindQueue   = "queue"
	KindHistory = "payout_history"
	KindFailure = "payout_failure"
	KindBetSig  = "signature"

	KindSettlement = "settlement"
)

// SchemaVersion is the newest envelope version this build writes and reads.
const SchemaVersion = 1

var (
	ErrUnsupportedVersion = errors.New("model: unsupported record version")
	ErrKindMismatch       = errors.New("model: record kind mismatch")
)

type envelope struct {
	V    int             `json:"v"`
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Encode wraps v in a versioned envelope.
func Encode(kind string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("model: encode %s: %w", kind, err)
	}
	return json.Marshal(envelope{V: SchemaVersion, Kind: kind, Data: data})
}

// Decode unwraps an envelope into v. Unknown kinds, newer versions and
// unknown fields are rejected instead of being merged into defaults.
func Decode(kind string, blob []byte, v any) error {
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return fmt.Errorf("model: decode %s envelope: %w", kind, err)
	}
	if env.Kind != kind {
		return fmt.Errorf("%w: want %s, got %q", ErrKindMismatch, kind, env.Kind)
	}
	if env.V < 1 || env.V > SchemaVersion {
		return fmt.Errorf("%w: %s v%d", ErrUnsupportedVersion, kind, env.V)
	}

	dec := json.NewDecoder(bytes.NewReader(env.Data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("model: decode %s: %w", kind, err)
	}
	return nil
}
