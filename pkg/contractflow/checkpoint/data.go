package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
)

// Flat map keys used by ToMap and FromMap.
const (
	KeyCheckpointName  = "checkpoint_name"
	KeyProgressPercent = "progress_percent"
	KeyStepDescription = "step_description"
	KeyRecoverableData = "recoverable_data"
	KeyDatabaseState   = "database_state"
	KeyFileState       = "file_state"
)

// ErrInvalidData indicates checkpoint data that cannot be persisted.
var ErrInvalidData = errors.New("invalid checkpoint data")

// Data is a named snapshot of recoverable progress for one task.
// Treat it as immutable once created.
type Data struct {
	CheckpointName  string         `json:"checkpoint_name"`
	ProgressPercent int            `json:"progress_percent"`
	StepDescription string         `json:"step_description"`
	RecoverableData map[string]any `json:"recoverable_data"`
	DatabaseState   map[string]any `json:"database_state"`
	FileState       map[string]any `json:"file_state"`
}

// New creates checkpoint data with empty optional state.
func New(name string, percent int, description string, recoverable map[string]any) Data {
	return Data{
		CheckpointName:  name,
		ProgressPercent: percent,
		StepDescription: description,
		RecoverableData: recoverable,
	}.Normalize()
}

// Normalize returns a copy with nil maps replaced by empty ones.
func (d Data) Normalize() Data {
	d.RecoverableData = orEmpty(d.RecoverableData)
	d.DatabaseState = orEmpty(d.DatabaseState)
	d.FileState = orEmpty(d.FileState)
	return d
}

// Validate checks the fields a store relies on.
func (d Data) Validate() error {
	if d.CheckpointName == "" {
		return fmt.Errorf("%w: empty checkpoint name", ErrInvalidData)
	}
	if d.ProgressPercent < 0 || d.ProgressPercent > 100 {
		return fmt.Errorf("%w: progress %d out of range", ErrInvalidData, d.ProgressPercent)
	}
	return nil
}

// ToMap flattens the data for persistence.
func (d Data) ToMap() map[string]any {
	n := d.Normalize()
	return map[string]any{
		KeyCheckpointName:  n.CheckpointName,
		KeyProgressPercent: n.ProgressPercent,
		KeyStepDescription: n.StepDescription,
		KeyRecoverableData: maps.Clone(n.RecoverableData),
		KeyDatabaseState:   maps.Clone(n.DatabaseState),
		KeyFileState:       maps.Clone(n.FileState),
	}
}

// FromMap rebuilds data from a flat map. Map-valued fields may also arrive
// as JSON text, which is how SQL stores hand them back.
func FromMap(m map[string]any) (Data, error) {
	var d Data

	name, _ := m[KeyCheckpointName].(string)
	d.CheckpointName = name

	if v, ok := m[KeyProgressPercent]; ok && v != nil {
		p, err := toInt(v)
		if err != nil {
			return Data{}, fmt.Errorf("%w: %s: %v", ErrInvalidData, KeyProgressPercent, err)
		}
		d.ProgressPercent = p
	}

	d.StepDescription, _ = m[KeyStepDescription].(string)

	var err error
	if d.RecoverableData, err = toMap(m[KeyRecoverableData]); err != nil {
		return Data{}, fmt.Errorf("%w: %s: %v", ErrInvalidData, KeyRecoverableData, err)
	}
	if d.DatabaseState, err = toMap(m[KeyDatabaseState]); err != nil {
		return Data{}, fmt.Errorf("%w: %s: %v", ErrInvalidData, KeyDatabaseState, err)
	}
	if d.FileState, err = toMap(m[KeyFileState]); err != nil {
		return Data{}, fmt.Errorf("%w: %s: %v", ErrInvalidData, KeyFileState, err)
	}

	return d.Normalize(), nil
}

// Marshal serializes data to JSON.
func (d Data) Marshal() ([]byte, error) {
	return json.Marshal(d.Normalize())
}

// Unmarshal deserializes data from JSON.
func Unmarshal(b []byte) (Data, error) {
	var d Data
	if err := json.Unmarshal(b, &d); err != nil {
		return Data{}, err
	}
	return d.Normalize(), nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("not an integer: %v", n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func toMap(v any) (map[string]any, error) {
	switch m := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return maps.Clone(m), nil
	case string:
		return decodeJSONMap([]byte(m))
	case []byte:
		return decodeJSONMap(m)
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

func decodeJSONMap(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return orEmpty(out), nil
}
