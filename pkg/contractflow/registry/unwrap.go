package registry

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/randalmurphal/contractflow/pkg/contractflow/checkpoint"
)

// idKeys are checked in order when a result is a map. Other keys are
// ignored, so an error row never reads as an id.
var idKeys = []string{"id", "registry_id", "checkpoint_id", "upsert_task_registry", "create_task_checkpoint"}

// boolKeys are checked in order when a result is a map.
var boolKeys = []string{"success", "updated", "ok", "update_task_registry_state"}

// ExtractID pulls an identifier out of a scalar, map, or list-of-maps result.
// Numeric ids must be positive.
func ExtractID(result any) (string, bool) {
	switch v := result.(type) {
	case nil:
		return "", false
	case string:
		return v, v != ""
	case []byte:
		return string(v), len(v) > 0
	case uuid.UUID:
		return v.String(), v != uuid.Nil
	case int:
		return strconv.Itoa(v), v > 0
	case int32:
		return strconv.FormatInt(int64(v), 10), v > 0
	case int64:
		return strconv.FormatInt(v, 10), v > 0
	case float64:
		if v <= 0 || v != math.Trunc(v) || v >= math.MaxInt64 {
			return "", false
		}
		return strconv.FormatInt(int64(v), 10), true
	case map[string]any:
		for _, k := range idKeys {
			if id, ok := ExtractID(v[k]); ok {
				return id, true
			}
		}
		return "", false
	case []map[string]any:
		if len(v) == 0 {
			return "", false
		}
		return ExtractID(v[0])
	case []any:
		if len(v) == 0 {
			return "", false
		}
		return ExtractID(v[0])
	case fmt.Stringer:
		s := v.String()
		return s, s != ""
	default:
		return "", false
	}
}

// ExtractBool pulls a success flag out of a scalar, map, or list-of-maps result.
// A row count is true when positive.
func ExtractBool(result any) bool {
	switch v := result.(type) {
	case nil:
		return false
	case bool:
		return v
	case int:
		return v > 0
	case int64:
		return v > 0
	case string:
		b, err := strconv.ParseBool(v)
		return err == nil && b
	case map[string]any:
		for _, k := range boolKeys {
			if b, ok := v[k]; ok {
				return ExtractBool(b)
			}
		}
		return false
	case []map[string]any:
		return len(v) > 0 && ExtractBool(v[0])
	case []any:
		return len(v) > 0 && ExtractBool(v[0])
	default:
		return false
	}
}

// ExtractCheckpoint decodes the latest checkpoint from a scalar, map, or
// list-of-maps result. It returns nil, nil when the result holds none.
func ExtractCheckpoint(result any) (*checkpoint.Data, error) {
	switch v := result.(type) {
	case nil:
		return nil, nil
	case checkpoint.Data:
		return &v, nil
	case *checkpoint.Data:
		return v, nil
	case checkpoint.Record:
		return &v.Data, nil
	case *checkpoint.Record:
		if v == nil {
			return nil, nil
		}
		return &v.Data, nil
	case map[string]any:
		if len(v) == 0 {
			return nil, nil
		}
		rec, err := recordFromMap(v)
		if err != nil {
			return nil, err
		}
		return &rec.Data, nil
	case []map[string]any:
		return latestOf(v)
	case []any:
		maps := make([]map[string]any, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: list item of type %T", checkpoint.ErrInvalidData, item)
			}
			maps = append(maps, m)
		}
		return latestOf(maps)
	default:
		return nil, fmt.Errorf("%w: result of type %T", checkpoint.ErrInvalidData, result)
	}
}

func latestOf(items []map[string]any) (*checkpoint.Data, error) {
	recs := make([]checkpoint.Record, 0, len(items))
	for _, m := range items {
		if len(m) == 0 {
			continue
		}
		rec, err := recordFromMap(m)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	rec, ok := checkpoint.SelectLatest(recs)
	if !ok {
		return nil, nil
	}
	return &rec.Data, nil
}

// recordFromMap decodes one checkpoint row. The data may be flat in the row
// or nested under "checkpoint_data".
func recordFromMap(m map[string]any) (checkpoint.Record, error) {
	src := m
	if nested, ok := m["checkpoint_data"].(map[string]any); ok {
		src = nested
	}
	data, err := checkpoint.FromMap(src)
	if err != nil {
		return checkpoint.Record{}, err
	}

	rec := checkpoint.Record{Data: data}
	rec.ID, _ = ExtractID(m["id"])
	rec.CreatedAt = toTime(m["created_at"])
	switch s := m["sequence"].(type) {
	case int64:
		rec.Sequence = s
	case int:
		rec.Sequence = int64(s)
	case float64:
		rec.Sequence = int64(s)
	}
	return rec, nil
}

func toTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed
		}
	case int64:
		return time.Unix(0, t).UTC()
	}
	return time.Time{}
}
