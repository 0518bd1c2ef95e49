// Package errorlog keeps the append-only history of failed processing
// attempts attached to a document.
package errorlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Lllllllleong/ragdocumentflow/internal/models"
)

// History is an error history as it was stored. Older rows hold a single
// record object instead of a sequence; Legacy carries that shape until the
// next append rewrites it as a sequence.
type History struct {
	Records []models.ErrorRecord
	Legacy  *models.ErrorRecord
}

// Of wraps an already normalised sequence.
func Of(records []models.ErrorRecord) History {
	return History{Records: records}
}

// IsLegacy reports whether the stored value was a single object.
func (h History) IsLegacy() bool {
	return h.Legacy != nil
}

// Normalize returns the history as a sequence. A legacy object becomes a
// one-element sequence with attempt 1.
func (h History) Normalize() []models.ErrorRecord {
	if h.Legacy != nil {
		rec := *h.Legacy
		rec.Attempt = 1
		return []models.ErrorRecord{rec}
	}
	out := make([]models.ErrorRecord, len(h.Records))
	copy(out, h.Records)
	return out
}

// Len is the number of recorded failures.
func (h History) Len() int {
	if h.Legacy != nil {
		return 1
	}
	return len(h.Records)
}

// NextAttempt is the attempt number the next failure would be recorded as.
func (h History) NextAttempt() int {
	return h.Len() + 1
}

// Append adds rec to the stored history and returns the new sequence. The
// attempt number is derived from the existing entries and the timestamp is
// set to at. Nothing is ever removed or reordered.
func Append(stored History, rec models.ErrorRecord, at time.Time) []models.ErrorRecord {
	records := stored.Normalize()
	rec.Attempt = len(records) + 1
	rec.Timestamp = at
	return append(records, rec)
}

// Latest returns the most recent failure, if any.
func Latest(records []models.ErrorRecord) (models.ErrorRecord, bool) {
	if len(records) == 0 {
		return models.ErrorRecord{}, false
	}
	return records[len(records)-1], true
}

// FromJSON decodes a stored JSON value. It accepts null, an array of records
// or a single legacy record object.
func FromJSON(raw []byte) (History, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return History{}, nil
	}
	switch trimmed[0] {
	case '[':
		var records []models.ErrorRecord
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return History{}, fmt.Errorf("decode error history: %w", err)
		}
		return History{Records: records}, nil
	case '{':
		var legacy models.ErrorRecord
		if err := json.Unmarshal(trimmed, &legacy); err != nil {
			return History{}, fmt.Errorf("decode legacy error record: %w", err)
		}
		return History{Legacy: &legacy}, nil
	}
	return History{}, fmt.Errorf("decode error history: unexpected value %q", string(trimmed[:1]))
}

// MarshalRecords encodes a sequence for storage. A nil sequence is stored as
// an empty array.
func MarshalRecords(records []models.ErrorRecord) ([]byte, error) {
	if records == nil {
		records = []models.ErrorRecord{}
	}
	return json.Marshal(records)
}

// FromValue decodes a value read from a schemaless document store, where the
// history is either a list of maps or a single map.
func FromValue(v any) (History, error) {
	switch val := v.(type) {
	case nil:
		return History{}, nil
	case []models.ErrorRecord:
		return History{Records: val}, nil
	case []any:
		records := make([]models.ErrorRecord, 0, len(val))
		for i, item := range val {
			m, ok := item.(map[string]any)
			if !ok {
				return History{}, fmt.Errorf("decode error history: entry %d is %T", i, item)
			}
			rec, err := recordFromMap(m)
			if err != nil {
				return History{}, fmt.Errorf("decode error history: entry %d: %w", i, err)
			}
			records = append(records, rec)
		}
		return History{Records: records}, nil
	case map[string]any:
		rec, err := recordFromMap(val)
		if err != nil {
			return History{}, fmt.Errorf("decode legacy error record: %w", err)
		}
		return History{Legacy: &rec}, nil
	}
	return History{}, fmt.Errorf("decode error history: unsupported type %T", v)
}

func recordFromMap(m map[string]any) (models.ErrorRecord, error) {
	var rec models.ErrorRecord
	switch a := m["attempt"].(type) {
	case int64:
		rec.Attempt = int(a)
	case int:
		rec.Attempt = a
	case float64:
		rec.Attempt = int(a)
	}
	if s, ok := m["stage"].(string); ok {
		rec.Stage = models.ErrorStage(s)
	}
	if msg, ok := m["message"].(string); ok {
		rec.Message = msg
	}
	switch ts := m["timestamp"].(type) {
	case time.Time:
		rec.Timestamp = ts
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return rec, fmt.Errorf("timestamp: %w", err)
		}
		rec.Timestamp = parsed
	}
	return rec, nil
}
