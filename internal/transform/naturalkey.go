// Package transform promotes raw landed events into the normalized layer and
// refreshes reporting aggregates.
package transform

import (
	"fmt"
	"time"

	"github.com/scoutdata/pipeline/internal/pipeline"
)

// keyFields are tried in order; the first non-empty value wins.
var keyFields = []string{"transaction_id", "receipt_no", "source_ref"}

// NaturalKey derives a deterministic key for a raw payload. It falls back
// through identifier fields, then device_id combined with the event time, and
// finally a generated ID so that no event is ever dropped for lack of a key.
func NaturalKey(payload map[string]any, eventTime time.Time, ids pipeline.IDGenerator) (string, error) {
	for _, field := range keyFields {
		if v := stringField(payload, field); v != "" {
			return fmt.Sprintf("%s:%s", field, v), nil
		}
	}
	if device := stringField(payload, "device_id"); device != "" {
		return fmt.Sprintf("device:%s:%d", device, eventTime.UnixMilli()), nil
	}
	id, err := ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generating fallback key: %w", err)
	}
	return "generated:" + id, nil
}

func stringField(payload map[string]any, field string) string {
	v, ok := payload[field]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
