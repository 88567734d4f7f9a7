package engine

import (
	"encoding/json"

	"github.com/codythatsme/i-migrate-sub000/internal/models"
)

// Transform maps one raw source record through a job's field mappings. The
// output holds, for every mapping with a non-nil destination field, the
// source value when it is a representable scalar or a recognized binary-blob
// wrapper; any other shape is silently dropped. Missing source fields and
// nil destinations are the steady state, not faults.
func Transform(record map[string]interface{}, mappings []models.FieldMapping) map[string]interface{} {
	out := make(map[string]interface{}, len(mappings))
	for _, mapping := range mappings {
		if mapping.DestinationField == nil {
			continue
		}
		value, ok := record[mapping.SourceField]
		if !ok {
			continue
		}
		if representable(value) {
			out[*mapping.DestinationField] = value
		}
	}
	return out
}

func representable(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string, bool, json.Number:
		return true
	case float64, float32, int, int32, int64:
		return true
	case map[string]interface{}:
		return isBlobWrapper(v)
	default:
		return false
	}
}

// isBlobWrapper recognizes the platform's wire shape for binary values: an
// object carrying a $type marker and a base64 $value string.
func isBlobWrapper(m map[string]interface{}) bool {
	typeName, ok := m["$type"].(string)
	if !ok || typeName == "" {
		return false
	}
	_, ok = m["$value"].(string)
	return ok
}
