package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/warden/pkg/api"
)

// Intake bodies are schema-checked before the core pipelines see them, so
// malformed submissions fail with one stable code instead of leaking decoder
// errors. Semantic validation (timestamps, taxonomy, hashes) stays in the
// cores; the schemas only pin structure.

const eventBatchSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["payload_id", "tenant_id", "asset_id", "schema_version", "events"],
	"properties": {
		"payload_id": {"type": "string", "minLength": 1},
		"tenant_id": {"type": "string", "minLength": 1},
		"asset_id": {"type": "string", "minLength": 1},
		"schema_version": {"type": "string"},
		"events": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["event_id", "event_category", "event_type", "sequence_number", "timestamp_local"],
				"properties": {
					"event_id": {"type": "string", "minLength": 1},
					"event_category": {"type": "string"},
					"event_type": {"type": "string", "minLength": 1},
					"sequence_number": {"type": "integer"},
					"timestamp_local": {"type": "string"},
					"payload_hash": {"type": "string"},
					"severity": {"type": "string"},
					"source_module": {"type": "string"},
					"trust_level": {"type": "string"}
				}
			}
		}
	}
}`

const telemetrySchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["payload_id", "tenant_id", "asset_id", "collected_at", "schema_version"],
	"properties": {
		"payload_id": {"type": "string", "minLength": 1},
		"tenant_id": {"type": "string", "minLength": 1},
		"asset_id": {"type": "string", "minLength": 1},
		"collected_at": {"type": "string"},
		"schema_version": {"type": "string"},
		"samples": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["metric_name", "unit", "value", "observed_at"],
				"properties": {
					"metric_name": {"type": "string", "minLength": 1},
					"unit": {"type": "string"},
					"value": {"type": "number"},
					"observed_at": {"type": "string"}
				}
			}
		}
	}
}`

var (
	compiledEventBatch = jsonschema.MustCompileString("events/batch-v1.json", eventBatchSchema)
	compiledTelemetry  = jsonschema.MustCompileString("telemetry/payload-v1.json", telemetrySchema)
)

// validateBody checks the raw body against a compiled schema and decodes it
// into dst on success.
func validateBody(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema, dst any) bool {
	raw, err := api.ReadBody(r)
	if err != nil {
		api.WriteCode(w, r, http.StatusBadRequest, "body_read_failed", "request body could not be read")
		return false
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		api.WriteCode(w, r, http.StatusBadRequest, "payload_not_json", "request body is not valid JSON")
		return false
	}

	if err := schema.Validate(doc); err != nil {
		api.WriteCode(w, r, http.StatusBadRequest, "schema_validation_failed", fmt.Sprintf("payload does not match schema: %v", err))
		return false
	}

	if err := json.Unmarshal(raw, dst); err != nil {
		api.WriteCode(w, r, http.StatusBadRequest, "payload_not_json", "request body could not be decoded")
		return false
	}
	return true
}
