package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/petrijr/stepflow/pkg/api"
)

// Job payloads, contexts, memory data and step graphs are all JSON on the
// wire and in storage, so the codec is plain encoding/json. A nil value
// encodes to nil, and empty data decodes to the zero value.

// EncodeJSON serializes v, mapping nil to nil bytes.
func EncodeJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return data, nil
}

// DecodeMap deserializes data into a map, mapping empty data to nil.
func DecodeMap(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode json map: %w", err)
	}
	return m, nil
}

// DecodeStrings deserializes data into a string slice, mapping empty data
// to nil.
func DecodeStrings(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var s []string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode json strings: %w", err)
	}
	return s, nil
}

// EncodeGraph serializes a step graph snapshot.
func EncodeGraph(g api.StepGraph) ([]byte, error) {
	return json.Marshal(g)
}

// DecodeGraph deserializes a step graph snapshot.
func DecodeGraph(data []byte) (api.StepGraph, error) {
	var g api.StepGraph
	if len(data) == 0 {
		return g, nil
	}
	if err := json.Unmarshal(data, &g); err != nil {
		return g, fmt.Errorf("decode step graph: %w", err)
	}
	return g, nil
}

// EncodeSteps serializes a definition's step map.
func EncodeSteps(steps map[string]api.StepConfig) ([]byte, error) {
	return json.Marshal(steps)
}

// DecodeSteps deserializes a definition's step map.
func DecodeSteps(data []byte) (map[string]api.StepConfig, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var steps map[string]api.StepConfig
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	return steps, nil
}

// DecodePayload deserializes a job payload.
func DecodePayload(data []byte) (api.JobPayload, error) {
	var p api.JobPayload
	if len(data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode job payload: %w", err)
	}
	return p, nil
}
