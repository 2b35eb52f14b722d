package catalog

import (
	"encoding/json"
	"fmt"
)

// PresetChannel assigns one filter to an output channel.
type PresetChannel struct {
	Filter  string  `json:"filter"`
	Stretch float64 `json:"stretch"`
	Weight  float64 `json:"weight"`
}

// PresetStep is one entry of a preset's ordered step list. The step kind
// set is closed; params stay an open map validated by the consumer.
type PresetStep struct {
	Name   string         `json:"name"`
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

var knownStepTypes = map[string]bool{
	"stack":   true,
	"stretch": true,
	"compose": true,
	"export":  true,
}

// PresetParams is the persisted preset declaration, consumed verbatim by
// the stretch engine.
type PresetParams struct {
	Version  string                   `json:"version"`
	Channels map[string]PresetChannel `json:"channels"`
	Steps    []PresetStep             `json:"steps,omitempty"`
}

var channelNames = []string{"red", "green", "blue"}

// ParsePresetParams decodes and validates a preset declaration. Unknown
// step types and missing required fields are rejected at load.
func ParsePresetParams(raw json.RawMessage) (*PresetParams, error) {
	var params PresetParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("invalid preset declaration: %w", err)
	}
	if params.Version == "" {
		return nil, fmt.Errorf("invalid preset declaration: missing version")
	}
	if len(params.Channels) == 0 {
		return nil, fmt.Errorf("invalid preset declaration: missing channels")
	}
	for _, name := range channelNames {
		ch, ok := params.Channels[name]
		if !ok {
			return nil, fmt.Errorf("invalid preset declaration: missing channel %q", name)
		}
		if ch.Filter == "" {
			return nil, fmt.Errorf("invalid preset declaration: channel %q has no filter", name)
		}
		if ch.Weight < 0 {
			return nil, fmt.Errorf("invalid preset declaration: channel %q has negative weight", name)
		}
	}
	for i, step := range params.Steps {
		if step.Name == "" || step.Type == "" {
			return nil, fmt.Errorf("invalid preset declaration: step %d missing name or type", i)
		}
		if !knownStepTypes[step.Type] {
			return nil, fmt.Errorf("invalid preset declaration: unknown step type %q", step.Type)
		}
	}
	return &params, nil
}

// FilterCodes returns the distinct filter codes the preset references.
func (p *PresetParams) FilterCodes() []string {
	seen := make(map[string]bool)
	var codes []string
	for _, name := range channelNames {
		ch := p.Channels[name]
		if !seen[ch.Filter] {
			seen[ch.Filter] = true
			codes = append(codes, ch.Filter)
		}
	}
	return codes
}
