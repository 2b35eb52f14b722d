package catalog_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"astro-studio-backend/internal/catalog"
	"astro-studio-backend/internal/models"
)

func validDeclaration() string {
	return `{
		"version": "1.0",
		"channels": {
			"red":   {"filter": "F656N", "stretch": 0.25, "weight": 1.0},
			"green": {"filter": "F502N", "stretch": 0.25, "weight": 1.0},
			"blue":  {"filter": "F502N", "stretch": 0.25, "weight": 0.8}
		},
		"steps": [
			{"name": "stack channels", "type": "stack"},
			{"name": "auto stretch", "type": "stretch"},
			{"name": "compose rgb", "type": "compose"},
			{"name": "export png", "type": "export"}
		]
	}`
}

func TestParsePresetParams(t *testing.T) {
	params, err := catalog.ParsePresetParams(json.RawMessage(validDeclaration()))
	require.NoError(t, err)
	assert.Equal(t, "1.0", params.Version)
	assert.Equal(t, "F656N", params.Channels["red"].Filter)
	assert.Equal(t, 0.8, params.Channels["blue"].Weight)
	require.Len(t, params.Steps, 4)
	assert.Equal(t, "stack", params.Steps[0].Type)
}

func TestParsePresetParamsRejects(t *testing.T) {
	cases := map[string]string{
		"not json":          `{`,
		"missing version":   `{"channels": {"red": {"filter": "A"}, "green": {"filter": "B"}, "blue": {"filter": "C"}}}`,
		"missing channels":  `{"version": "1.0"}`,
		"missing blue":      `{"version": "1.0", "channels": {"red": {"filter": "A"}, "green": {"filter": "B"}}}`,
		"empty filter":      `{"version": "1.0", "channels": {"red": {"filter": ""}, "green": {"filter": "B"}, "blue": {"filter": "C"}}}`,
		"negative weight":   `{"version": "1.0", "channels": {"red": {"filter": "A", "weight": -1}, "green": {"filter": "B"}, "blue": {"filter": "C"}}}`,
		"unknown step type": `{"version": "1.0", "channels": {"red": {"filter": "A"}, "green": {"filter": "B"}, "blue": {"filter": "C"}}, "steps": [{"name": "x", "type": "deconvolve"}]}`,
		"unnamed step":      `{"version": "1.0", "channels": {"red": {"filter": "A"}, "green": {"filter": "B"}, "blue": {"filter": "C"}}, "steps": [{"type": "stack"}]}`,
	}
	for name, raw := range cases {
		_, err := catalog.ParsePresetParams(json.RawMessage(raw))
		assert.Error(t, err, name)
	}
}

func TestFilterCodesDeduped(t *testing.T) {
	params, err := catalog.ParsePresetParams(json.RawMessage(validDeclaration()))
	require.NoError(t, err)
	assert.Equal(t, []string{"F656N", "F502N"}, params.FilterCodes())
}

func TestDetectFilterCode(t *testing.T) {
	filters := []models.Filter{
		{Code: "F090W"},
		{Code: "F187N"},
		{Code: "F90"},
	}

	assert.Equal(t, "F090W",
		catalog.DetectFilterCode("jw02739-o001_t001_nircam_clear-f090w_i2d.fits", filters))
	assert.Equal(t, "F187N",
		catalog.DetectFilterCode("JW02739_F187N_CAL.FITS", filters))
	assert.Equal(t, "", catalog.DetectFilterCode("hst_wfc3_f656n.fits", filters))
}

func TestDetectFilterCodePrefersLongestMatch(t *testing.T) {
	filters := []models.Filter{
		{Code: "F09"},
		{Code: "F090W"},
	}
	assert.Equal(t, "F090W", catalog.DetectFilterCode("clear-f090w_i2d.fits", filters))
}
