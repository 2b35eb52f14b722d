package archive_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"astro-studio-backend/internal/archive"
)

func TestParseRA(t *testing.T) {
	ra, err := archive.ParseRA("18:18:48")
	require.NoError(t, err)
	assert.InDelta(t, 274.7, ra, 1e-9)

	ra, err = archive.ParseRA("0:00:00")
	require.NoError(t, err)
	assert.Equal(t, 0.0, ra)

	ra, err = archive.ParseRA("12:30")
	require.NoError(t, err)
	assert.InDelta(t, 187.5, ra, 1e-9)
}

func TestParseRAInvalid(t *testing.T) {
	for _, value := range []string{"", "24:00:00", "-1:00:00", "12", "12:61:00", "12:00:00:00", "ab:cd:ef"} {
		_, err := archive.ParseRA(value)
		assert.Error(t, err, "value %q", value)
	}
}

func TestParseDec(t *testing.T) {
	dec, err := archive.ParseDec("-13:49:00")
	require.NoError(t, err)
	assert.InDelta(t, -13.816666666, dec, 1e-6)

	dec, err = archive.ParseDec("41:16:09")
	require.NoError(t, err)
	assert.InDelta(t, 41.269166666, dec, 1e-6)

	dec, err = archive.ParseDec("-0:30")
	require.NoError(t, err)
	assert.InDelta(t, -0.5, dec, 1e-9)
}

func TestParseDecInvalid(t *testing.T) {
	for _, value := range []string{"", "91:00:00", "-91:00:00", "10", "10:60:00", "10:00:60"} {
		_, err := archive.ParseDec(value)
		assert.Error(t, err, "value %q", value)
	}
}
