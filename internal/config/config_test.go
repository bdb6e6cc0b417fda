package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseValidConfig() *Config {
	return &Config{
		ServerPort:   8099,
		ServerHost:   "0.0.0.0",
		DatabasePath: "./data/convergence.db",
		LogLevel:     "info",
	}
}

func TestValidate_Valid(t *testing.T) {
	cfg := baseValidConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := baseValidConfig()
	cfg.ServerPort = 0
	err := cfg.Validate()
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Error(), "invalid PORT")
}

func TestValidate_EmptyDatabasePath(t *testing.T) {
	cfg := baseValidConfig()
	cfg.DatabasePath = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_PATH")
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := baseValidConfig()
	cfg.LogLevel = "not-a-level"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid LOG_LEVEL")
}

func TestValidate_InvalidForbiddenHour(t *testing.T) {
	cfg := baseValidConfig()
	cfg.DefaultForbiddenHours = []int{5, 24}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OSTIUM_FORBIDDEN_HOURS")
}

func TestValidate_AggregatesMultipleErrors(t *testing.T) {
	cfg := &Config{ServerPort: -1, DatabasePath: "", LogLevel: "bogus"}
	err := cfg.Validate()
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Errors, 3)
}

func TestParseCSV(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, parseCSV(" a , b "))
	assert.Equal(t, []string{}, parseCSV(""))
}

func TestParseHours(t *testing.T) {
	assert.Equal(t, []int{0, 1, 23}, parseHours("0,1,23"))
	assert.Nil(t, parseHours(""))
}

func TestMarginSpecEnvVar(t *testing.T) {
	assert.Equal(t, "WEBHOOK_MARGIN_AMOUNT_abc123", MarginSpecEnvVar("abc123"))
}
