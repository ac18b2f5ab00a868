package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamedModules(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, InitWriter(Logging{Env: "prod", Level: "debug"}, &buf))

	l := GetLogger("index").Named("migrate")
	assert.Equal(t, "INDEX.MIGRATE", l.Module())

	l.Info().Str("outer", "p/1").Msg("moved")

	var event map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &event))
	assert.Equal(t, "INDEX.MIGRATE", event["module"])
	assert.Equal(t, "moved", event["message"])
	assert.Equal(t, "p/1", event["outer"])
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, InitWriter(Logging{Level: "warn"}, &buf))

	GetLogger("x").Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	GetLogger("x").Warn().Msg("shown")
	assert.NotZero(t, buf.Len())
}

func TestInvalidLevel(t *testing.T) {
	assert.Error(t, InitWriter(Logging{Level: "loud"}, &bytes.Buffer{}))
}
