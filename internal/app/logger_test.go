package app

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSONCarriesServiceAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, &Config{AppEnv: "staging", LogFormat: "json", LogLevel: "warn"})

	logger.Info("dropped")
	require.Zero(t, buf.Len())

	logger.Warn("negative stock")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "negative stock", line["msg"])
	require.Equal(t, "stockledger", line["service"])
	require.Equal(t, "staging", line["env"])
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, "DEBUG", parseLevel("debug").String())
	require.Equal(t, "ERROR", parseLevel("ERROR").String())
	require.Equal(t, "INFO", parseLevel("verbose").String())
}
