package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlerRenamesKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo))
	logger.Info("escrow resolved", "escrow", "ab12")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "escrow resolved", line["message"])
	require.Equal(t, "INFO", line["severity"])
	require.Contains(t, line, "timestamp")
	require.Equal(t, "ab12", line["escrow"])
}

func TestHandlerHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelWarn))
	logger.Info("dropped")
	require.Zero(t, buf.Len())
}

func TestMaskFieldRedactsURIs(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("uri", "ipfs://secret").Value.String())
	require.Equal(t, "ab12", MaskField("escrow", "ab12").Value.String())
	require.Equal(t, "", MaskField("uri", "").Value.String())
}

func TestAllowlistIsSorted(t *testing.T) {
	keys := RedactionAllowlist()
	for i := 1; i < len(keys); i++ {
		require.Less(t, keys[i-1], keys[i])
	}
	require.NotContains(t, keys, "uri")
}
