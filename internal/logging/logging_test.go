package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "text", &buf)

	logger.Info("channel established", KeyPeerID, "Qmabc")

	output := buf.String()
	if !strings.Contains(output, "channel established") {
		t.Errorf("expected output to contain the message, got: %s", output)
	}
	if !strings.Contains(output, "peer_id=Qmabc") {
		t.Errorf("expected output to contain peer_id attribute, got: %s", output)
	}
}

func TestNewLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "json", &buf)

	logger.Info("channel established", KeyCipher, "AES-256")

	output := buf.String()
	if !strings.Contains(output, `"msg":"channel established"`) {
		t.Errorf("expected JSON output with msg field, got: %s", output)
	}
	if !strings.Contains(output, `"cipher":"AES-256"`) {
		t.Errorf("expected JSON output with cipher field, got: %s", output)
	}
}

func TestNewLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("warn", "text", &buf)

	logger.Debug("noise")
	logger.Info("more noise")
	if buf.Len() != 0 {
		t.Errorf("below-level records were emitted: %s", buf.String())
	}

	logger.Warn("decode failed")
	if !strings.Contains(buf.String(), "decode failed") {
		t.Error("warn record was filtered at warn level")
	}
}

func TestNewLoggerUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("verbose", "text", &buf)

	logger.Debug("hidden")
	logger.Info("visible")

	output := buf.String()
	if strings.Contains(output, "hidden") {
		t.Error("debug record leaked through the info default")
	}
	if !strings.Contains(output, "visible") {
		t.Error("info record missing with the info default")
	}
}

func TestNopLogger(t *testing.T) {
	// Must not panic and must not write anywhere observable.
	NopLogger().Error("dropped", KeyError, "boom")
}
