package obs

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogRequestStampsServiceName(t *testing.T) {
	logger := Logger()
	origWriter := logger.Writer()
	logger.SetFlags(0)

	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(origWriter)

	LogRequest(map[string]any{"msg": "request_complete"})

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("log is not valid JSON: %v", err)
	}
	if entry["service"] != "taskpool-api" {
		t.Fatalf("unexpected service field: %v", entry["service"])
	}

	// An explicit service field wins over the stamp.
	buf.Reset()
	LogRequest(map[string]any{"msg": "request_complete", "service": "other"})
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("log is not valid JSON: %v", err)
	}
	if entry["service"] != "other" {
		t.Fatalf("expected explicit service preserved, got %v", entry["service"])
	}
}
