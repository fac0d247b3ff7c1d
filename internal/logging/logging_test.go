package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestFor_TagsComponent(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter("debug", false, &buf)

	l := For("matcher")
	l.Info().Msg("hello")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if line["component"] != "matcher" {
		t.Errorf("expected component=matcher, got %v", line["component"])
	}
	if line["message"] != "hello" {
		t.Errorf("expected message=hello, got %v", line["message"])
	}
}

func TestSetup_UnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter("loud", false, &buf)
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Errorf("expected info level, got %s", zerolog.GlobalLevel())
	}
}

func TestFromContext_FallsBackToGlobal(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter("info", false, &buf)

	FromContext(context.Background()).Info().Msg("fallback")
	if buf.Len() == 0 {
		t.Fatal("expected the global logger to write")
	}

	buf.Reset()
	scoped := zerolog.New(&buf).With().Str("trace_id", "abc").Logger()
	FromContext(scoped.WithContext(context.Background())).Info().Msg("scoped")
	if !bytes.Contains(buf.Bytes(), []byte(`"trace_id":"abc"`)) {
		t.Errorf("expected scoped logger output, got %q", buf.String())
	}
}
