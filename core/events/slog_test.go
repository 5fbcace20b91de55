package events

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"tradeescrow/core/types"
)

type testEvent struct {
	payload *types.Event
}

func (e testEvent) EventType() string   { return e.payload.Type }
func (e testEvent) Event() *types.Event { return e.payload }

type bareEvent struct{}

func (bareEvent) EventType() string { return "bare.event" }

func TestLogEmitterWritesAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	emitter := LogEmitter{Logger: logger}

	emitter.Emit(testEvent{payload: &types.Event{
		Type:       "trade.created",
		Attributes: map[string]string{"tradeId": "abc123"},
	}})

	out := buf.String()
	if !strings.Contains(out, `"event":"trade.created"`) {
		t.Fatalf("missing event type in log output: %s", out)
	}
	if !strings.Contains(out, `"tradeId":"abc123"`) {
		t.Fatalf("missing event attribute in log output: %s", out)
	}
}

func TestLogEmitterHandlesBareEvents(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	emitter := LogEmitter{Logger: logger}

	emitter.Emit(bareEvent{})
	if !strings.Contains(buf.String(), `"event":"bare.event"`) {
		t.Fatalf("missing event type in log output: %s", buf.String())
	}

	emitter.Emit(nil)
}
