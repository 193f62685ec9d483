package fanout

import (
	"encoding/json"
	"testing"

	"github.com/nugget/triage-agent/internal/memory"
)

func TestEvent_WireFormat(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{"done", DoneEvent(), `{"type":"done","data":{}}`},
		{"error", ErrorEvent("reasoning unavailable"), `{"type":"error","data":{"message":"reasoning unavailable"}}`},
		{"token", MessageEvent(MessageData{ID: "m1", Role: "ai", Content: "Hel"}), `{"type":"message","data":{"id":"m1","role":"ai","content":"Hel"}}`},
		{"with run", Event{Type: TypeDone, RunID: "r1", Data: struct{}{}}, `{"type":"done","runId":"r1","data":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := json.Marshal(tt.ev)
			if err != nil {
				t.Fatal(err)
			}
			if string(b) != tt.want {
				t.Errorf("json = %s, want %s", b, tt.want)
			}
		})
	}
}

func TestEvent_UnmarshalTypedData(t *testing.T) {
	var ev Event
	if err := json.Unmarshal([]byte(`{"type":"message","data":{"id":"m2","role":"ai","content":"","tool_calls":[{"id":"c1","name":"classify_ticket","arguments":"{}"}]}}`), &ev); err != nil {
		t.Fatal(err)
	}
	d, ok := ev.Data.(MessageData)
	if !ok || d.ID != "m2" || len(d.ToolCalls) != 1 || d.ToolCalls[0] != (memory.ToolCall{ID: "c1", Name: "classify_ticket", Arguments: "{}"}) {
		t.Errorf("data = %#v", ev.Data)
	}

	if err := json.Unmarshal([]byte(`{"type":"error","runId":"r9","data":{"message":"x"}}`), &ev); err != nil {
		t.Fatal(err)
	}
	if !ev.Terminal() || ev.RunID != "r9" || ev.Data.(ErrorData).Message != "x" {
		t.Errorf("error event = %+v", ev)
	}

	if err := json.Unmarshal([]byte(`{"type":"bogus","data":{}}`), &ev); err == nil {
		t.Error("unknown type accepted")
	}
}
