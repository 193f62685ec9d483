package fanout

import (
	"context"
	"encoding/json"
	"testing"
)

func testMQTTBroker(t *testing.T) (*MQTTBroker, *Hub) {
	t.Helper()
	hub := NewHub(8, nil, quietLogger())
	t.Cleanup(func() { _ = hub.Close() })
	return &MQTTBroker{cfg: MQTTConfig{TopicPrefix: "triage/stream"}, hub: hub, logger: quietLogger()}, hub
}

func TestMQTTBroker_TopicRoundTrip(t *testing.T) {
	b, _ := testMQTTBroker(t)
	for _, thread := range []string{"t1", "user/42", "a+b#c", "ümlaut thread"} {
		topic := b.topic(ChannelName(thread))
		if got := topic[len("triage/stream/"):]; containsAny(got, "/+#") {
			t.Errorf("topic level %q for %q contains MQTT separators", got, thread)
		}
		channel, ok := b.channelFor(topic)
		if !ok || channel != ChannelName(thread) {
			t.Errorf("channelFor(%q) = %q, %v", topic, channel, ok)
		}
	}

	for _, topic := range []string{"other/prefix/x", "triage/stream/", "triage/stream/a/b"} {
		if _, ok := b.channelFor(topic); ok {
			t.Errorf("channelFor(%q) accepted", topic)
		}
	}
}

func TestMQTTBroker_InboundRoutesToLocalSubscribers(t *testing.T) {
	b, hub := testMQTTBroker(t)
	sub, _ := hub.Subscribe(context.Background(), ChannelName("t1"))
	defer sub.Close()

	payload, _ := json.Marshal(MessageEvent(MessageData{ID: "m1", Role: "tool", Content: "[]"}))
	b.handleInbound(b.topic(ChannelName("t1")), payload)
	b.handleInbound(b.topic(ChannelName("t1")), []byte("not json"))
	b.handleInbound(b.topic(ChannelName("t2")), payload)
	done, _ := json.Marshal(DoneEvent())
	b.handleInbound(b.topic(ChannelName("t1")), done)

	var types []string
	for ev := range sub.Events() {
		types = append(types, ev.Type)
	}
	if len(types) != 2 || types[0] != TypeMessage || types[1] != TypeDone {
		t.Errorf("types = %v", types)
	}
}

func containsAny(s, chars string) bool {
	for _, c := range chars {
		for _, r := range s {
			if r == c {
				return true
			}
		}
	}
	return false
}
