package bus

import "testing"

func TestHookEventTopicsNonEmpty(t *testing.T) {
	if len(HookEvents) == 0 {
		t.Fatal("HookEvents should not be empty")
	}
	seen := make(map[string]bool)
	for _, topic := range HookEvents {
		if topic == "" {
			t.Fatal("hook event topic is empty")
		}
		if seen[topic] {
			t.Fatalf("duplicate hook event topic: %s", topic)
		}
		seen[topic] = true
	}
}

func TestMessageEventFields(t *testing.T) {
	ev := MessageEvent{ChatJID: "telegram:1", MessageID: "m1", SenderID: "u1", GroupFolder: "main", Content: "hi"}
	if ev.ChatJID == "" || ev.MessageID == "" {
		t.Fatal("expected populated message event")
	}
}

func TestAgentEventFields(t *testing.T) {
	ev := AgentEvent{ChatJID: "telegram:1", GroupFolder: "main", TraceID: "t1", Status: "ok"}
	if ev.Status != "ok" {
		t.Fatalf("unexpected status: %s", ev.Status)
	}
}
