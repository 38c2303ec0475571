package bus

// Hook Bus event topics: a fixed, closed set. emitHook fans
// these out to configured subprocess/WASM hooks; the bus additionally
// republishes them for any other in-process subscriber (telemetry, tests).
const (
	TopicMessageReceived  = "message.received"
	TopicMessageProcessed = "message.processing"
	TopicMessageResponded = "message.responded"
	TopicAgentStart       = "agent.start"
	TopicAgentComplete    = "agent.complete"
	TopicMemoryUpserted   = "memory.upserted"
)

// HookEvents lists every topic the Hook Bus will match a configured script
// against. Anything outside this set is an internal-only bus topic.
var HookEvents = []string{
	TopicMessageReceived,
	TopicMessageProcessed,
	TopicMessageResponded,
	TopicAgentStart,
	TopicAgentComplete,
	TopicJobSpawned,
	TopicJobCompleted,
	TopicTaskFired,
	TopicTaskCompleted,
	TopicMemoryUpserted,
}

// MessageEvent is the payload for message.* hook events.
type MessageEvent struct {
	ChatJID     string
	MessageID   string
	SenderID    string
	GroupFolder string
	Content     string
}

// AgentEvent is the payload for agent.* hook events.
type AgentEvent struct {
	ChatJID     string
	GroupFolder string
	TraceID     string
	Status      string
}

// MemoryUpsertedEvent is the payload for memory.upserted.
type MemoryUpsertedEvent struct {
	GroupFolder string
	Key         string
}
