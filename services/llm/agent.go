package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// OrchestratorAgentName is the reserved agent name used for multi-agent mode.
// The fallback chain only considers the multi-agent path when an agent with
// this exact name is registered.
const OrchestratorAgentName = "orchestrator"

// Agent is a named generation strategy that consumes a full chat transcript.
//
// Agents wrap anything from a plain prompt persona to an event-driven
// multi-step runtime. Whatever the implementation, Invoke must drive the
// runtime to completion synchronously and must not leak background resources
// when it returns an error.
type Agent interface {
	// Name returns the agent's unique registration name.
	Name() string

	// IsDefault reports whether this agent is the configured default.
	IsDefault() bool

	// Invoke runs the agent over the transcript and returns the answer text.
	Invoke(ctx context.Context, history []Message) (string, error)

	// ModelID returns the model identifier the agent generates with.
	ModelID() string
}

// =============================================================================
// Tool invocation log
// =============================================================================

// ToolCall records one tool/plugin invocation an agent made while generating.
type ToolCall struct {
	Tool      string    `json:"tool"`
	Argument  string    `json:"argument"`
	Result    string    `json:"result"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolInvocationLog collects tool calls per (principal, conversation) so a
// turn can convert them into citations after generation.
//
// The log must be drained once per turn; entries left behind would leak into
// a later turn's citations.
type ToolInvocationLog struct {
	mu      sync.Mutex
	entries map[string][]ToolCall
}

func NewToolInvocationLog() *ToolInvocationLog {
	return &ToolInvocationLog{entries: make(map[string][]ToolCall)}
}

func logKey(principal, conversationID string) string {
	return principal + "|" + conversationID
}

// Record appends a tool call for the given principal and conversation.
func (l *ToolInvocationLog) Record(principal, conversationID string, call ToolCall) {
	if call.Timestamp.IsZero() {
		call.Timestamp = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[logKey(principal, conversationID)] = append(l.entries[logKey(principal, conversationID)], call)
}

// Drain returns and clears all tool calls recorded for the given principal
// and conversation. Safe to call when nothing was recorded.
func (l *ToolInvocationLog) Drain(principal, conversationID string) []ToolCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := logKey(principal, conversationID)
	calls := l.entries[key]
	delete(l.entries, key)
	return calls
}

// =============================================================================
// Agent registry
// =============================================================================

// AgentRegistry holds the named agents available to the fallback chain.
//
// Registration happens once at startup; lookups are concurrent-safe.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents []Agent
}

func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{}
}

// Register adds an agent. Registering a duplicate name is an error.
func (r *AgentRegistry) Register(agent Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.agents {
		if a.Name() == agent.Name() {
			return fmt.Errorf("agent %q is already registered", agent.Name())
		}
	}
	r.agents = append(r.agents, agent)
	slog.Info("Registered agent", "name", agent.Name(), "default", agent.IsDefault())
	return nil
}

// Lookup returns the agent with the given name, or nil.
func (r *AgentRegistry) Lookup(name string) Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.agents {
		if a.Name() == name {
			return a
		}
	}
	return nil
}

// Select resolves the agent to use for a turn: explicit name first, then the
// agent flagged as default, then the first registered agent. Returns nil when
// no agents are registered or the explicit name is unknown and no fallback
// exists.
func (r *AgentRegistry) Select(name string) Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name != "" {
		for _, a := range r.agents {
			if a.Name() == name {
				return a
			}
		}
		slog.Warn("Requested agent not registered, falling back", "name", name)
	}
	for _, a := range r.agents {
		if a.IsDefault() {
			return a
		}
	}
	if len(r.agents) > 0 {
		return r.agents[0]
	}
	return nil
}

// Empty reports whether no agents are registered.
func (r *AgentRegistry) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents) == 0
}

// =============================================================================
// Persona agent
// =============================================================================

// PersonaAgent is the built-in Agent implementation: a named system persona
// over a plain LLM backend. It makes no tool calls.
type PersonaAgent struct {
	name      string
	persona   string
	isDefault bool
	client    LLMClient
}

func NewPersonaAgent(name, persona string, isDefault bool, client LLMClient) *PersonaAgent {
	return &PersonaAgent{name: name, persona: persona, isDefault: isDefault, client: client}
}

func (a *PersonaAgent) Name() string    { return a.name }
func (a *PersonaAgent) IsDefault() bool { return a.isDefault }
func (a *PersonaAgent) ModelID() string { return a.client.ModelID() }

func (a *PersonaAgent) Invoke(ctx context.Context, history []Message) (string, error) {
	messages := make([]Message, 0, len(history)+1)
	if a.persona != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: a.persona})
	}
	messages = append(messages, history...)
	return a.client.Chat(ctx, messages, GenerationParams{})
}

var _ Agent = (*PersonaAgent)(nil)
