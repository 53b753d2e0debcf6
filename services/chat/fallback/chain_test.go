// Copyright (C) 2025 Coveline AI (dev@coveline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fallback

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CovelineAI/CovelineChat/services/chat/datatypes"
	"github.com/CovelineAI/CovelineChat/services/llm"
)

// =============================================================================
// Fakes
// =============================================================================

// fakeAgent is a scriptable Agent for chain tests.
type fakeAgent struct {
	name      string
	isDefault bool
	reply     string
	err       error
	panics    bool
	calls     int
}

func (a *fakeAgent) Name() string    { return a.name }
func (a *fakeAgent) IsDefault() bool { return a.isDefault }
func (a *fakeAgent) ModelID() string { return "fake-model" }

func (a *fakeAgent) Invoke(_ context.Context, _ []llm.Message) (string, error) {
	a.calls++
	if a.panics {
		panic("agent runtime blew up")
	}
	return a.reply, a.err
}

// fakeClient is a scriptable LLMClient for chain tests.
type fakeClient struct {
	chatReply     string
	chatErr       error
	generateReply string
	generateErr   error
	chatCalls     int
	generateCalls int
}

func (c *fakeClient) Chat(_ context.Context, _ []llm.Message, _ llm.GenerationParams) (string, error) {
	c.chatCalls++
	return c.chatReply, c.chatErr
}

func (c *fakeClient) Generate(_ context.Context, _ string, _ llm.GenerationParams) (string, error) {
	c.generateCalls++
	return c.generateReply, c.generateErr
}

func (c *fakeClient) ModelID() string { return "fake-model" }

func registryWith(t *testing.T, agents ...llm.Agent) *llm.AgentRegistry {
	t.Helper()
	reg := llm.NewAgentRegistry()
	for _, a := range agents {
		require.NoError(t, reg.Register(a))
	}
	return reg
}

func window(content string) []llm.Message {
	return []llm.Message{{Role: llm.RoleUser, Content: content}}
}

// =============================================================================
// Resolve
// =============================================================================

// TestResolve_Ordering verifies the fixed strategy priority: orchestrator,
// named agent, raw runtime, bare completion.
func TestResolve_Ordering(t *testing.T) {
	orch := &fakeAgent{name: llm.OrchestratorAgentName}
	def := &fakeAgent{name: "assistant", isDefault: true}

	gctx := &GenerationContext{
		MultiAgent: true,
		Registry:   registryWith(t, orch, def),
		Client:     &fakeClient{},
	}

	strategies := Resolve(gctx)
	require.Len(t, strategies, 4)
	assert.Equal(t, KindOrchestrator, strategies[0].Kind)
	assert.Equal(t, KindNamedAgent, strategies[1].Kind)
	assert.Equal(t, KindRawRuntime, strategies[2].Kind)
	assert.Equal(t, KindBareCompletion, strategies[3].Kind)

	// The top strategy carries no degradation notice; the rest do.
	assert.Empty(t, strategies[0].Notice)
	assert.NotEmpty(t, strategies[1].Notice)
	assert.NotEmpty(t, strategies[2].Notice)
	assert.NotEmpty(t, strategies[3].Notice)
}

// TestResolve_NoOrchestratorWithoutMultiAgent verifies the orchestrator path
// requires both the flag and the registered agent.
func TestResolve_NoOrchestratorWithoutMultiAgent(t *testing.T) {
	def := &fakeAgent{name: "assistant", isDefault: true}

	strategies := Resolve(&GenerationContext{
		MultiAgent: false,
		Registry:   registryWith(t, def, &fakeAgent{name: llm.OrchestratorAgentName}),
		Client:     &fakeClient{},
	})

	require.NotEmpty(t, strategies)
	assert.Equal(t, KindNamedAgent, strategies[0].Kind)
	assert.Empty(t, strategies[0].Notice)
}

// =============================================================================
// Run
// =============================================================================

// TestChain_Run_FirstStrategyAnswers verifies the happy path: the top
// strategy answers and no fallback fires.
func TestChain_Run_FirstStrategyAnswers(t *testing.T) {
	def := &fakeAgent{name: "assistant", isDefault: true, reply: "the answer"}
	client := &fakeClient{}

	answer := NewChain().Run(context.Background(), &GenerationContext{
		Window:   window("question"),
		Registry: registryWith(t, def),
		Client:   client,
	})

	assert.Equal(t, "the answer", answer.Text)
	assert.Equal(t, string(KindNamedAgent), answer.Mode)
	assert.Equal(t, "assistant", answer.AgentName)
	assert.Empty(t, answer.Notice)
	assert.Equal(t, 0, client.chatCalls)
	assert.Equal(t, 0, client.generateCalls)
}

// TestChain_Run_AdvancesPastFailures verifies that errors and empty answers
// both advance the chain, and the answering fallback carries its notice.
func TestChain_Run_AdvancesPastFailures(t *testing.T) {
	tests := []struct {
		name  string
		agent *fakeAgent
	}{
		{"agent error", &fakeAgent{name: "assistant", isDefault: true, err: errors.New("runtime down")}},
		{"empty answer", &fakeAgent{name: "assistant", isDefault: true, reply: "   "}},
		{"agent panic", &fakeAgent{name: "assistant", isDefault: true, panics: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeClient{chatReply: "runtime answer"}

			answer := NewChain().Run(context.Background(), &GenerationContext{
				Window:   window("question"),
				Registry: registryWith(t, tt.agent),
				Client:   client,
			})

			assert.Equal(t, "runtime answer", answer.Text)
			assert.Equal(t, string(KindRawRuntime), answer.Mode)
			assert.NotEmpty(t, answer.Notice)
			assert.Equal(t, 1, tt.agent.calls)
		})
	}
}

// TestChain_Run_BareCompletionLastResort verifies the chain falls all the
// way through to a single-prompt completion built from the last user entry.
func TestChain_Run_BareCompletionLastResort(t *testing.T) {
	def := &fakeAgent{name: "assistant", isDefault: true, err: errors.New("down")}
	client := &fakeClient{chatErr: errors.New("down"), generateReply: "bare answer"}

	answer := NewChain().Run(context.Background(), &GenerationContext{
		Window:   window("question"),
		Registry: registryWith(t, def),
		Client:   client,
	})

	assert.Equal(t, "bare answer", answer.Text)
	assert.Equal(t, string(KindBareCompletion), answer.Mode)
	assert.Equal(t, 1, client.generateCalls)
}

// TestChain_Run_ApologyWhenEverythingFails verifies totality: with every
// strategy failing the chain still produces a non-empty terminal answer.
func TestChain_Run_ApologyWhenEverythingFails(t *testing.T) {
	def := &fakeAgent{name: "assistant", isDefault: true, panics: true}
	client := &fakeClient{chatErr: errors.New("down"), generateErr: errors.New("down")}

	answer := NewChain().Run(context.Background(), &GenerationContext{
		Window:   window("question"),
		Registry: registryWith(t, def),
		Client:   client,
	})

	assert.Equal(t, ApologyText, answer.Text)
	assert.Equal(t, "apology", answer.Mode)
	assert.NotEmpty(t, answer.Notice)
	assert.Empty(t, answer.AgentName)
}

// TestChain_Run_NoStrategiesAtAll verifies the apology also covers a context
// with neither registry nor client.
func TestChain_Run_NoStrategiesAtAll(t *testing.T) {
	answer := NewChain().Run(context.Background(), &GenerationContext{Window: window("question")})

	assert.Equal(t, ApologyText, answer.Text)
	assert.Equal(t, "apology", answer.Mode)
}

// TestChain_Run_DrainsToolLog verifies that an agent answer converts the
// turn's tool calls into agent citations and clears the log.
func TestChain_Run_DrainsToolLog(t *testing.T) {
	def := &fakeAgent{name: "assistant", isDefault: true, reply: "done"}
	toolLog := llm.NewToolInvocationLog()
	toolLog.Record("alice", "conv-1", llm.ToolCall{Tool: "calculator", Argument: "2+2"})
	toolLog.Record("alice", "conv-1", llm.ToolCall{Tool: "search", Argument: "refunds"})
	// A different conversation's calls must not leak in.
	toolLog.Record("alice", "conv-2", llm.ToolCall{Tool: "other", Argument: "x"})

	answer := NewChain().Run(context.Background(), &GenerationContext{
		Principal:      "alice",
		ConversationID: "conv-1",
		Window:         window("question"),
		Registry:       registryWith(t, def),
		ToolLog:        toolLog,
	})

	require.Len(t, answer.AgentCitations, 2)
	assert.Equal(t, "calculator", answer.AgentCitations[0].FileName)
	assert.Equal(t, datatypes.WorkspaceScope("tool"), answer.AgentCitations[0].Scope)
	assert.Contains(t, answer.AgentCitations[0].Classification, "tool_call@")

	// Drained: a second turn sees nothing.
	assert.Empty(t, toolLog.Drain("alice", "conv-1"))
	// The other conversation's entries survive.
	assert.Len(t, toolLog.Drain("alice", "conv-2"), 1)
}

// TestChain_Run_DiscardsToolCallsOfFailedAgent verifies that tool calls made
// by an agent strategy that did not answer are dropped: they must not attach
// to the fallback's answer, and they must not survive into the next turn.
func TestChain_Run_DiscardsToolCallsOfFailedAgent(t *testing.T) {
	def := &fakeAgent{name: "assistant", isDefault: true, err: errors.New("runtime down")}
	client := &fakeClient{chatReply: "runtime answer"}
	toolLog := llm.NewToolInvocationLog()
	toolLog.Record("alice", "conv-1", llm.ToolCall{Tool: "calculator", Argument: "2+2"})

	gctx := &GenerationContext{
		Principal:      "alice",
		ConversationID: "conv-1",
		Window:         window("question"),
		Registry:       registryWith(t, def),
		Client:         client,
		ToolLog:        toolLog,
	}
	answer := NewChain().Run(context.Background(), gctx)

	assert.Equal(t, "runtime answer", answer.Text)
	assert.Empty(t, answer.AgentCitations, "a non-agent answer carries no tool citations")
	assert.Empty(t, toolLog.Drain("alice", "conv-1"),
		"the failed agent's calls must not linger for a later turn")

	// A clean second turn through the same log sees only its own calls.
	def2 := &fakeAgent{name: "assistant", isDefault: true, reply: "done"}
	toolLog.Record("alice", "conv-1", llm.ToolCall{Tool: "search", Argument: "refunds"})
	answer2 := NewChain().Run(context.Background(), &GenerationContext{
		Principal:      "alice",
		ConversationID: "conv-1",
		Window:         window("again"),
		Registry:       registryWith(t, def2),
		ToolLog:        toolLog,
	})
	require.Len(t, answer2.AgentCitations, 1)
	assert.Equal(t, "search", answer2.AgentCitations[0].FileName)
}

// TestLastUserContent verifies prompt extraction for bare completion.
func TestLastUserContent(t *testing.T) {
	win := []llm.Message{
		{Role: llm.RoleSystem, Content: "grounding"},
		{Role: llm.RoleUser, Content: "first"},
		{Role: llm.RoleAssistant, Content: "reply"},
		{Role: llm.RoleUser, Content: "latest"},
	}
	assert.Equal(t, "latest", lastUserContent(win))
	assert.Equal(t, "", lastUserContent(nil))
}
