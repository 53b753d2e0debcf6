// Copyright (C) 2025 Coveline AI (dev@coveline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fallback runs generation strategies in a fixed priority order
// until one produces an answer.
package fallback

import (
	"github.com/CovelineAI/CovelineChat/services/llm"
)

// StrategyKind is the tagged variant of a generation strategy. Selection is
// done by an explicit resolver over these variants, not by probing agent
// objects at runtime.
type StrategyKind string

const (
	// KindOrchestrator is the multi-agent orchestrator path.
	KindOrchestrator StrategyKind = "orchestrator"

	// KindNamedAgent is a single resolved agent.
	KindNamedAgent StrategyKind = "named_agent"

	// KindRawRuntime is a direct chat call on the model runtime without
	// agent wrapping.
	KindRawRuntime StrategyKind = "raw_runtime"

	// KindBareCompletion is the unconditional last generation resort: a
	// plain single-prompt completion.
	KindBareCompletion StrategyKind = "bare_completion"
)

// Strategy is one resolved generation option.
type Strategy struct {
	Kind  StrategyKind
	Agent llm.Agent // set for orchestrator and named agent kinds

	// Notice is the user-facing degradation notice to attach when this
	// strategy answers after a higher-priority one failed. Empty for the
	// highest-priority resolved strategy.
	Notice string
}

// GenerationContext carries everything a turn needs to resolve and run its
// strategies. It is an explicit per-request value; the pipeline holds no
// process-wide mutable generator state.
type GenerationContext struct {
	Principal      string
	ConversationID string

	// Window is the assembled transcript; its last entry is the current
	// user turn.
	Window []llm.Message

	// MultiAgent enables the orchestrator path when an orchestrator agent
	// is registered.
	MultiAgent bool

	// AgentOverride selects an agent by name, when set.
	AgentOverride string

	// ModelOverride is recorded on the turn but resolution of it is the
	// backend's concern.
	ModelOverride string

	Registry *llm.AgentRegistry
	Client   llm.LLMClient
	ToolLog  *llm.ToolInvocationLog
}

// Resolve produces the ordered strategy list for one turn:
//
//  1. Multi-agent orchestrator, only when multi-agent mode is on and an
//     agent named "orchestrator" exists.
//  2. The selected single agent (explicit name, else default, else first).
//  3. Raw runtime invocation.
//  4. Bare completion.
//
// The bare-completion entry is always present, so the list is never empty
// when a client is configured.
func Resolve(gctx *GenerationContext) []Strategy {
	var strategies []Strategy

	if gctx.MultiAgent && gctx.Registry != nil {
		if orch := gctx.Registry.Lookup(llm.OrchestratorAgentName); orch != nil {
			strategies = append(strategies, Strategy{Kind: KindOrchestrator, Agent: orch})
		}
	}

	if gctx.Registry != nil {
		if agent := gctx.Registry.Select(gctx.AgentOverride); agent != nil {
			notice := ""
			if len(strategies) > 0 {
				notice = "running in single-agent fallback mode"
			}
			strategies = append(strategies, Strategy{
				Kind:   KindNamedAgent,
				Agent:  agent,
				Notice: notice,
			})
		}
	}

	if gctx.Client != nil {
		rawNotice, bareNotice := "", ""
		if len(strategies) > 0 {
			rawNotice = "agents unavailable, answering directly from the model runtime"
			bareNotice = "degraded mode: plain model completion"
		}
		strategies = append(strategies,
			Strategy{Kind: KindRawRuntime, Notice: rawNotice},
			Strategy{Kind: KindBareCompletion, Notice: bareNotice},
		)
	}

	return strategies
}
