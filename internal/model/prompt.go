// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for chat sessions and messages.
package model

// StarterPrompt is a canned prompt offered on the welcome screen. The set
// of prompts is user-editable and persisted alongside the chat history.
type StarterPrompt struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Subtitle string `json:"subtitle"`
	Prompt   string `json:"prompt"`
}

// DefaultStarterPrompts returns the built-in prompt set used when no
// customized prompts have been persisted.
func DefaultStarterPrompts() []StarterPrompt {
	return []StarterPrompt{
		{
			ID:       "1",
			Title:    "Explore the architecture",
			Subtitle: "See how the hybrid AI agent works and what it is made of.",
			Prompt:   "Describe the architecture of the hybrid AI agent in detail. What components does it consist of and how do they work together?",
		},
		{
			ID:       "2",
			Title:    "Discover capabilities",
			Subtitle: "Check which processes the agent can automate for you.",
			Prompt:   "List and describe the business processes that could be automated by deploying an AI agent in my company.",
		},
		{
			ID:       "3",
			Title:    "Example actions",
			Subtitle: "See short examples of agents used in practice.",
			Prompt:   "Give concrete, practical use cases of AI agents across different industries.",
		},
		{
			ID:       "4",
			Title:    "Check integrations",
			Subtitle: "Learn how agents connect to company tools and systems.",
			Prompt:   "What does the process of integrating AI agents with external tools and company systems (CRM, ERP, Slack, etc.) look like?",
		},
	}
}
