// Package composer assembles the model input for one conversation turn as a
// tagged transcript that providers translate into their own wire format.
package composer

import (
	"fmt"
	"strings"
)

// SystemInstruction opens every transcript.
const SystemInstruction = "You are an AI assistant helping a user solve and reflect on tasks in a research project.\n" +
	"All prompts and responses will be used to analyze user behaviour.\n" +
	"Answer in a clear, structured and helpful way that makes it easy to understand the user's reasoning and problem‑solving process. " +
	"I want to see and analyse how they refine the query and prompt to get the best possible response."

const notAvailable = "N/A"

// Kind tags where a block came from.
type Kind int

const (
	KindSystem Kind = iota
	KindTaskContext
	KindHistory
	KindPrompt
)

func (k Kind) String() string {
	switch k {
	case KindSystem:
		return "system"
	case KindTaskContext:
		return "task_context"
	case KindHistory:
		return "history"
	case KindPrompt:
		return "prompt"
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Role is the speaker of a block as the model sees it.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Block is one entry of the transcript sent to the model.
type Block struct {
	Kind Kind
	Role Role
	Text string
}

// MessageRoleAssistant is the role clients send for model replies in
// conversationHistory.
const MessageRoleAssistant = "assistant"

// Message is a prior conversation entry as supplied by the caller. Role is
// free-form: "user" is kept, anything else is treated as the model.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// TaskInfo describes the task a turn belongs to. Name and Description are
// optional.
type TaskInfo struct {
	ID          int
	Name        string
	Description string
}

// Build returns the transcript for one turn in fixed order: the system
// instruction, the task context when a name or description is known, the
// full history, then the new prompt. History is never truncated.
func Build(task TaskInfo, history []Message, prompt string) []Block {
	blocks := make([]Block, 0, len(history)+3)
	blocks = append(blocks, Block{Kind: KindSystem, Role: RoleUser, Text: SystemInstruction})

	if task.Name != "" || task.Description != "" {
		blocks = append(blocks, Block{Kind: KindTaskContext, Role: RoleUser, Text: taskContext(task)})
	}

	for _, m := range history {
		blocks = append(blocks, Block{Kind: KindHistory, Role: mapRole(m.Role), Text: m.Text})
	}

	return append(blocks, Block{Kind: KindPrompt, Role: RoleUser, Text: prompt})
}

func taskContext(task TaskInfo) string {
	name, desc := task.Name, task.Description
	if name == "" {
		name = notAvailable
	}
	if desc == "" {
		desc = notAvailable
	}
	return fmt.Sprintf("Task context:\n- Task ID: %d\n- Task Name: %s\n- Task Description / Question: %s", task.ID, name, desc)
}

func mapRole(role string) Role {
	if role == string(RoleUser) {
		return RoleUser
	}
	return RoleModel
}

// History rebuilds the caller-side history from stored prompt/response pairs:
// each pair yields a user message then an assistant message.
func History(pairs [][2]string) []Message {
	out := make([]Message, 0, 2*len(pairs))
	for _, p := range pairs {
		out = append(out,
			Message{Role: string(RoleUser), Text: p[0]},
			Message{Role: MessageRoleAssistant, Text: p[1]},
		)
	}
	return out
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// TranscriptTokens estimates the size of a whole transcript.
func TranscriptTokens(blocks []Block) int {
	var sb strings.Builder
	for _, b := range blocks {
		sb.WriteString(b.Text)
	}
	return EstimateTokens(sb.String())
}
