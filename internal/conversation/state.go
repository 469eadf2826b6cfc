package conversation

import (
	"fmt"

	conduitErrors "github.com/harunnryd/conduit/internal/errors"
	"github.com/harunnryd/conduit/internal/model/contract"
)

// Settings are the per-session choices an inbound event may change.
type Settings struct {
	Provider     string
	Model        string
	ToolsEnabled bool
	DataSource   string
}

// State is the message log of one session. It is owned by that session's
// orchestrator and is not safe for concurrent use.
type State struct {
	systemPrompt string
	settings     Settings
	messages     []contract.Message

	// issued maps tool call ids to whether they have been answered.
	issued map[string]bool
}

func New(settings Settings, systemPrompt string) *State {
	s := &State{systemPrompt: systemPrompt, settings: settings}
	s.Reset()
	return s
}

// Reset discards the log, keeping the system prompt and settings.
func (s *State) Reset() {
	s.messages = nil
	s.issued = make(map[string]bool)
	if s.systemPrompt != "" {
		s.messages = append(s.messages, contract.Message{Role: contract.RoleSystem, Content: s.systemPrompt})
	}
}

func (s *State) Settings() Settings {
	return s.settings
}

// Apply replaces the settings used for the next completion.
func (s *State) Apply(settings Settings) {
	s.settings = settings
}

func (s *State) AppendUser(text string) {
	s.messages = append(s.messages, contract.Message{Role: contract.RoleUser, Content: text})
}

func (s *State) AppendAssistant(text string) {
	s.messages = append(s.messages, contract.Message{Role: contract.RoleAssistant, Content: text})
}

// AppendToolRequest records an assistant turn that asks for tool calls.
func (s *State) AppendToolRequest(text string, calls []*contract.ToolCall) error {
	if len(calls) == 0 {
		return conduitErrors.Protocol("tool request without calls")
	}

	seen := make(map[string]struct{}, len(calls))
	for _, call := range calls {
		if call == nil || call.ID == "" {
			return conduitErrors.Protocol("tool call without id")
		}
		if _, dup := seen[call.ID]; dup {
			return conduitErrors.Protocol(fmt.Sprintf("tool call id %q repeated in one request", call.ID))
		}
		if _, used := s.issued[call.ID]; used {
			return conduitErrors.Protocol(fmt.Sprintf("tool call id %q already issued", call.ID))
		}
		seen[call.ID] = struct{}{}
	}

	copied := make([]*contract.ToolCall, len(calls))
	for i, call := range calls {
		c := *call
		copied[i] = &c
		s.issued[call.ID] = false
	}

	s.messages = append(s.messages, contract.Message{Role: contract.RoleAssistant, Content: text, ToolCalls: copied})
	return nil
}

// AppendToolResult answers a previously issued call. Each id is answered once.
func (s *State) AppendToolResult(callID, name, content string) error {
	answered, ok := s.issued[callID]
	if !ok {
		return conduitErrors.Protocol(fmt.Sprintf("tool result for unknown call id %q", callID))
	}
	if answered {
		return conduitErrors.Protocol(fmt.Sprintf("tool call id %q already answered", callID))
	}

	s.issued[callID] = true
	s.messages = append(s.messages, contract.Message{Role: contract.RoleTool, ToolCallID: callID, Name: name, Content: content})
	return nil
}

// Pending returns the ids issued but not yet answered.
func (s *State) Pending() []string {
	var ids []string
	for _, m := range s.messages {
		for _, call := range m.ToolCalls {
			if !s.issued[call.ID] {
				ids = append(ids, call.ID)
			}
		}
	}
	return ids
}

// Messages returns a copy of the log.
func (s *State) Messages() []contract.Message {
	out := make([]contract.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *State) Len() int {
	return len(s.messages)
}

// Validate checks that every tool message answers an earlier call exactly once.
func (s *State) Validate() error {
	return Validate(s.messages)
}

// Validate checks referential integrity of tool messages in a log.
func Validate(messages []contract.Message) error {
	issued := make(map[string]bool)
	for i, m := range messages {
		switch m.Role {
		case contract.RoleAssistant:
			for _, call := range m.ToolCalls {
				if _, dup := issued[call.ID]; dup {
					return conduitErrors.Protocol(fmt.Sprintf("message %d: call id %q issued twice", i, call.ID))
				}
				issued[call.ID] = false
			}
		case contract.RoleTool:
			answered, ok := issued[m.ToolCallID]
			if !ok {
				return conduitErrors.Protocol(fmt.Sprintf("message %d: tool result for unknown call id %q", i, m.ToolCallID))
			}
			if answered {
				return conduitErrors.Protocol(fmt.Sprintf("message %d: call id %q answered twice", i, m.ToolCallID))
			}
			issued[m.ToolCallID] = true
		}
	}
	return nil
}
