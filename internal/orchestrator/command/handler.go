package command

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/conduit/internal/capability"
	"github.com/harunnryd/conduit/internal/conversation"
	"github.com/harunnryd/conduit/internal/logger"

	"github.com/google/shlex"
)

// Catalogue is the cached capability view commands report on.
type Catalogue interface {
	Tools() []capability.Tool
	DataSources() []string
}

type Handler interface {
	CanHandle(input string) bool
	Execute(ctx context.Context, conv *conversation.State, input string) string
}

type DefaultCommandHandler struct {
	catalogue Catalogue
}

const commandOutputPrefix = "[CMD] "

func NewHandler(catalogue Catalogue) *DefaultCommandHandler {
	return &DefaultCommandHandler{catalogue: catalogue}
}

var commands = map[string]struct{}{
	"/help":    {},
	"/tools":   {},
	"/sources": {},
	"/status":  {},
	"/reset":   {},
	"/clear":   {},
}

// CanHandle reports whether input names a known command. Other text starting
// with a slash, such as a file path, is a regular message.
func (h *DefaultCommandHandler) CanHandle(input string) bool {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return false
	}
	_, ok := commands[strings.ToLower(fields[0])]
	return ok
}

// Execute runs a slash command against the session's conversation and returns
// the text to send back. Commands never reach the model.
func (h *DefaultCommandHandler) Execute(ctx context.Context, conv *conversation.State, input string) string {
	parts, parseErr := shlex.Split(input)
	if parseErr != nil {
		parts = strings.Fields(input)
	}
	if len(parts) == 0 {
		return ""
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	slog.Info("Executing slash command", append(logger.Attrs(ctx), "cmd", cmd)...)

	var msg string
	switch cmd {
	case "/tools":
		msg = h.handleTools(args)
	case "/sources":
		msg = h.handleSources()
	case "/status":
		msg = h.handleStatus(conv)
	case "/reset", "/clear":
		conv.Reset()
		msg = "Conversation cleared."
	case "/help":
		msg = h.helpText()
	default:
		msg = fmt.Sprintf("Unknown command: %s", cmd)
	}

	return formatCommandOutput(msg)
}

func (h *DefaultCommandHandler) handleTools(args []string) string {
	tools := h.catalogue.Tools()
	if len(tools) == 0 {
		return "No tools available."
	}

	filter := ""
	if len(args) > 0 {
		filter = strings.ToLower(args[0])
	}

	var b strings.Builder
	b.WriteString("Available tools:")
	matched := 0
	for _, t := range tools {
		if filter != "" && !strings.Contains(strings.ToLower(t.Name), filter) {
			continue
		}
		matched++
		b.WriteString("\n- ")
		b.WriteString(t.Name)
		if t.Description != "" {
			b.WriteString(": ")
			b.WriteString(firstLine(t.Description))
		}
	}
	if matched == 0 {
		return fmt.Sprintf("No tools match %q.", filter)
	}
	return b.String()
}

func (h *DefaultCommandHandler) handleSources() string {
	sources := h.catalogue.DataSources()
	if len(sources) == 0 {
		return "No data sources available."
	}
	return "Data sources: " + strings.Join(sources, ", ")
}

func (h *DefaultCommandHandler) handleStatus(conv *conversation.State) string {
	s := conv.Settings()
	modelName := s.Model
	if modelName == "" {
		modelName = "default"
	}
	tools := "off"
	if s.ToolsEnabled {
		tools = "on"
	}
	source := s.DataSource
	if source == "" {
		source = "none"
	}
	return fmt.Sprintf("provider=%s model=%s tools=%s data_source=%s messages=%d", s.Provider, modelName, tools, source, conv.Len())
}

func (h *DefaultCommandHandler) helpText() string {
	return "Available commands: /help, /tools [filter], /sources, /status, /reset"
}

func formatCommandOutput(msg string) string {
	if strings.HasPrefix(msg, commandOutputPrefix) {
		return msg
	}
	return commandOutputPrefix + msg
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}
