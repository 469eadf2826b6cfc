package command

import (
	"context"
	"strings"
	"testing"

	"github.com/harunnryd/conduit/internal/capability"
	"github.com/harunnryd/conduit/internal/conversation"

	"github.com/stretchr/testify/assert"
)

type stubCatalogue struct {
	tools   []capability.Tool
	sources []string
}

func (s stubCatalogue) Tools() []capability.Tool { return s.tools }

func (s stubCatalogue) DataSources() []string { return s.sources }

func newConv() *conversation.State {
	return conversation.New(conversation.Settings{Provider: "cloud", ToolsEnabled: true, DataSource: "sales"}, "sys")
}

func TestHandler_CanHandle(t *testing.T) {
	h := NewHandler(stubCatalogue{})
	assert.True(t, h.CanHandle("/help"))
	assert.True(t, h.CanHandle("  /tools"))
	assert.True(t, h.CanHandle("/Reset"))
	assert.False(t, h.CanHandle("what is /help"))
	assert.False(t, h.CanHandle("/etc/hosts - what is this file for?"))
	assert.False(t, h.CanHandle("/"))
	assert.False(t, h.CanHandle("   "))
}

func TestHandler_HelpCommand(t *testing.T) {
	h := NewHandler(stubCatalogue{})
	out := h.Execute(context.Background(), newConv(), "/help")

	assert.True(t, strings.HasPrefix(out, commandOutputPrefix))
	assert.Contains(t, out, "/tools")
	assert.Contains(t, out, "/reset")
}

func TestHandler_ToolsCommand(t *testing.T) {
	h := NewHandler(stubCatalogue{tools: []capability.Tool{
		{Name: "run_sql_query", Description: "Run a SQL query\nReturns rows"},
		{Name: "list_tables", Description: "List tables"},
	}})

	out := h.Execute(context.Background(), newConv(), "/tools")
	assert.Contains(t, out, "- run_sql_query: Run a SQL query")
	assert.NotContains(t, out, "Returns rows")
	assert.Contains(t, out, "- list_tables")

	out = h.Execute(context.Background(), newConv(), "/tools sql")
	assert.Contains(t, out, "run_sql_query")
	assert.NotContains(t, out, "list_tables")

	out = h.Execute(context.Background(), newConv(), `/tools "nothing here"`)
	assert.Contains(t, out, "No tools match")
}

func TestHandler_SourcesCommand(t *testing.T) {
	h := NewHandler(stubCatalogue{sources: []string{"sales", "crm"}})
	assert.Equal(t, "[CMD] Data sources: sales, crm", h.Execute(context.Background(), newConv(), "/sources"))

	empty := NewHandler(stubCatalogue{})
	assert.Equal(t, "[CMD] No data sources available.", empty.Execute(context.Background(), newConv(), "/sources"))
}

func TestHandler_StatusAndReset(t *testing.T) {
	h := NewHandler(stubCatalogue{})
	conv := newConv()
	conv.AppendUser("hello")

	out := h.Execute(context.Background(), conv, "/status")
	assert.Contains(t, out, "provider=cloud")
	assert.Contains(t, out, "tools=on")
	assert.Contains(t, out, "data_source=sales")
	assert.Contains(t, out, "messages=2")

	out = h.Execute(context.Background(), conv, "/reset")
	assert.Equal(t, "[CMD] Conversation cleared.", out)
	assert.Equal(t, 1, conv.Len())
}

func TestHandler_UnknownCommand(t *testing.T) {
	h := NewHandler(stubCatalogue{})
	assert.Equal(t, "[CMD] Unknown command: /approve", h.Execute(context.Background(), newConv(), "/approve 123"))
}
