package gateway

import (
	"encoding/json"
	"strings"

	"github.com/harunnryd/conduit/internal/conversation"
	conduitErrors "github.com/harunnryd/conduit/internal/errors"
)

// providerAliases maps backend names used by older clients to registry names.
var providerAliases = map[string]string{
	"openai": "cloud",
	"ollama": "local",
}

// Frame is one inbound JSON message from an interactive client.
type Frame struct {
	Text        string `json:"text"`
	UseTools    *bool  `json:"use_tools,omitempty"`
	LLMProvider string `json:"llm_provider,omitempty"`
	LLMModel    string `json:"llm_model,omitempty"`
	DataSource  string `json:"data_source,omitempty"`

	UseMCP           *bool  `json:"use_mcp,omitempty"`
	DBConnectionName string `json:"db_connection_name,omitempty"`
}

func decodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, conduitErrors.InvalidInput("malformed frame: " + err.Error())
	}
	return f, nil
}

// Settings resolves the per-message settings carried by the frame. Tools are
// enabled unless the client turns them off.
func (f Frame) Settings(defaultProvider string) conversation.Settings {
	provider := strings.TrimSpace(f.LLMProvider)
	if alias, ok := providerAliases[provider]; ok {
		provider = alias
	}
	if provider == "" {
		provider = defaultProvider
	}

	tools := true
	switch {
	case f.UseTools != nil:
		tools = *f.UseTools
	case f.UseMCP != nil:
		tools = *f.UseMCP
	}

	dataSource := f.DataSource
	if dataSource == "" {
		dataSource = f.DBConnectionName
	}

	return conversation.Settings{
		Provider:     provider,
		Model:        strings.TrimSpace(f.LLMModel),
		ToolsEnabled: tools,
		DataSource:   dataSource,
	}
}
