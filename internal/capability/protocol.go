package capability

import (
	"encoding/json"

	"github.com/harunnryd/conduit/internal/model/contract"
)

const (
	MethodCatalogueList = "catalogue.list"
	MethodToolInvoke    = "tool.invoke"
)

// Request is one frame sent to the capability server.
type Request struct {
	ID     string      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

// Response is one frame received from the capability server. Exactly one of
// Result and Error is set.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

type WireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type InvokeParams struct {
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Tool is a capability the model may request by name.
type Tool struct {
	Name        string                 `json:"name" yaml:"name"`
	Description string                 `json:"description" yaml:"description"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
}

func (t Tool) Definition() contract.ToolDef {
	return contract.ToolDef{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  t.InputSchema,
	}
}

type Resource struct {
	URI         string `json:"uri" yaml:"uri"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	MimeType    string `json:"mime_type,omitempty" yaml:"mime_type,omitempty"`
}

type Prompt struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Catalogue is the result of catalogue.list.
type Catalogue struct {
	Tools     []Tool     `json:"tools" yaml:"tools"`
	Resources []Resource `json:"resources" yaml:"resources"`
	Prompts   []Prompt   `json:"prompts" yaml:"prompts"`
}

func (c Catalogue) clone() Catalogue {
	return Catalogue{
		Tools:     append([]Tool{}, c.Tools...),
		Resources: append([]Resource{}, c.Resources...),
		Prompts:   append([]Prompt{}, c.Prompts...),
	}
}

type dataSourceList struct {
	Connections []string `json:"connections"`
}
