package formatter

import (
	"encoding/json"

	"github.com/harunnryd/conduit/internal/capability"
)

type JSONFormatter struct{}

func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{}
}

func (f *JSONFormatter) FormatCatalogue(cat capability.Catalogue) (string, error) {
	return marshalJSON(normalize(cat))
}

func (f *JSONFormatter) FormatTool(tool *capability.Tool) (string, error) {
	if tool == nil {
		return "null", nil
	}
	return marshalJSON(tool)
}

func (f *JSONFormatter) FormatModels(models []string) (string, error) {
	if models == nil {
		models = []string{}
	}
	return marshalJSON(map[string][]string{"models": models})
}

func marshalJSON(v interface{}) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// normalize replaces nil sections with empty ones so they render as [].
func normalize(cat capability.Catalogue) capability.Catalogue {
	if cat.Tools == nil {
		cat.Tools = []capability.Tool{}
	}
	if cat.Resources == nil {
		cat.Resources = []capability.Resource{}
	}
	if cat.Prompts == nil {
		cat.Prompts = []capability.Prompt{}
	}
	return cat
}
