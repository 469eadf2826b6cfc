package formatter

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/harunnryd/conduit/internal/capability"
)

type YAMLFormatter struct{}

func NewYAMLFormatter() *YAMLFormatter {
	return &YAMLFormatter{}
}

func (f *YAMLFormatter) FormatCatalogue(cat capability.Catalogue) (string, error) {
	return marshalYAML(normalize(cat))
}

func (f *YAMLFormatter) FormatTool(tool *capability.Tool) (string, error) {
	if tool == nil {
		return "null", nil
	}
	return marshalYAML(tool)
}

func (f *YAMLFormatter) FormatModels(models []string) (string, error) {
	if models == nil {
		models = []string{}
	}
	return marshalYAML(map[string][]string{"models": models})
}

func marshalYAML(v interface{}) (string, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
