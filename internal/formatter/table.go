package formatter

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/harunnryd/conduit/internal/capability"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"
)

type TableFormatter struct {
	headerStyle  lipgloss.Style
	cellStyle    lipgloss.Style
	oddRowStyle  lipgloss.Style
	evenRowStyle lipgloss.Style
	borderStyle  lipgloss.Style
	titleStyle   lipgloss.Style
}

func NewTableFormatter() *TableFormatter {
	purple := lipgloss.Color("99")
	gray := lipgloss.Color("245")
	lightGray := lipgloss.Color("241")

	return &TableFormatter{
		headerStyle: lipgloss.NewStyle().
			Foreground(purple).
			Bold(true).
			Align(lipgloss.Center).
			Padding(0, 1),
		cellStyle: lipgloss.NewStyle().
			Padding(0, 1),
		oddRowStyle: lipgloss.NewStyle().
			Foreground(gray).
			Padding(0, 1),
		evenRowStyle: lipgloss.NewStyle().
			Foreground(lightGray).
			Padding(0, 1),
		borderStyle: lipgloss.NewStyle().
			Foreground(purple),
		titleStyle: lipgloss.NewStyle().
			Foreground(purple).
			Bold(true),
	}
}

func (f *TableFormatter) newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(f.borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return f.headerStyle
			case row%2 == 0:
				return f.evenRowStyle
			default:
				return f.oddRowStyle
			}
		}).
		Headers(headers...)
}

func (f *TableFormatter) FormatCatalogue(cat capability.Catalogue) (string, error) {
	if len(cat.Tools) == 0 && len(cat.Resources) == 0 && len(cat.Prompts) == 0 {
		return "No capabilities found", nil
	}

	var sections []string

	if len(cat.Tools) > 0 {
		t := f.newTable("Tool", "Description", "Arguments")
		for _, tool := range cat.Tools {
			t.Row(tool.Name, truncateString(tool.Description, 50), truncateString(strings.Join(argumentNames(tool), ", "), 60))
		}
		sections = append(sections, f.titleStyle.Render("Tools"), t.String())
	}

	if len(cat.Resources) > 0 {
		t := f.newTable("Resource", "URI", "Type")
		for _, res := range cat.Resources {
			t.Row(res.Name, truncateString(res.URI, 40), res.MimeType)
		}
		sections = append(sections, f.titleStyle.Render("Resources"), t.String())
	}

	if len(cat.Prompts) > 0 {
		t := f.newTable("Prompt", "Description")
		for _, p := range cat.Prompts {
			t.Row(p.Name, truncateString(p.Description, 60))
		}
		sections = append(sections, f.titleStyle.Render("Prompts"), t.String())
	}

	return strings.Join(sections, "\n"), nil
}

func (f *TableFormatter) FormatTool(tool *capability.Tool) (string, error) {
	if tool == nil {
		return "No tool found", nil
	}

	schema := ""
	if len(tool.InputSchema) > 0 {
		data, err := json.MarshalIndent(tool.InputSchema, "", "  ")
		if err != nil {
			return "", err
		}
		schema = string(data)
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(f.borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return f.headerStyle
			}
			return f.cellStyle
		})

	t.Row("Name", tool.Name)
	t.Row("Description", truncateString(tool.Description, 60))
	t.Row("Arguments", strings.Join(argumentNames(*tool), ", "))
	t.Row("Schema", schema)

	return t.String(), nil
}

func (f *TableFormatter) FormatModels(models []string) (string, error) {
	if len(models) == 0 {
		return "No models found", nil
	}

	t := f.newTable("Model")
	for _, m := range models {
		t.Row(m)
	}
	return t.String(), nil
}

// argumentNames lists the properties of a tool's input schema, required ones first.
func argumentNames(tool capability.Tool) []string {
	props, _ := tool.InputSchema["properties"].(map[string]interface{})
	if len(props) == 0 {
		return nil
	}

	required := make(map[string]bool)
	if list, ok := tool.InputSchema["required"].([]interface{}); ok {
		for _, r := range list {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if required[names[i]] != required[names[j]] {
			return required[names[i]]
		}
		return names[i] < names[j]
	})

	for i, name := range names {
		if !required[name] {
			names[i] = name + "?"
		}
	}
	return names
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
