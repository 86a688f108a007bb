package tree

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format describes how a document body splits into fields.
type Format string

const (
	// FormatYAML bodies are a single YAML mapping; each top-level key is a field.
	FormatYAML Format = "yaml"
	// FormatMarkdown bodies split on headings; each section is a field.
	FormatMarkdown Format = "markdown"
)

// PreambleField names the markdown text before the first heading.
const PreambleField = "_preamble"

// Field is one named sub-part of a document.
type Field struct {
	Name  string
	Value string
}

// Document is an artifact split into frontmatter and ordered fields.
type Document struct {
	Front  []byte
	Format Format
	Fields []Field
}

// ParseDocument splits content into fields. A body that decodes as a YAML
// mapping uses its top-level keys; anything else is treated as markdown.
func ParseDocument(content []byte) Document {
	front, body := SplitFrontMatter(content)
	doc := Document{Front: front}
	if fields, ok := yamlFields(body); ok {
		doc.Format = FormatYAML
		doc.Fields = fields
		return doc
	}
	doc.Format = FormatMarkdown
	doc.Fields = markdownFields(body)
	return doc
}

// Map returns the fields keyed by name.
func (d Document) Map() map[string]string {
	out := make(map[string]string, len(d.Fields))
	for _, field := range d.Fields {
		out[field.Name] = field.Value
	}
	return out
}

// Get returns a field value.
func (d Document) Get(name string) (string, bool) {
	for _, field := range d.Fields {
		if field.Name == name {
			return field.Value, true
		}
	}
	return "", false
}

// Set replaces a field value, appending the field when absent.
func (d *Document) Set(name, value string) {
	for i := range d.Fields {
		if d.Fields[i].Name == name {
			d.Fields[i].Value = value
			return
		}
	}
	d.Fields = append(d.Fields, Field{Name: name, Value: value})
}

// Remove drops a field.
func (d *Document) Remove(name string) {
	out := d.Fields[:0]
	for _, field := range d.Fields {
		if field.Name != name {
			out = append(out, field)
		}
	}
	d.Fields = out
}

// Render joins the frontmatter and fields back into content.
func (d Document) Render() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(d.Front)
	switch d.Format {
	case FormatYAML:
		root := &yaml.Node{Kind: yaml.MappingNode}
		for _, field := range d.Fields {
			var value yaml.Node
			if err := yaml.Unmarshal([]byte(field.Value), &value); err != nil {
				return nil, fmt.Errorf("tree: field %s: %w", field.Name, err)
			}
			key := &yaml.Node{Kind: yaml.ScalarNode, Value: field.Name}
			if len(value.Content) == 0 {
				root.Content = append(root.Content, key, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null"})
				continue
			}
			root.Content = append(root.Content, key, value.Content[0])
		}
		encoded, err := yaml.Marshal(root)
		if err != nil {
			return nil, fmt.Errorf("tree: encode fields: %w", err)
		}
		buf.Write(encoded)
	default:
		for _, field := range d.Fields {
			buf.WriteString(field.Value)
		}
	}
	return buf.Bytes(), nil
}

func yamlFields(body []byte) ([]Field, bool) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, false
	}
	var node yaml.Node
	if err := yaml.Unmarshal(body, &node); err != nil {
		return nil, false
	}
	if node.Kind != yaml.DocumentNode || len(node.Content) != 1 || node.Content[0].Kind != yaml.MappingNode {
		return nil, false
	}
	mapping := node.Content[0]
	fields := make([]Field, 0, len(mapping.Content)/2)
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		key := mapping.Content[i]
		if key.Kind != yaml.ScalarNode {
			return nil, false
		}
		encoded, err := yaml.Marshal(mapping.Content[i+1])
		if err != nil {
			return nil, false
		}
		fields = append(fields, Field{Name: key.Value, Value: string(encoded)})
	}
	return fields, true
}

// markdownFields keeps each section's heading line in its value so rendering
// is an exact concatenation.
func markdownFields(body []byte) []Field {
	var fields []Field
	seen := map[string]int{}
	current := Field{Name: PreambleField}
	var sb strings.Builder
	flush := func() {
		current.Value = sb.String()
		if current.Name != PreambleField || current.Value != "" {
			fields = append(fields, current)
		}
		sb.Reset()
	}
	lines := strings.SplitAfter(string(body), "\n")
	inFence := false
	for _, line := range lines {
		if line == "" {
			continue
		}
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
		}
		if !inFence {
			if name, ok := headingName(trimmed); ok {
				flush()
				seen[name]++
				if seen[name] > 1 {
					name = fmt.Sprintf("%s#%d", name, seen[name])
				}
				current = Field{Name: name}
			}
		}
		sb.WriteString(line)
	}
	flush()
	return fields
}

func headingName(line string) (string, bool) {
	if !strings.HasPrefix(line, "#") {
		return "", false
	}
	text := strings.TrimLeft(line, "#")
	level := len(line) - len(text)
	if level > 6 || !strings.HasPrefix(text, " ") {
		return "", false
	}
	name := strings.ToLower(strings.Join(strings.Fields(text), " "))
	if name == "" {
		return "", false
	}
	return name, true
}
