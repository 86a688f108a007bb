package tree

import (
	"bytes"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

var (
	// ErrMissingFrontMatter indicates the document did not start with a YAML fence.
	ErrMissingFrontMatter = errors.New("tree: missing frontmatter")
	// ErrMalformedFrontMatter indicates the YAML block could not be parsed.
	ErrMalformedFrontMatter = errors.New("tree: malformed frontmatter")
)

// FrontMatter is the metadata block an artifact may open with.
type FrontMatter struct {
	Entity string            `yaml:"entity,omitempty"`
	Title  string            `yaml:"title,omitempty"`
	Impact string            `yaml:"impact,omitempty"`
	Tags   []string          `yaml:"tags,omitempty"`
	Notes  map[string]string `yaml:"notes,omitempty"`
}

// ParseFrontMatter extracts the metadata block and body from a document that
// starts with `---` YAML fences.
func ParseFrontMatter(content []byte) (FrontMatter, []byte, error) {
	if len(content) == 0 {
		return FrontMatter{}, nil, ErrMissingFrontMatter
	}
	normalized := normalizeNewlines(content)
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return FrontMatter{}, normalized, ErrMissingFrontMatter
	}
	rest := normalized[4:]
	var metaBytes, body []byte
	if bytes.HasPrefix(rest, []byte("---\n")) {
		body = rest[4:]
	} else {
		parts := bytes.SplitN(rest, []byte("\n---\n"), 2)
		if len(parts) < 2 {
			return FrontMatter{}, nil, ErrMalformedFrontMatter
		}
		metaBytes, body = parts[0], parts[1]
	}
	var meta FrontMatter
	if err := yaml.Unmarshal(metaBytes, &meta); err != nil {
		return FrontMatter{}, nil, fmt.Errorf("%w: %v", ErrMalformedFrontMatter, err)
	}
	return meta, body, nil
}

// SplitFrontMatter returns the raw fenced block (fences included) and the
// body. Documents without frontmatter return a nil block.
func SplitFrontMatter(content []byte) ([]byte, []byte) {
	normalized := normalizeNewlines(content)
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return nil, normalized
	}
	rest := normalized[4:]
	if bytes.HasPrefix(rest, []byte("---\n")) {
		return normalized[:8], rest[4:]
	}
	idx := bytes.Index(rest, []byte("\n---\n"))
	if idx < 0 {
		return nil, normalized
	}
	end := 4 + idx + len("\n---\n")
	return normalized[:end], normalized[end:]
}

// WriteFrontMatter renders metadata + body with YAML fences.
func WriteFrontMatter(meta FrontMatter, body []byte) ([]byte, error) {
	data, err := yaml.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("tree: encode frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n")
	buf.Write(body)
	return buf.Bytes(), nil
}

func normalizeNewlines(content []byte) []byte {
	return bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
}
