package composition

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// extensionOrder is the fixed lookup order for a composition file.
var extensionOrder = []string{".yaml", ".yml", ".md", ".json"}

// TypeDirs maps a composition type to the directory segment it loads
// from under lib/compositions.
var TypeDirs = map[Kind]string{
	KindOrchestration: "orchestrations",
	KindEvaluation:    "evaluations",
	KindComponent:     "components",
	KindPersona:       "components",
	KindBehavior:      "components",
	KindTool:          "components",
	KindProfile:       "components",
	KindPrompt:        "components",
}

// Loader locates and parses composition files under Root.
type Loader struct {
	Root string
}

// NewLoader constructs a Loader rooted at lib/compositions.
func NewLoader(root string) *Loader {
	return &Loader{Root: root}
}

// Locate resolves (name, kind) to a file path by trying extensionOrder
// in turn. Returns the first existing path.
func (l *Loader) Locate(name string, kind Kind) (string, error) {
	dir := TypeDirs[kind]
	if dir == "" {
		dir = "components"
	}
	base := filepath.Join(l.Root, dir, name)
	for _, ext := range extensionOrder {
		path := base + ext
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("composition not found: %s (type %s)", name, kind)
}

// Load reads and parses the composition file at path.
func (l *Loader) Load(path string) (*Composition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read composition %s: %w", path, err)
	}
	if strings.HasSuffix(path, ".md") {
		return parseMarkdown(data)
	}
	return parseYAML(data)
}

// LoadByName locates then loads (name, kind).
func (l *Loader) LoadByName(name string, kind Kind) (*Composition, error) {
	path, err := l.Locate(name, kind)
	if err != nil {
		return nil, err
	}
	return l.Load(path)
}

func parseYAML(data []byte) (*Composition, error) {
	var c Composition
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse composition yaml: %w", err)
	}
	return &c, nil
}

// parseMarkdown splits "---\n...yaml...\n---\n<body>" frontmatter, the
// metadata block, from the markdown body.
func parseMarkdown(data []byte) (*Composition, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}
	var c Composition
	if err := yaml.Unmarshal(frontmatter, &c); err != nil {
		return nil, fmt.Errorf("parse composition frontmatter: %w", err)
	}
	c.Body = strings.TrimSpace(string(body))
	return &c, nil
}

const frontmatterDelimiter = "---"

func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty composition file")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var fmLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		fmLines = append(fmLines, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return []byte(strings.Join(fmLines, "\n")), []byte(strings.Join(bodyLines, "\n")), nil
}
