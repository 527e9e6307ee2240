package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// IndentStyle is how a Tab keystroke is realized.
type IndentStyle string

// Indent styles.
const (
	IndentSpaces IndentStyle = "space"
	IndentTabs   IndentStyle = "tab"
)

// EditorConfig is the subset of .editorconfig the shared editing core
// propagates between collaborators.
type EditorConfig struct {
	TabWidth    int
	IndentStyle IndentStyle
}

// DefaultEditorConfig matches editors' usual fallback.
func DefaultEditorConfig() EditorConfig {
	return EditorConfig{TabWidth: 4, IndentStyle: IndentSpaces}
}

// ParseEditorConfig extracts tab_width and indent_style from
// .editorconfig content. Section patterns are not matched; the last
// value seen in any section wins, which is the behavior collaborative
// indent propagation needs for whole-project settings.
func ParseEditorConfig(content string) EditorConfig {
	ec := DefaultEditorConfig()
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.ToLower(strings.TrimSpace(value))

		switch key {
		case "tab_width", "indent_size":
			if n, err := strconv.Atoi(value); err == nil && n > 0 && n <= 16 {
				ec.TabWidth = n
			}
		case "indent_style":
			switch value {
			case "space":
				ec.IndentStyle = IndentSpaces
			case "tab":
				ec.IndentStyle = IndentTabs
			}
		}
	}
	return ec
}

// LoadEditorConfig reads and parses a .editorconfig file. A missing file
// yields the defaults.
func LoadEditorConfig(path string) (EditorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultEditorConfig(), nil
		}
		return DefaultEditorConfig(), err
	}
	return ParseEditorConfig(string(data)), nil
}
