package manifest

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
)

// globalOptions are the pip options accepted on their own line. They affect
// how packages are resolved, so they are kept in the canonical rendering.
var globalOptions = map[string]bool{
	"--index-url":       true,
	"-i":                true,
	"--extra-index-url": true,
	"--trusted-host":    true,
	"--find-links":      true,
	"-f":                true,
	"--no-index":        true,
	"--pre":             true,
	"--no-binary":       true,
	"--only-binary":     true,
	"--prefer-binary":   true,
	"--require-hashes":  true,
}

// inlineCommentRe matches a "#" comment that starts the line or follows
// whitespace. A "#" inside a URL fragment (e.g., "#egg=") is not a comment.
var inlineCommentRe = regexp.MustCompile(`(^|\s)#.*$`)

// logicalLine is a manifest line after continuation joining.
type logicalLine struct {
	text string
	line int
}

// LoadRequirements parses a requirements file, following -r includes
// relative to the including file. Include cycles are an error.
func LoadRequirements(path string) (*Manifest, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve manifest path %s: %w", path, err)
	}

	m := &Manifest{Path: abs}
	if err := parseRequirementsFile(m, abs, nil); err != nil {
		return nil, err
	}
	return m, nil
}

// ParseRequirements parses requirements-file content that has no backing
// file. Includes are resolved relative to the current directory.
func ParseRequirements(name string, data []byte) (*Manifest, error) {
	m := &Manifest{Path: name}
	if err := parseRequirementsData(m, name, data, []string{name}); err != nil {
		return nil, err
	}
	return m, nil
}

// parseRequirementsFile reads one file and appends its entries to m.
// stack holds the chain of files currently being parsed, for cycle detection.
func parseRequirementsFile(m *Manifest, file string, stack []string) error {
	if slices.Contains(stack, file) {
		return &ParseError{
			File:    file,
			Message: fmt.Sprintf("include cycle: %s -> %s", strings.Join(stack, " -> "), file),
		}
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read manifest %s: %w", file, err)
	}

	return parseRequirementsData(m, file, data, append(slices.Clone(stack), file))
}

// parseRequirementsData parses requirements content attributed to file.
func parseRequirementsData(m *Manifest, file string, data []byte, stack []string) error {
	lines, err := logicalLines(data)
	if err != nil {
		return &ParseError{File: file, Message: err.Error()}
	}

	for _, ll := range lines {
		text := strings.TrimSpace(inlineCommentRe.ReplaceAllString(ll.text, ""))
		if text == "" {
			continue
		}

		if strings.HasPrefix(text, "-") {
			if err := parseOptionLine(m, file, ll.line, text, stack); err != nil {
				return err
			}
			continue
		}

		// Whitespace inside a specifier carries no meaning; collapse it so the
		// canonical rendering is stable across formatting changes.
		req, err := parseRequirement(strings.Join(strings.Fields(text), " "), file, ll.line)
		if err != nil {
			return err
		}
		m.Requirements = append(m.Requirements, req)
	}

	return nil
}

// parseOptionLine handles a line starting with "-": an include, a global
// option, or an unsupported option.
func parseOptionLine(m *Manifest, file string, line int, text string, stack []string) error {
	name, value := splitOption(text)

	switch name {
	case "-r", "--requirement":
		if value == "" {
			return &ParseError{File: file, Line: line, Message: fmt.Sprintf("%s requires a file argument", name)}
		}
		included := value
		if !filepath.IsAbs(included) {
			included = filepath.Join(filepath.Dir(file), included)
		}
		return parseRequirementsFile(m, filepath.Clean(included), stack)

	case "-c", "--constraint":
		return &ParseError{
			File:    file,
			Line:    line,
			Message: "constraint files are not supported; pin versions directly in the manifest",
		}

	case "-e", "--editable":
		return &ParseError{
			File:    file,
			Line:    line,
			Message: "editable requirements are not supported: dependencies are installed before the application source exists",
		}
	}

	if !globalOptions[name] {
		return &ParseError{File: file, Line: line, Message: fmt.Sprintf("unsupported option %q", name)}
	}

	// Canonical form: long option name, single space, value.
	canonical := canonicalOption(name)
	if value != "" {
		canonical += " " + value
	}
	if !slices.Contains(m.Options, canonical) {
		m.Options = append(m.Options, canonical)
	}
	return nil
}

// splitOption splits "--name=value", "--name value", "-rfile" or "-r file"
// into its name and value.
func splitOption(text string) (name, value string) {
	if strings.HasPrefix(text, "--") {
		if i := strings.IndexAny(text, "= \t"); i >= 0 {
			return text[:i], strings.TrimSpace(text[i+1:])
		}
		return text, ""
	}

	// Short option: the value may be attached ("-rfile") or separated.
	if len(text) > 2 {
		return text[:2], strings.TrimSpace(strings.TrimPrefix(text[2:], "="))
	}
	return text, ""
}

// canonicalOption maps short option aliases to their long form.
func canonicalOption(name string) string {
	switch name {
	case "-i":
		return "--index-url"
	case "-f":
		return "--find-links"
	default:
		return name
	}
}

// logicalLines splits content into lines, joining lines that end with a
// backslash with the following line. The reported line number is that of
// the first physical line.
func logicalLines(data []byte) ([]logicalLine, error) {
	var (
		result  []logicalLine
		current strings.Builder
		start   int
		lineNo  int
	)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	// Long URLs with hashes can exceed the default 64 KiB token size.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		lineNo++
		raw := strings.TrimRight(scanner.Text(), "\r")
		if current.Len() == 0 {
			start = lineNo
		}

		if strings.HasSuffix(raw, `\`) {
			current.WriteString(strings.TrimSuffix(raw, `\`))
			current.WriteByte(' ')
			continue
		}

		current.WriteString(raw)
		result = append(result, logicalLine{text: current.String(), line: start})
		current.Reset()
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	// A continuation on the last line is joined with nothing.
	if current.Len() > 0 {
		result = append(result, logicalLine{text: current.String(), line: start})
	}

	return result, nil
}
