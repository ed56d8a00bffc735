package provision

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"unicode"

	"mvdan.cc/sh/v3/syntax"

	"github.com/shinji-kodama/app-provisioner/internal/layout"
	"github.com/shinji-kodama/app-provisioner/internal/model"
)

// Paths inside the build context.
const (
	contextDockerfile   = "Dockerfile"
	contextRequirements = "requirements.txt"
	contextSourceDir    = "app"
)

// Instruction is one Dockerfile line and the pipeline step it belongs to.
type Instruction struct {
	Step model.StepName
	Line string
}

// Dockerfile returns the instructions that build req. Layer order is the
// pipeline order: the manifest layer precedes the source layer, so the
// engine reuses installed dependencies while the manifest is unchanged.
func Dockerfile(req *Request) ([]Instruction, error) {
	cfg := req.Config
	root := cfg.WorkingRoot

	var ins []Instruction
	add := func(step model.StepName, format string, args ...any) {
		ins = append(ins, Instruction{Step: step, Line: fmt.Sprintf(format, args...)})
	}

	// WORKDIR takes its argument verbatim apart from variable expansion
	// and escapes, so those characters cannot be written at all.
	if strings.ContainsAny(root, dockerfileSpecial) || strings.ContainsFunc(root, unicode.IsControl) {
		return nil, fmt.Errorf("working root %q cannot be written to a Dockerfile", root)
	}

	add(model.StepMaterializeRoot, "FROM %s", cfg.BaseImage)
	add(model.StepMaterializeRoot, "WORKDIR %s", root)

	add(model.StepInstallDependencies, "COPY %s ./%s", contextRequirements, contextRequirements)
	if !req.Manifest.IsEmpty() {
		args := []string{cfg.Interpreter, "-m", "pip", "install", "--no-cache-dir", "--disable-pip-version-check", "-r", contextRequirements}
		args = append(args, req.pipArgs()...)
		run, err := shellJoin(args)
		if err != nil {
			return nil, err
		}
		add(model.StepInstallDependencies, "RUN %s", run)
	}

	add(model.StepMaterializeSource, "COPY %s/ ./", contextSourceDir)

	mkdir, err := shellJoin(append([]string{"mkdir", "-p"}, layout.ImagePaths(root)...))
	if err != nil {
		return nil, err
	}
	add(model.StepProvisionDirectories, "RUN %s", mkdir)

	vars := layout.Variables(root)
	for _, name := range layout.VariableNames() {
		add(model.StepConfigureEnvironment, "ENV %s=%s", name, dockerfileQuote(vars[name]))
	}

	entrypoint, err := json.Marshal([]string{cfg.Interpreter, path.Clean(cfg.Entrypoint)})
	if err != nil {
		return nil, err
	}
	add(model.StepConfigureEnvironment, "ENTRYPOINT %s", entrypoint)
	// An empty CMD keeps a base image CMD from turning into arguments.
	add(model.StepConfigureEnvironment, "CMD []")

	return ins, nil
}

// RenderDockerfile renders instructions with one comment header per step.
func RenderDockerfile(ins []Instruction) []byte {
	var buf bytes.Buffer
	var step model.StepName
	for i, in := range ins {
		if in.Step != step {
			if i > 0 {
				buf.WriteByte('\n')
			}
			fmt.Fprintf(&buf, "# %s\n", in.Step)
			step = in.Step
		}
		buf.WriteString(in.Line)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// dockerfileSpecial holds the characters Dockerfile treats specially
// inside a double-quoted word.
const dockerfileSpecial = "$\"\\"

// dockerfileQuote double-quotes s for an ENV value. Dockerfile expands
// variables inside double quotes, so "$" is escaped along with the quote and
// the backslash. Everything else, UTF-8 included, is written as is.
func dockerfileQuote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		if strings.ContainsRune(dockerfileSpecial, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}

// shellJoin quotes args for the POSIX shell that runs RUN instructions.
func shellJoin(args []string) (string, error) {
	quoted := make([]string, 0, len(args))
	for _, a := range args {
		q, err := syntax.Quote(a, syntax.LangPOSIX)
		if err != nil {
			return "", fmt.Errorf("cannot quote %q for the image shell: %w", a, err)
		}
		quoted = append(quoted, q)
	}
	return strings.Join(quoted, " "), nil
}
