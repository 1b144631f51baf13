package runtime

import (
	_ "embed"
	"fmt"
	"regexp"
)

//go:embed harness/python.py
var pythonHarness []byte

var (
	pyTopLevelDef = regexp.MustCompile(`(?m)^(?:async\s+)?def\s+([A-Za-z_]\w*)\s*\(`)
	pyClass       = regexp.MustCompile(`(?m)^class\s+([A-Za-z_]\w*)`)
	pyMethod      = regexp.MustCompile(`(?m)^[ \t]+def\s+([A-Za-z]\w*)\s*\(\s*self\b`)
	pyEntrypoint  = regexp.MustCompile(`^[A-Za-z_]\w*(\.[A-Za-z_]\w*)?$`)
)

// PythonRuntime configures execution of Python code.
type PythonRuntime struct{}

func (p *PythonRuntime) Name() string { return "python" }

func (p *PythonRuntime) Image() string { return "docker.io/library/python:3.12-slim" }

func (p *PythonRuntime) Command(harnessPath string) []string {
	return []string{
		"python3", "-u", // Unbuffered output
		"-B", // Don't write .pyc files
		"-I", // Isolated mode: ignore PYTHON* env and user site-packages
		harnessPath,
	}
}

func (p *PythonRuntime) FileExtension() string { return ".py" }

func (p *PythonRuntime) Harness() []byte { return pythonHarness }

// Entrypoint picks the first top-level def. LeetCode-style submissions with
// only a class resolve to "Class.method"; the harness instantiates the class.
func (p *PythonRuntime) Entrypoint(code, explicit string) (string, error) {
	if explicit != "" {
		if !pyEntrypoint.MatchString(explicit) {
			return "", fmt.Errorf("invalid entrypoint %q", explicit)
		}
		return explicit, nil
	}
	if name := firstMatch(code, pyTopLevelDef); name != "" {
		return name, nil
	}
	if cls := firstMatch(code, pyClass); cls != "" {
		if m := firstMatch(code, pyMethod); m != "" {
			return cls + "." + m, nil
		}
	}
	return "", fmt.Errorf("no top-level function found")
}

func (p *PythonRuntime) Validate(code string) error {
	return validateSize(code)
}
