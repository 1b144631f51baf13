package runtime

import (
	_ "embed"
	"fmt"
	"regexp"
)

//go:embed harness/node.js
var nodeHarness []byte

var (
	jsFunction   = regexp.MustCompile(`(?m)^(?:async\s+)?function\s*\*?\s*([A-Za-z_$][\w$]*)\s*\(`)
	jsArrow      = regexp.MustCompile(`(?m)^(?:const|let|var)\s+([A-Za-z_$][\w$]*)\s*=\s*(?:async\s*)?(?:function\b|\([^)]*\)\s*=>|[A-Za-z_$][\w$]*\s*=>)`)
	jsEntrypoint = regexp.MustCompile(`^[A-Za-z_$][\w$]*$`)
)

// NodeRuntime configures execution of JavaScript code.
type NodeRuntime struct{}

func (n *NodeRuntime) Name() string { return "node" }

func (n *NodeRuntime) Image() string { return "docker.io/library/node:20-slim" }

func (n *NodeRuntime) Command(harnessPath string) []string {
	return []string{
		"node",
		"--max-old-space-size=256",                // Limit V8 heap
		"--disallow-code-generation-from-strings", // Block eval() inside the solution
		harnessPath,
	}
}

func (n *NodeRuntime) FileExtension() string { return ".js" }

func (n *NodeRuntime) Harness() []byte { return nodeHarness }

func (n *NodeRuntime) Entrypoint(code, explicit string) (string, error) {
	if explicit != "" {
		if !jsEntrypoint.MatchString(explicit) {
			return "", fmt.Errorf("invalid entrypoint %q", explicit)
		}
		return explicit, nil
	}
	if name := firstMatch(code, jsFunction, jsArrow); name != "" {
		return name, nil
	}
	return "", fmt.Errorf("no top-level function found")
}

func (n *NodeRuntime) Validate(code string) error {
	return validateSize(code)
}
