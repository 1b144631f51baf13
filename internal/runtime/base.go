package runtime

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Workspace file names shared by every harness. The runner writes them into
// the execution workspace; harnesses read them relative to ALGO_WORKSPACE.
const (
	InputFile = "input.json"

	EnvWorkspace  = "ALGO_WORKSPACE"
	EnvScratch    = "ALGO_SCRATCH"
	EnvTrace      = "ALGO_TRACE"
	EnvEntrypoint = "ALGO_ENTRYPOINT"
	EnvResultTag  = "ALGO_RESULT_TAG"
)

// Runtime defines how to execute algorithm code for a specific language.
type Runtime interface {
	// Name returns the runtime identifier (e.g., "python", "node").
	Name() string

	// Image returns the container image reference for this runtime.
	Image() string

	// Command returns the command and args that run the harness at harnessPath.
	Command(harnessPath string) []string

	// FileExtension returns the file extension for code files (e.g., ".py").
	FileExtension() string

	// Harness returns the wrapper program that loads the solution and input,
	// exposes trace() and writes the result line.
	Harness() []byte

	// Entrypoint resolves the function to call. An explicit name is validated;
	// otherwise the first top-level function in code is used.
	Entrypoint(code, explicit string) (string, error)

	// Validate checks if the code is acceptable before execution.
	// This is a best-effort pre-check, not a full parser.
	Validate(code string) error
}

// HarnessFile returns the workspace file name of the harness for rt.
func HarnessFile(rt Runtime) string { return "harness" + rt.FileExtension() }

// SolutionFile returns the workspace file name of the submitted code for rt.
func SolutionFile(rt Runtime) string { return "solution" + rt.FileExtension() }

// Registry maps language names to their Runtime implementations.
type Registry struct {
	runtimes map[string]Runtime
	aliases  map[string]string
}

// NewRegistry creates a registry with all supported runtimes.
func NewRegistry() *Registry {
	r := &Registry{
		runtimes: make(map[string]Runtime),
		aliases: map[string]string{
			"python3":    "python",
			"py":         "python",
			"javascript": "node",
			"js":         "node",
		},
	}
	r.Register(&PythonRuntime{})
	r.Register(&NodeRuntime{})
	return r
}

// Register adds a runtime to the registry.
func (r *Registry) Register(rt Runtime) {
	r.runtimes[rt.Name()] = rt
}

// Get returns the runtime for the given language.
func (r *Registry) Get(language string) (Runtime, error) {
	name := strings.ToLower(strings.TrimSpace(language))
	if alias, ok := r.aliases[name]; ok {
		name = alias
	}
	rt, ok := r.runtimes[name]
	if !ok {
		return nil, fmt.Errorf("unsupported language: %q (supported: %s)", language, strings.Join(r.Languages(), ", "))
	}
	return rt, nil
}

// Languages returns all registered language names, sorted.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		langs = append(langs, name)
	}
	sort.Strings(langs)
	return langs
}

// Images returns all container images needed by registered runtimes.
func (r *Registry) Images() []string {
	images := make([]string, 0, len(r.runtimes))
	for _, rt := range r.runtimes {
		images = append(images, rt.Image())
	}
	sort.Strings(images)
	return images
}

func validateSize(code string) error {
	if len(strings.TrimSpace(code)) == 0 {
		return fmt.Errorf("empty code")
	}
	if len(code) > 1<<20 {
		return fmt.Errorf("code too large: %d bytes (max 1MB)", len(code))
	}
	return nil
}

// firstMatch returns the capture of whichever pattern matches earliest in code.
func firstMatch(code string, patterns ...*regexp.Regexp) string {
	best, name := -1, ""
	for _, re := range patterns {
		loc := re.FindStringSubmatchIndex(code)
		if loc == nil || len(loc) < 4 {
			continue
		}
		if best == -1 || loc[0] < best {
			best, name = loc[0], code[loc[2]:loc[3]]
		}
	}
	return name
}
