package monitor

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// CodeScreener inspects submitted algorithm code before launch. It sits in
// front of the sandbox, which remains the real enforcement boundary.
type CodeScreener struct {
	patterns []DetectionPattern
}

// DetectionPattern defines a suspicious pattern to match. An empty
// Languages list applies the pattern to every language.
type DetectionPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
	Languages   []string
}

func (p DetectionPattern) appliesTo(language string) bool {
	if len(p.Languages) == 0 {
		return true
	}
	for _, l := range p.Languages {
		if l == language {
			return true
		}
	}
	return false
}

// Severity levels for findings.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Detection is one matched pattern.
type Detection struct {
	Pattern  string   `json:"pattern"`
	Severity Severity `json:"-"`
	Level    string   `json:"severity"`
	Detail   string   `json:"detail"`
	Line     int      `json:"line,omitempty"`
}

// NewCodeScreener creates a screener with the default patterns.
func NewCodeScreener() *CodeScreener {
	return &CodeScreener{
		patterns: defaultPatterns(),
	}
}

// Analyze returns every pattern matched by code, one detection per
// matching line.
func (d *CodeScreener) Analyze(language, code string) []Detection {
	var detections []Detection

	lines := strings.Split(code, "\n")
	for i, line := range lines {
		for _, p := range d.patterns {
			if !p.appliesTo(language) || !p.Regex.MatchString(line) {
				continue
			}
			detections = append(detections, Detection{
				Pattern:  p.Name,
				Severity: p.Severity,
				Level:    p.Severity.String(),
				Detail:   p.Description,
				Line:     i + 1,
			})

			log.Warn().
				Str("pattern", p.Name).
				Str("severity", p.Severity.String()).
				Str("language", language).
				Int("line", i+1).
				Msg("suspicious pattern in submitted code")
		}
	}

	return detections
}

// Blocking returns the first critical detection, if any.
func Blocking(dets []Detection) (Detection, bool) {
	for _, det := range dets {
		if det.Severity >= SeverityCritical {
			return det, true
		}
	}
	return Detection{}, false
}

// pythonSpawn also catches spawning functions imported by name, aliased or not.
var pythonSpawn = regexp.MustCompile(`\b(subprocess|os\.(system|popen|exec\w*|spawn\w*|fork\w*|setsid)|posix\.\w+|pty\.spawn)\b` +
	`|^\s*from\s+(os|posix|pty)\s+import\b.*\b(system|popen|exec\w*|spawn\w*|fork\w*|setsid)\b`)

func defaultPatterns() []DetectionPattern {
	python := []string{"python"}
	node := []string{"node"}

	return []DetectionPattern{
		{
			Name:        "process_spawn",
			Description: "Spawning child processes",
			Regex:       pythonSpawn,
			Severity:    SeverityCritical,
			Languages:   python,
		},
		{
			Name:        "process_spawn",
			Description: "Spawning child processes",
			Regex:       regexp.MustCompile(`child_process|process\.binding|\bexecSync\b|\bspawnSync\b`),
			Severity:    SeverityCritical,
			Languages:   node,
		},
		{
			Name:        "native_code",
			Description: "Loading native code",
			Regex:       regexp.MustCompile(`\b(ctypes|cffi)\b|__import__\(\s*['"](ctypes|cffi)`),
			Severity:    SeverityCritical,
			Languages:   python,
		},
		{
			Name:        "native_code",
			Description: "Loading native code",
			Regex:       regexp.MustCompile(`process\.dlopen|require\(\s*['"](ffi-napi|node:ffi)`),
			Severity:    SeverityCritical,
			Languages:   node,
		},
		{
			Name:        "network_access",
			Description: "Opening network connections",
			Regex:       regexp.MustCompile(`\b(socket|urllib|http\.client|requests)\b\s*(\.|import)|import\s+(socket|urllib|requests)`),
			Severity:    SeverityHigh,
			Languages:   python,
		},
		{
			Name:        "network_access",
			Description: "Opening network connections",
			Regex:       regexp.MustCompile(`require\(\s*['"](node:)?(net|http|https|dgram|tls)['"]|\bfetch\(`),
			Severity:    SeverityHigh,
			Languages:   node,
		},
		{
			Name:        "fork_bomb",
			Description: "Unbounded process creation",
			Regex:       regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\};:|while\s+True:\s*os\.fork`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "dynamic_eval",
			Description: "Evaluating dynamically built code",
			Regex:       regexp.MustCompile(`\b(eval|exec|compile)\s*\(|new\s+Function\s*\(`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "proc_self_access",
			Description: "Accessing /proc/self for process info",
			Regex:       regexp.MustCompile(`/proc/self/(root|exe|fd|ns|maps|status)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "container_breakout",
			Description: "Attempting container breakout via cgroup",
			Regex:       regexp.MustCompile(`/sys/fs/cgroup|notify_on_release|release_agent`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "host_mount_access",
			Description: "Attempting to access host runtime sockets",
			Regex:       regexp.MustCompile(`/var/run/docker|/var/run/containerd|/run/containerd`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "metadata_service",
			Description: "Attempting to reach cloud metadata service",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "env_secrets",
			Description: "Reading the process environment",
			Regex:       regexp.MustCompile(`os\.environ|process\.env\b`),
			Severity:    SeverityLow,
		},
		{
			Name:        "crypto_miner",
			Description: "Potential cryptocurrency mining",
			Regex:       regexp.MustCompile(`(?i)(stratum\+tcp|xmrig|minerd|cryptonight)`),
			Severity:    SeverityMedium,
		},
	}
}
