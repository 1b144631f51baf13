// Package seccomp builds deny-by-default syscall filters for the language
// runtimes. A Profile renders as an OCI runtime-spec filter for containerd
// and as the JSON document Docker accepts in "seccomp=<json>".
package seccomp

import (
	"encoding/json"
	"fmt"
	"slices"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// EPERM is returned for denied syscalls so interpreters see a clean failure
// instead of ENOSYS.
const EPERM uint = 1

// Rule applies one action to a set of syscalls, optionally gated on
// argument comparisons.
type Rule struct {
	Names  []string
	Action specs.LinuxSeccompAction
	Args   []specs.LinuxSeccompArg
}

// Profile is an ordered list of rules over an EPERM default.
type Profile struct {
	rules []Rule
}

func New() *Profile { return &Profile{} }

func (p *Profile) with(action specs.LinuxSeccompAction, names []string) *Profile {
	if len(names) > 0 {
		p.rules = append(p.rules, Rule{Names: slices.Clone(names), Action: action})
	}
	return p
}

func (p *Profile) Allow(names ...string) *Profile { return p.with(specs.ActAllow, names) }

// Deny fails the syscall with EPERM.
func (p *Profile) Deny(names ...string) *Profile { return p.with(specs.ActErrno, names) }

// Kill terminates the calling process.
func (p *Profile) Kill(names ...string) *Profile { return p.with(specs.ActKillProcess, names) }

// AllowUnlessFlags allows name only when none of flags are set in argument
// index.
func (p *Profile) AllowUnlessFlags(name string, index uint, flags uint64) *Profile {
	p.rules = append(p.rules, Rule{
		Names:  []string{name},
		Action: specs.ActAllow,
		Args:   []specs.LinuxSeccompArg{{Index: index, Value: flags, ValueTwo: 0, Op: specs.OpMaskedEqual}},
	})
	return p
}

// Extend appends the rules of other.
func (p *Profile) Extend(other *Profile) *Profile {
	p.rules = append(p.rules, other.rules...)
	return p
}

// Rules returns a copy of the rule list.
func (p *Profile) Rules() []Rule {
	out := make([]Rule, len(p.rules))
	for i, r := range p.rules {
		out[i] = Rule{Names: slices.Clone(r.Names), Action: r.Action, Args: slices.Clone(r.Args)}
	}
	return out
}

// OCI renders the profile for an OCI runtime spec.
func (p *Profile) OCI() *specs.LinuxSeccomp {
	errno := EPERM
	out := &specs.LinuxSeccomp{
		DefaultAction:   specs.ActErrno,
		DefaultErrnoRet: &errno,
		Architectures:   []specs.Arch{specs.ArchX86_64, specs.ArchX86, specs.ArchAARCH64},
	}
	for _, r := range p.rules {
		out.Syscalls = append(out.Syscalls, specs.LinuxSyscall{
			Names:  slices.Clone(r.Names),
			Action: r.Action,
			Args:   slices.Clone(r.Args),
		})
	}
	return out
}

// DockerJSON renders the profile as a Docker security option payload. The
// runtime-spec field names already match Docker's profile schema.
func (p *Profile) DockerJSON() ([]byte, error) {
	data, err := json.Marshal(p.OCI())
	if err != nil {
		return nil, fmt.Errorf("encoding seccomp profile: %w", err)
	}
	return data, nil
}

// Action reports what an OCI filter does with an unconditional call to name.
func Action(f *specs.LinuxSeccomp, name string) specs.LinuxSeccompAction {
	for _, rule := range f.Syscalls {
		if len(rule.Args) == 0 && slices.Contains(rule.Names, name) {
			return rule.Action
		}
	}
	return f.DefaultAction
}
