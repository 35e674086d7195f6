package packaging

import "fmt"

// DefaultLifecycle lists, per architecture, the distribution generations that
// still ship it. Architectures absent from the table build everywhere.
var DefaultLifecycle = map[string][]string{
	"i386":     {"bullseye", "bookworm"},
	"armel":    {"bullseye", "bookworm"},
	"mips64el": {"bullseye", "bookworm"},
	"mipsel":   {"bullseye"},
	"riscv64":  {"trixie", "forky", "sid"},
	"loong64":  {"forky", "sid"},
}

// Policy decides which (architecture, distribution) pairs are built. A user
// allow-list for an architecture replaces the builtin entry entirely.
type Policy struct {
	builtin  map[string][]string
	override map[string][]string
}

// NewPolicy combines builtin with user overrides. A nil builtin uses
// DefaultLifecycle.
func NewPolicy(builtin, override map[string][]string) *Policy {
	if builtin == nil {
		builtin = DefaultLifecycle
	}
	return &Policy{builtin: builtin, override: override}
}

// Eligible reports whether dist should be built for arch, with a reason when
// it should not.
func (p *Policy) Eligible(arch, dist string) (bool, string) {
	if allowed, ok := p.override[arch]; ok {
		if contains(allowed, dist) {
			return true, ""
		}
		return false, fmt.Sprintf("%s is not in the configured allow-list for %s", dist, arch)
	}
	if allowed, ok := p.builtin[arch]; ok {
		if contains(allowed, dist) {
			return true, ""
		}
		return false, fmt.Sprintf("%s does not ship %s", dist, arch)
	}
	return true, ""
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
