package telemetry

import (
	"context"
	"errors"
	"strings"
)

// Category is the closed set of failure classes reported to users.
type Category string

const (
	CategoryNone          Category = ""
	CategoryTimeout       Category = "timeout"
	CategoryMissingFile   Category = "missing_file"
	CategorySyntax        Category = "syntax"
	CategoryNetwork       Category = "network"
	CategoryDependency    Category = "dependency"
	CategoryArchitecture  Category = "architecture"
	CategoryCompilation   Category = "compilation"
	CategoryPackaging     Category = "packaging"
	CategoryConfiguration Category = "configuration"
	CategoryPermission    Category = "permission"
	CategoryResource      Category = "resource"
	CategorySecurity      Category = "security"
	CategoryUnknown       Category = "unknown"
)

// Stages that own dedicated rules. Any other stage name falls through to the
// generic cascade.
const (
	StagePreflight = "preflight"
	StageResolve   = "resolve"
	StageFetch     = "fetch"
	StageChecksum  = "checksum"
	StageExtract   = "extract"
	StageBinary    = "binary_root"
	StagePackage   = "package"
	StageQuality   = "quality"
)

// Rule maps a failure to a category when Stage matches (empty matches any
// stage) and any keyword occurs in the lowercased reason.
type Rule struct {
	Stage    string
	Keywords []string
	Category Category
}

func (r Rule) matches(stage, reason string) bool {
	if r.Stage != "" && r.Stage != stage {
		return false
	}
	if len(r.Keywords) == 0 {
		return true
	}
	for _, kw := range r.Keywords {
		if strings.Contains(reason, kw) {
			return true
		}
	}
	return false
}

// StageRules run before the generic cascade.
var StageRules = []Rule{
	{Stage: StagePackage, Keywords: []string{"no such file", "not found", "cannot stat", "no artifact", "does not exist"}, Category: CategoryMissingFile},
	{Stage: StagePackage, Keywords: []string{"permission denied", "operation not permitted", "read-only file system"}, Category: CategoryPermission},
	{Stage: StagePackage, Keywords: []string{"no space left", "out of memory", "cannot allocate", "oom-kill", "oomkilled", "killed"}, Category: CategoryResource},
	{Stage: StagePackage, Keywords: []string{"could not resolve", "connection refused", "temporary failure", "tls handshake", "i/o timeout"}, Category: CategoryNetwork},
	{Stage: StagePackage, Keywords: []string{"syntax error", "parse error", "unexpected token", "dockerfile parse"}, Category: CategorySyntax},
	{Stage: StageQuality, Category: CategoryPackaging},
	{Stage: StageChecksum, Keywords: []string{"checksum mismatch"}, Category: CategorySecurity},
	{Stage: StageResolve, Keywords: []string{"template"}, Category: CategoryConfiguration},
	{Stage: StageBinary, Category: CategoryConfiguration},
	{Stage: StageExtract, Keywords: []string{"unsupported archive format"}, Category: CategoryConfiguration},
	{Stage: StageExtract, Category: CategoryPackaging},
}

// GenericRules is the fallback cascade, in precedence order.
var GenericRules = []Rule{
	{Keywords: []string{"deadline exceeded", "timed out", "timeout"}, Category: CategoryTimeout},
	{Keywords: []string{"connection refused", "connection reset", "no such host", "could not resolve", "network is unreachable", "tls", "status 5", "eof"}, Category: CategoryNetwork},
	{Keywords: []string{"unmet dependencies", "dependency", "depends:", "unable to locate package", "broken packages"}, Category: CategoryDependency},
	{Keywords: []string{"exec format error", "qemu", "binfmt", "cross-build", "cross-compil", "wrong architecture", "platform"}, Category: CategoryArchitecture},
	{Keywords: []string{"compil", "undefined reference", "linker", "ld returned"}, Category: CategoryCompilation},
	{Keywords: []string{"dpkg", "debian/", "control file", "lintian", "quality policy"}, Category: CategoryPackaging},
	{Keywords: []string{"invalid configuration", "config", "template", "unsupported", "missing required"}, Category: CategoryConfiguration},
	{Keywords: []string{"permission denied", "operation not permitted", "access denied", "unauthorized", "forbidden"}, Category: CategoryPermission},
	{Keywords: []string{"no space left", "out of memory", "cannot allocate", "resource temporarily unavailable", "too many open files"}, Category: CategoryResource},
	{Keywords: []string{"checksum", "signature", "certificate", "gpg", "integrity"}, Category: CategorySecurity},
}

// Classify applies StageRules then GenericRules; the first match wins and
// CategoryUnknown is the terminal default.
func Classify(stage, reason string) Category {
	reason = strings.ToLower(reason)
	for _, rule := range StageRules {
		if rule.matches(stage, reason) {
			return rule.Category
		}
	}
	for _, rule := range GenericRules {
		if rule.matches("", reason) {
			return rule.Category
		}
	}
	return CategoryUnknown
}

// ClassifyError classifies err raised in stage. Deadline expiry is always a
// timeout whatever the message says.
func ClassifyError(stage string, err error) Category {
	if err == nil {
		return CategoryNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	return Classify(stage, err.Error())
}
