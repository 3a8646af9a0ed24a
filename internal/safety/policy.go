package safety

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aristath/autopilot/internal/config"
)

// PolicyKind selects the evaluator a policy compiles to.
type PolicyKind int

const (
	KindPath PolicyKind = iota
	KindCommand
	KindContent
	KindResource
	KindSpike
	KindBreaker
)

func (k PolicyKind) String() string {
	switch k {
	case KindPath:
		return "path"
	case KindCommand:
		return "command"
	case KindContent:
		return "content"
	case KindResource:
		return "resource"
	case KindSpike:
		return "spike"
	case KindBreaker:
		return "breaker"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParsePolicyKind parses the String form.
func ParsePolicyKind(s string) (PolicyKind, error) {
	for k := KindPath; k <= KindBreaker; k++ {
		if k.String() == strings.ToLower(s) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown policy kind %q", s)
}

// environmental reports whether the kind inspects system state rather than
// the operation itself.
func (k PolicyKind) environmental() bool {
	return k == KindResource || k == KindSpike || k == KindBreaker
}

// Threshold maps a usage percentage to a risk level.
type Threshold struct {
	Percent float64
	Risk    RiskLevel
}

// Policy is a declarative safety rule.
type Policy struct {
	ID                  string
	Kind                PolicyKind
	Description         string
	Patterns            []string // globs or path prefixes for KindPath, regular expressions otherwise
	Severity            RiskLevel
	AutoBlock           bool
	RequireConfirmation bool
	Thresholds          []Threshold // KindResource only
}

func (p Policy) clone() Policy {
	cp := p
	cp.Patterns = append([]string(nil), p.Patterns...)
	cp.Thresholds = append([]Threshold(nil), p.Thresholds...)
	return cp
}

// Defaults configures DefaultPolicies.
type Defaults struct {
	ProtectedPaths  []string
	WarnPercent     float64
	HighPercent     float64
	CriticalPercent float64
}

// Policy IDs of the built-in policies.
const (
	PolicyProtectedPaths      = "protected_paths"
	PolicyDestructiveCommands = "destructive_commands"
	PolicyRemoteCodeExecution = "remote_code_execution"
	PolicyPrivilegeEscalation = "privilege_escalation"
	PolicySensitiveContent    = "sensitive_content"
	PolicyResourceLimits      = "resource_limits"
	PolicyResourceSpikes      = "resource_spikes"
	PolicyCircuitBreakers     = "circuit_breakers"
)

// DefaultPolicies returns the built-in policy set.
func DefaultPolicies(d Defaults) []Policy {
	if d.WarnPercent == 0 {
		d.WarnPercent = 80
	}
	if d.HighPercent == 0 {
		d.HighPercent = 90
	}
	if d.CriticalPercent == 0 {
		d.CriticalPercent = 95
	}

	return []Policy{
		{
			ID:                  PolicyProtectedPaths,
			Kind:                KindPath,
			Description:         "access to a protected system path",
			Patterns:            append([]string(nil), d.ProtectedPaths...),
			Severity:            RiskHigh,
			RequireConfirmation: true,
		},
		{
			ID:          PolicyDestructiveCommands,
			Kind:        KindCommand,
			Description: "destructive shell command",
			Patterns: []string{
				`\brm\s+(-[a-zA-Z]*\s+)*-[a-zA-Z]*[rRf][a-zA-Z]*\b`,
				`\bmkfs(\.[a-z0-9]+)?\b`,
				`\bdd\s+if=`,
				`>\s*/dev/(sd|nvme|hd)[a-z0-9]*`,
				`:\(\)\s*\{\s*:\|:&\s*\};\s*:`,
				`\b(shutdown|reboot|poweroff)\s+(now|-[a-zA-Z])`,
				`\bchmod\s+-R\s+0?777\s+/`,
				`(?i)\b(drop\s+(table|database)|truncate\s+table)\b`,
				`\bgit\s+push\s+.*--force\b`,
			},
			Severity:            RiskCritical,
			RequireConfirmation: true,
		},
		{
			ID:          PolicyRemoteCodeExecution,
			Kind:        KindCommand,
			Description: "piping a remote script into a shell",
			Patterns: []string{
				`\b(curl|wget)\b[^|]*\|\s*(sudo\s+)?(ba|z|da)?sh\b`,
			},
			Severity:  RiskCritical,
			AutoBlock: true,
		},
		{
			ID:          PolicyPrivilegeEscalation,
			Kind:        KindCommand,
			Description: "privilege escalation",
			Patterns: []string{
				`\bsudo\b`,
				`\bsu\s+(-|root)`,
				`\bchown\s+(-R\s+)?root\b`,
				`\bchmod\s+[ug]?\+s\b`,
			},
			Severity:            RiskHigh,
			RequireConfirmation: true,
		},
		{
			ID:          PolicySensitiveContent,
			Kind:        KindContent,
			Description: "credentials or secrets in content",
			Patterns: []string{
				`(?i)\b(api[_-]?key|secret|password|passwd|access[_-]?token)\s*[:=]\s*\S+`,
				`-----BEGIN [A-Z ]*PRIVATE KEY-----`,
				`\bAKIA[0-9A-Z]{16}\b`,
			},
			Severity:            RiskHigh,
			RequireConfirmation: true,
		},
		{
			ID:          PolicyResourceLimits,
			Kind:        KindResource,
			Description: "resource usage above limit",
			Severity:    RiskCritical,
			Thresholds: []Threshold{
				{Percent: d.WarnPercent, Risk: RiskMedium},
				{Percent: d.HighPercent, Risk: RiskHigh},
				{Percent: d.CriticalPercent, Risk: RiskCritical},
			},
		},
		{
			ID:          PolicyResourceSpikes,
			Kind:        KindSpike,
			Description: "resource usage spike",
			Severity:    RiskMedium,
		},
		{
			ID:          PolicyCircuitBreakers,
			Kind:        KindBreaker,
			Description: "dependent subsystem circuit open",
			Severity:    RiskMedium,
		},
	}
}

// FromConfig builds the policy set from configuration: the built-in policies
// followed by configured ones in ID order. A configured policy whose ID
// matches a built-in replaces it.
func FromConfig(safetyCfg config.SafetyConfig, resCfg config.ResourceConfig) ([]Policy, error) {
	policies := DefaultPolicies(Defaults{
		ProtectedPaths:  safetyCfg.ProtectedPaths,
		WarnPercent:     resCfg.WarnPercent,
		HighPercent:     resCfg.HighPercent,
		CriticalPercent: resCfg.CriticalPercent,
	})

	ids := make([]string, 0, len(safetyCfg.Policies))
	for id := range safetyCfg.Policies {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		pc := safetyCfg.Policies[id]
		kind, err := ParsePolicyKind(pc.Kind)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", id, err)
		}
		severity, err := ParseRiskLevel(pc.Severity)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", id, err)
		}
		p := Policy{
			ID:                  id,
			Kind:                kind,
			Description:         pc.Description,
			Patterns:            append([]string(nil), pc.Patterns...),
			Severity:            severity,
			AutoBlock:           pc.AutoBlock,
			RequireConfirmation: pc.RequireConfirmation,
		}
		if p.Description == "" {
			p.Description = id
		}

		replaced := false
		for i := range policies {
			if policies[i].ID == id {
				policies[i] = p
				replaced = true
				break
			}
		}
		if !replaced {
			policies = append(policies, p)
		}
	}
	return policies, nil
}
