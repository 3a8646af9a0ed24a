package safety

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/aristath/autopilot/internal/breaker"
	"github.com/aristath/autopilot/internal/resource"
)

// Violation types produced by the evaluators.
const (
	TypePathAccess       = "path_access"
	TypeDangerousCommand = "dangerous_command"
	TypeSensitiveContent = "sensitive_content"
	TypeResourceLimit    = "resource_limit"
	TypeResourceSpike    = "resource_spike"
	TypeCircuitOpen      = "circuit_open"
	TypeMonitorFailure   = "monitor_failure"
)

// environment is the system state a policy may inspect.
type environment struct {
	snapshot    resource.Snapshot
	hasSnapshot bool
	breakers    []breaker.State
}

// finding is one match produced by an evaluator, before it becomes a Violation.
type finding struct {
	Type        string
	Risk        RiskLevel
	Description string
	Context     map[string]string
	key         string // non-empty for environmental findings
}

// evaluator is the capability every policy kind compiles to.
type evaluator interface {
	evaluate(op Operation, env environment) []finding
}

func compile(p Policy) (evaluator, error) {
	switch p.Kind {
	case KindPath:
		return newPathEvaluator(p), nil
	case KindCommand, KindContent:
		return newPatternEvaluator(p)
	case KindResource:
		if len(p.Thresholds) == 0 {
			return nil, fmt.Errorf("policy %s: resource policy has no thresholds", p.ID)
		}
		return resourceEvaluator{policy: p}, nil
	case KindSpike:
		return spikeEvaluator{policy: p}, nil
	case KindBreaker:
		return breakerEvaluator{policy: p}, nil
	default:
		return nil, fmt.Errorf("policy %s: unsupported kind %s", p.ID, p.Kind)
	}
}

// pathEvaluator matches operation files against globs or directory prefixes.
type pathEvaluator struct {
	policy   Policy
	patterns []string
}

func newPathEvaluator(p Policy) pathEvaluator {
	home, _ := os.UserHomeDir()
	patterns := make([]string, 0, len(p.Patterns))
	for _, pat := range p.Patterns {
		if home != "" && (pat == "~" || strings.HasPrefix(pat, "~/")) {
			pat = filepath.Join(home, strings.TrimPrefix(pat, "~"))
		}
		patterns = append(patterns, pat)
	}
	return pathEvaluator{policy: p, patterns: patterns}
}

func (e pathEvaluator) evaluate(op Operation, _ environment) []finding {
	var out []finding
	for _, file := range op.Files {
		clean := filepath.Clean(file)
		for _, pat := range e.patterns {
			if !matchPath(pat, clean) {
				continue
			}
			out = append(out, finding{
				Type:        TypePathAccess,
				Risk:        e.policy.Severity,
				Description: fmt.Sprintf("%s: %s", e.policy.Description, file),
				Context:     map[string]string{"path": file, "pattern": pat},
			})
			break
		}
	}
	return out
}

func matchPath(pattern, path string) bool {
	if strings.ContainsAny(pattern, "*?[") {
		if ok, _ := filepath.Match(pattern, path); ok {
			return true
		}
		if !strings.ContainsAny(pattern, `/\`) {
			ok, _ := filepath.Match(pattern, filepath.Base(path))
			return ok
		}
		return false
	}
	if path == pattern {
		return true
	}
	for _, sep := range []string{"/", `\`} {
		if strings.HasPrefix(path, strings.TrimSuffix(pattern, sep)+sep) {
			return true
		}
	}
	return false
}

// patternEvaluator applies regular expressions to the operation text.
// Command policies inspect the command and the prompt; content policies
// inspect the content and the prompt.
type patternEvaluator struct {
	policy   Policy
	patterns []*regexp.Regexp
}

func newPatternEvaluator(p Policy) (patternEvaluator, error) {
	e := patternEvaluator{policy: p}
	for _, pat := range p.Patterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return e, fmt.Errorf("policy %s: pattern %q: %w", p.ID, pat, err)
		}
		e.patterns = append(e.patterns, re)
	}
	return e, nil
}

func (e patternEvaluator) evaluate(op Operation, _ environment) []finding {
	typ := TypeDangerousCommand
	fields := map[string]string{"command": op.Command, "prompt": op.Prompt}
	if e.policy.Kind == KindContent {
		typ = TypeSensitiveContent
		fields = map[string]string{"content": op.Content, "prompt": op.Prompt}
	}

	for _, field := range []string{"command", "content", "prompt"} {
		text, ok := fields[field]
		if !ok || text == "" {
			continue
		}
		for _, re := range e.patterns {
			match := re.FindString(text)
			if match == "" {
				continue
			}
			ctx := map[string]string{"field": field, "pattern": re.String()}
			if typ == TypeDangerousCommand {
				ctx["match"] = match
			}
			return []finding{{
				Type:        typ,
				Risk:        e.policy.Severity,
				Description: fmt.Sprintf("%s in %s", e.policy.Description, field),
				Context:     ctx,
			}}
		}
	}
	return nil
}

// resourceEvaluator reports the highest threshold each resource exceeds.
type resourceEvaluator struct {
	policy Policy
}

func (e resourceEvaluator) evaluate(_ Operation, env environment) []finding {
	if !env.hasSnapshot {
		return nil
	}
	var out []finding
	for _, r := range resource.All {
		pct := env.snapshot.Get(r).Current
		var hit *Threshold
		for i := range e.policy.Thresholds {
			t := &e.policy.Thresholds[i]
			if pct >= t.Percent && (hit == nil || t.Risk > hit.Risk) {
				hit = t
			}
		}
		if hit == nil {
			continue
		}
		out = append(out, finding{
			Type:        TypeResourceLimit,
			Risk:        hit.Risk,
			Description: fmt.Sprintf("%s usage %.1f%% >= %.0f%%", r, pct, hit.Percent),
			Context: map[string]string{
				"resource":  string(r),
				"percent":   strconv.FormatFloat(pct, 'f', 1, 64),
				"threshold": strconv.FormatFloat(hit.Percent, 'f', -1, 64),
			},
			key: string(r),
		})
	}
	return out
}

type spikeEvaluator struct {
	policy Policy
}

func (e spikeEvaluator) evaluate(_ Operation, env environment) []finding {
	if !env.hasSnapshot {
		return nil
	}
	var out []finding
	for _, u := range env.snapshot.Spikes() {
		out = append(out, finding{
			Type:        TypeResourceSpike,
			Risk:        e.policy.Severity,
			Description: fmt.Sprintf("%s spiked to %.1f%% (average %.1f%%)", u.Resource, u.Current, u.Average),
			Context: map[string]string{
				"resource": string(u.Resource),
				"current":  strconv.FormatFloat(u.Current, 'f', 1, 64),
				"average":  strconv.FormatFloat(u.Average, 'f', 1, 64),
			},
			key: string(u.Resource),
		})
	}
	return out
}

type breakerEvaluator struct {
	policy Policy
}

func (e breakerEvaluator) evaluate(_ Operation, env environment) []finding {
	var out []finding
	for _, b := range env.breakers {
		if b.State != breaker.Open {
			continue
		}
		out = append(out, finding{
			Type:        TypeCircuitOpen,
			Risk:        e.policy.Severity,
			Description: fmt.Sprintf("circuit breaker %s is open", b.Name),
			Context: map[string]string{
				"breaker":  b.Name,
				"failures": strconv.Itoa(b.Failures),
			},
			key: b.Name,
		})
	}
	return out
}
