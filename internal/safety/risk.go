package safety

import (
	"fmt"
	"strings"
)

// RiskLevel orders the severity of a violation.
type RiskLevel int

const (
	RiskSafe RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskSafe:
		return "SAFE"
	case RiskLow:
		return "LOW"
	case RiskMedium:
		return "MEDIUM"
	case RiskHigh:
		return "HIGH"
	case RiskCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("RISK(%d)", int(r))
	}
}

// ParseRiskLevel accepts the String form in any case. "warning" is an alias
// for MEDIUM.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SAFE":
		return RiskSafe, nil
	case "LOW":
		return RiskLow, nil
	case "MEDIUM", "WARNING":
		return RiskMedium, nil
	case "HIGH":
		return RiskHigh, nil
	case "CRITICAL":
		return RiskCritical, nil
	default:
		return RiskSafe, fmt.Errorf("unknown risk level %q", s)
	}
}

// Action is something the caller must do before proceeding.
type Action string

const (
	ActionImmediateStop    Action = "immediate_stop"
	ActionUserConfirmation Action = "user_confirmation"
	ActionLogWarning       Action = "log_warning"
	ActionReject           Action = "reject"
)

// requiredActions derives the action set for an overall risk level.
// CRITICAL always includes immediate_stop and user_confirmation.
func requiredActions(risk RiskLevel, confirm, blocked bool) []Action {
	var actions []Action
	add := func(a Action) {
		for _, existing := range actions {
			if existing == a {
				return
			}
		}
		actions = append(actions, a)
	}

	if blocked {
		add(ActionReject)
	}
	switch {
	case risk >= RiskCritical:
		add(ActionImmediateStop)
		add(ActionUserConfirmation)
	case risk == RiskHigh:
		add(ActionUserConfirmation)
	case risk == RiskMedium:
		add(ActionLogWarning)
	}
	if confirm {
		add(ActionUserConfirmation)
	}
	return actions
}

// HasAction reports whether actions contains a.
func HasAction(actions []Action, a Action) bool {
	for _, x := range actions {
		if x == a {
			return true
		}
	}
	return false
}
