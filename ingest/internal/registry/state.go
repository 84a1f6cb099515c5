package registry

import "strings"

const (
	StatusUnknown = "unknown"
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusError   = "error"
)

const (
	ArmStatusArmed    = "armed"
	ArmStatusDisarmed = "disarmed"
	ArmStatusPartial  = "partial"
	ArmStatusUnknown  = "unknown"
)

// statusTransitions encodes the per-device connectivity machine. online and
// offline cycle on heartbeat presence; error marks an integration fault and
// clears only on a successful explicit fetch.
var statusTransitions = map[string]map[string]bool{
	StatusUnknown: {
		StatusOnline:  true,
		StatusOffline: true,
		StatusError:   true,
	},
	StatusOnline: {
		StatusOffline: true,
		StatusError:   true,
	},
	StatusOffline: {
		StatusOnline: true,
		StatusError:  true,
	},
	StatusError: {
		StatusOnline:  true,
		StatusOffline: true,
	},
}

func NormalizeStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

func CanTransition(fromStatus string, toStatus string) bool {
	fromStatus = NormalizeStatus(fromStatus)
	toStatus = NormalizeStatus(toStatus)
	if fromStatus == toStatus {
		return true
	}
	next := statusTransitions[fromStatus]
	if next == nil {
		return false
	}
	return next[toStatus]
}

func AllStatuses() []string {
	return []string{StatusUnknown, StatusOnline, StatusOffline, StatusError}
}

func NormalizeArmStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "arm", "armed", "away", "stay":
		return ArmStatusArmed
	case "disarm", "disarmed":
		return ArmStatusDisarmed
	case "partial", "partially", "home":
		return ArmStatusPartial
	default:
		return ArmStatusUnknown
	}
}
