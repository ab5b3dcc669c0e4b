package notify

import (
	"fmt"

	"igpilot/internal/eventbus"
	"igpilot/internal/fault"
)

// alertFor maps a bus event to an operator alert.
func alertFor(ev eventbus.Event, failedJobs bool) (Alert, bool) {
	switch d := ev.Data.(type) {
	case eventbus.AccountEvent:
		switch ev.Type {
		case eventbus.AccountChallenge:
			return Alert{
				Priority: 8,
				Key:      fmt.Sprintf("account:%d:challenge", d.AccountID),
				Text:     fmt.Sprintf("Account %s is parked and %s. %s", d.Username, fault.ManualVerification, d.Message),
			}, true
		case eventbus.AccountBanned:
			return Alert{
				Priority: 9,
				Key:      fmt.Sprintf("account:%d:banned", d.AccountID),
				Text:     fmt.Sprintf("Account %s was banned. %s", d.Username, d.Message),
			}, true
		}
	case eventbus.JobEvent:
		// Parked accounts already raised their own alert.
		if ev.Type != eventbus.JobFailed || !failedJobs || d.Retryable || fault.Class(d.ErrorClass).Sticky() {
			return Alert{}, false
		}
		return Alert{
			Priority: 5,
			Key:      fmt.Sprintf("job:%d:%s", d.AccountID, d.ErrorClass),
			Text:     fmt.Sprintf("Job %s (%s) for account %d failed: %s", d.JobID, d.Kind, d.AccountID, d.Error),
		}, true
	}
	return Alert{}, false
}

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	case p >= 5:
		return "ℹ️ "
	default:
		return ""
	}
}
