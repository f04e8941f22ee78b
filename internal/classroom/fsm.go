package classroom

import (
	"fmt"

	"github.com/ashureev/shsh-classroom/internal/domain"
)

// Trigger is an event that moves the call status.
type Trigger string

const (
	TriggerConnect       Trigger = "connect"
	TriggerConnected     Trigger = "connected"
	TriggerFailed        Trigger = "failed"
	TriggerEnd           Trigger = "end"
	TriggerChapterChange Trigger = "chapter_change"
	TriggerLost          Trigger = "lost"
	TriggerCleanupDone   Trigger = "cleanup_done"
)

// NextStatus returns the status that trigger leads to from from.
//
//	idle --connect--> connecting --connected--> connected
//	connecting --failed--> idle
//	connecting|connected --end|chapter_change|lost--> disconnecting
//	disconnecting --cleanup_done--> idle
func NextStatus(from domain.Status, trigger Trigger) (domain.Status, error) {
	switch from {
	case domain.StatusIdle:
		if trigger == TriggerConnect {
			return domain.StatusConnecting, nil
		}
	case domain.StatusConnecting:
		switch trigger {
		case TriggerConnected:
			return domain.StatusConnected, nil
		case TriggerFailed:
			return domain.StatusIdle, nil
		case TriggerEnd, TriggerChapterChange, TriggerLost:
			return domain.StatusDisconnecting, nil
		}
	case domain.StatusConnected:
		switch trigger {
		case TriggerEnd, TriggerChapterChange, TriggerLost:
			return domain.StatusDisconnecting, nil
		}
	case domain.StatusDisconnecting:
		if trigger == TriggerCleanupDone {
			return domain.StatusIdle, nil
		}
	}
	return from, fmt.Errorf("%w: %s on %s", domain.ErrInvalidTransition, trigger, from)
}
