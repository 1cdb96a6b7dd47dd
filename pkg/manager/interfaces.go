package manager

import (
	"time"

	"github.com/avereha/pdm/pkg/dose"
	"github.com/avereha/pdm/pkg/pod"
)

// DoseStore is the external dose-history sink. Store must not return
// until the doses are durable; the manager blocks session teardown on
// it so the ledger and the history never disagree.
type DoseStore interface {
	Store(doses []*dose.UnfinalizedDose) error
}

// ReminderNotifier schedules the local pod-expiration reminder. The
// manager only computes the date; actual delivery of the reminder is
// the platform's problem.
type ReminderNotifier interface {
	ScheduleExpirationReminder(at time.Time)
	CancelExpirationReminder()
}

// Observer receives synchronous state-change callbacks. Callbacks may
// or may not run with the manager's locks held, so observers must not
// call back into the manager and must not retain the state pointer.
type Observer interface {
	PodStateChanged(st *pod.State)
	ConnectionStateChanged(connected bool)
}
