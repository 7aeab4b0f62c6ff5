package loadbalancer

import (
	"time"

	"github.com/khryptorgraphics/aperturebalancer/pkg/timerqueue"
)

// TimerHandle cancels a pending scheduled firing.
type TimerHandle = timerqueue.Handle

// TimerQueue is the injected low-resolution timer collaborator the jitter
// loop schedules against (spec §6). *timerqueue.Queue satisfies this
// interface; tests inject a fake so time can be driven deterministically.
type TimerQueue interface {
	Now() time.Time
	Schedule(at time.Time, fn func()) TimerHandle
}
