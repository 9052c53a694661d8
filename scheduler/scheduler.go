// Package scheduler implements the repeated executor: a single action
// scheduled on two cadences, a periodic "regular" cadence and a
// debounced "short" cadence used to coalesce bursts of topology changes
// into one fire.
package scheduler

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds the two cadences a RepeatedExecutor fires on.
type Config struct {
	// Regular is the delay between periodic fires when nothing triggers a
	// short fire in between.
	Regular time.Duration
	// Short is the coalescing delay used by TriggerShort.
	Short time.Duration
}

// RepeatedExecutor fires action on Config.Regular, or sooner (after
// Config.Short) when TriggerShort is called. A burst of TriggerShort calls
// within one short-delay window produces exactly one fire, after which the
// regular cadence resumes.
type RepeatedExecutor struct {
	mu       sync.Mutex
	running  bool
	stopChan chan struct{}

	action  func()
	regular time.Duration
	short   time.Duration

	triggerChan chan struct{}
}

// New constructs a RepeatedExecutor that calls action on the given cadences.
// It does not start running until Start is called.
func New(cfg Config, action func()) *RepeatedExecutor {
	return &RepeatedExecutor{
		action:      action,
		regular:     cfg.Regular,
		short:       cfg.Short,
		triggerChan: make(chan struct{}, 1),
	}
}

// Start begins the scheduling loop. Calling Start on an already-running
// executor is a no-op.
func (e *RepeatedExecutor) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return
	}
	e.running = true
	e.stopChan = make(chan struct{})
	go e.loop(e.stopChan)
}

// Stop halts the scheduling loop. Calling Stop on an already-stopped
// executor is a no-op.
func (e *RepeatedExecutor) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}
	e.running = false
	close(e.stopChan)
}

// TriggerShort arms a short-delay fire unless one is already pending. It is
// safe to call from any goroutine.
func (e *RepeatedExecutor) TriggerShort() {
	select {
	case e.triggerChan <- struct{}{}:
	default:
	}
}

func (e *RepeatedExecutor) loop(stopChan chan struct{}) {
	timer := time.NewTimer(e.regular)
	defer timer.Stop()

	shortPending := false

	for {
		select {
		case <-timer.C:
			logrus.WithFields(logrus.Fields{
				"component": "scheduler.RepeatedExecutor",
				"coalesced": shortPending,
			}).Debug("repeated executor fire")
			e.action()
			shortPending = false
			timer.Reset(e.regular)

		case <-e.triggerChan:
			if shortPending {
				continue
			}
			shortPending = true
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(e.short)

		case <-stopChan:
			return
		}
	}
}
