package ring

import (
	"sync"
	"time"
)

// KillSwitch is the process-wide stop for patch application. It is an
// explicit shared object injected into every engine, mutated only through
// the control API, and read at transition boundaries, never mid-operation.
// Once engaged it forbids applied transitions in every cycle until cleared.
type KillSwitch struct {
	mu        sync.RWMutex
	engaged   bool
	reason    string
	engagedAt time.Time
}

// NewKillSwitch returns a disengaged kill-switch.
func NewKillSwitch() *KillSwitch {
	return &KillSwitch{}
}

// Engage stops all further patch application.
func (k *KillSwitch) Engage(reason string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.engaged = true
	k.reason = reason
	k.engagedAt = time.Now()
}

// Clear re-enables patch application.
func (k *KillSwitch) Clear() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.engaged = false
	k.reason = ""
	k.engagedAt = time.Time{}
}

// Engaged reports the switch state and the reason it was engaged.
func (k *KillSwitch) Engaged() (bool, string) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.engaged, k.reason
}
