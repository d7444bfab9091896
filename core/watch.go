package core

import (
	"math"
	"sync"

	"github.com/rs/xid"
)

// Watcher is a subscription to the snapshots of one device. The channel
// holds at most one pending snapshot; a newer one replaces it.
type Watcher struct {
	id       string
	deviceId string
	owner    *device
	c        chan Snapshot
	done     chan struct{}

	// guarded by owner.listenersMutex
	last    Snapshot
	hasLast bool
	lastSeq uint64

	closeOnce sync.Once

	stopMutex sync.Mutex
	stop      func() bool
	closing   bool
}

func newWatcher(owner *device) *Watcher {
	return &Watcher{
		id:       xid.New().String(),
		deviceId: owner.id,
		owner:    owner,
		c:        make(chan Snapshot, 1),
		done:     make(chan struct{}),
	}
}

func (w *Watcher) Id() string       { return w.id }
func (w *Watcher) DeviceId() string { return w.deviceId }

// C is closed after Close, after the device is removed or when the core shuts down.
func (w *Watcher) C() <-chan Snapshot { return w.c }

// Done is closed together with C, without consuming a pending snapshot.
func (w *Watcher) Done() <-chan struct{} { return w.done }

// Close deregisters the watcher before returning. It is safe to call more than once.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		w.stopMutex.Lock()
		w.closing = true
		stop := w.stop
		w.stopMutex.Unlock()
		if stop != nil {
			stop()
		}
		w.owner.removeListener(w)
	})
}

// setStop hands the watcher the cancel of its context hook. A watcher that
// is already closing releases the hook right away.
func (w *Watcher) setStop(stop func() bool) {
	w.stopMutex.Lock()
	closing := w.closing
	if !closing {
		w.stop = stop
	}
	w.stopMutex.Unlock()
	if closing {
		stop()
	}
}

// finish closes the channels. Callers hold owner.listenersMutex.
func (w *Watcher) finish() {
	close(w.c)
	close(w.done)
}

// offer delivers s unless it is older than what the watcher already saw or
// does not differ enough from the last delivered snapshot.
func (w *Watcher) offer(s Snapshot, seq uint64, minDelta float64) {
	if w.hasLast {
		if seq <= w.lastSeq {
			return
		}
		w.lastSeq = seq
		if !significant(w.last, s, minDelta) {
			return
		}
	}
	w.last, w.hasLast, w.lastSeq = s, true, seq

	select {
	case w.c <- s:
	default:
		// drop the stale pending snapshot
		select {
		case <-w.c:
		default:
		}
		select {
		case w.c <- s:
		default:
		}
	}
}

func significant(prev, next Snapshot, minDelta float64) bool {
	if next.Revision != prev.Revision || next.Status != prev.Status {
		return true
	}
	if next.ActualSpeed == prev.ActualSpeed {
		return false
	}
	return math.Abs(next.ActualSpeed-prev.ActualSpeed) >= minDelta || next.settled()
}

// settled reports whether the clock has nothing left to do for the device.
func (s Snapshot) settled() bool {
	if s.Status == Running {
		return s.ActualSpeed == s.TargetSpeed
	}
	return s.ActualSpeed == 0
}
