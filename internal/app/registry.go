package app

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voxkit/voxkit/internal/core"
	"github.com/voxkit/voxkit/internal/domain"
)

var (
	ErrWaitTimeout  = errors.New("wait timed out")
	ErrWaitCanceled = errors.New("wait canceled")
)

// Scope restricts which dispatches may fulfil a wait. Zero fields match
// anything; set fields must equal the corresponding dispatch field.
type Scope struct {
	Room      domain.RoomID
	Channel   domain.ChannelID
	Transport domain.TransportID
	Token     uint64
}

func (s Scope) matches(d core.Dispatch) bool {
	if s.Room != "" && s.Room != d.Room {
		return false
	}
	if s.Channel != "" && s.Channel != d.Channel {
		return false
	}
	if s.Transport != "" && s.Transport != d.Transport {
		return false
	}
	if s.Token != 0 && s.Token != d.Token {
		return false
	}
	return true
}

type WaitSpec struct {
	Type    core.EventType
	Scope   Scope
	Match   func(core.Dispatch) bool
	Timeout time.Duration
}

type waitResult struct {
	d   core.Dispatch
	err error
}

// Wait is one pending correlation record. Settled at most once; late
// timer firings and duplicate resolutions are ignored.
type Wait struct {
	reg   *WaitRegistry
	spec  WaitSpec
	ch    chan waitResult
	timer *time.Timer
	done  bool // guarded by reg.mu
}

// Await blocks until the wait is resolved, rejected or timed out.
func (w *Wait) Await() (core.Dispatch, error) {
	r := <-w.ch
	return r.d, r.err
}

// Cancel rejects the wait locally. No-op if already settled.
func (w *Wait) Cancel(err error) {
	w.reg.reject(w, err)
}

// WaitRegistry bridges the push dispatch stream into awaitable calls.
// The pending-wait map is the only cross-component shared state; every
// settle path takes the mutex and checks the done flag so a timeout
// racing a matching event settles exactly once.
type WaitRegistry struct {
	mu    sync.Mutex
	waits map[core.EventType][]*Wait
}

func NewWaitRegistry() *WaitRegistry {
	return &WaitRegistry{waits: make(map[core.EventType][]*Wait)}
}

// Expect registers a wait and arms its timeout. Register before sending
// the intent so the confirmation cannot slip past.
func (r *WaitRegistry) Expect(spec WaitSpec) *Wait {
	w := &Wait{reg: r, spec: spec, ch: make(chan waitResult, 1)}
	r.mu.Lock()
	r.waits[spec.Type] = append(r.waits[spec.Type], w)
	r.mu.Unlock()
	if spec.Timeout > 0 {
		w.timer = time.AfterFunc(spec.Timeout, func() {
			r.reject(w, ErrWaitTimeout)
		})
	}
	return w
}

// Resolve delivers one inbound dispatch, settling every matching wait.
// Returns how many waits it fulfilled.
func (r *WaitRegistry) Resolve(d core.Dispatch) int {
	r.mu.Lock()
	bucket := r.waits[d.Type]
	var matched, kept []*Wait
	for _, w := range bucket {
		if w.done {
			continue
		}
		if w.spec.Scope.matches(d) && (w.spec.Match == nil || w.spec.Match(d)) {
			w.done = true
			matched = append(matched, w)
		} else {
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 {
		delete(r.waits, d.Type)
	} else {
		r.waits[d.Type] = kept
	}
	r.mu.Unlock()

	for _, w := range matched {
		w.stopTimer()
		w.ch <- waitResult{d: d}
	}
	return len(matched)
}

// RejectByScope cancels only the waits scoped to the given room (and
// channel, when set), leaving unrelated waits untouched.
func (r *WaitRegistry) RejectByScope(room domain.RoomID, channel domain.ChannelID, reason error) {
	r.mu.Lock()
	var matched []*Wait
	for t, bucket := range r.waits {
		var kept []*Wait
		for _, w := range bucket {
			if w.done {
				continue
			}
			if w.spec.Scope.Room == room && (channel == "" || w.spec.Scope.Channel == channel) {
				w.done = true
				matched = append(matched, w)
			} else {
				kept = append(kept, w)
			}
		}
		if len(kept) == 0 {
			delete(r.waits, t)
		} else {
			r.waits[t] = kept
		}
	}
	r.mu.Unlock()

	for _, w := range matched {
		w.stopTimer()
		w.ch <- waitResult{err: reason}
	}
	if len(matched) > 0 {
		log.Debug().Str("module", "app.waits").Str("room", string(room)).Int("count", len(matched)).Msg("rejected scoped waits")
	}
}

// RejectAll cancels every pending wait, used on connection loss or
// disposal.
func (r *WaitRegistry) RejectAll(reason error) {
	r.mu.Lock()
	var matched []*Wait
	for _, bucket := range r.waits {
		for _, w := range bucket {
			if !w.done {
				w.done = true
				matched = append(matched, w)
			}
		}
	}
	r.waits = make(map[core.EventType][]*Wait)
	r.mu.Unlock()

	for _, w := range matched {
		w.stopTimer()
		w.ch <- waitResult{err: reason}
	}
	if len(matched) > 0 {
		log.Debug().Str("module", "app.waits").Int("count", len(matched)).Msg("rejected all waits")
	}
}

// Len reports pending waits across all buckets.
func (r *WaitRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, bucket := range r.waits {
		for _, w := range bucket {
			if !w.done {
				n++
			}
		}
	}
	return n
}

// AwaitEither races the awaited confirmation against a same-scoped error
// dispatch: a server-reported failure surfaces as a DispatchError
// rejection instead of a timeout. send, when non-nil, runs after both
// waits are registered.
func (r *WaitRegistry) AwaitEither(success WaitSpec, errScope Scope, send func() error) (core.Dispatch, error) {
	sw := r.Expect(success)
	ew := r.Expect(WaitSpec{Type: core.EvtError, Scope: errScope, Timeout: success.Timeout})

	if send != nil {
		if err := send(); err != nil {
			sw.Cancel(err)
			ew.Cancel(err)
			return core.Dispatch{}, err
		}
	}

	select {
	case res := <-sw.ch:
		ew.Cancel(ErrWaitCanceled)
		if res.err != nil {
			return core.Dispatch{}, res.err
		}
		return res.d, nil
	case res := <-ew.ch:
		sw.Cancel(ErrWaitCanceled)
		if res.err != nil {
			return core.Dispatch{}, res.err
		}
		return core.Dispatch{}, &core.DispatchError{Code: res.d.Code}
	}
}

func (r *WaitRegistry) reject(w *Wait, err error) {
	r.mu.Lock()
	if w.done {
		r.mu.Unlock()
		return
	}
	w.done = true
	bucket := r.waits[w.spec.Type]
	var kept []*Wait
	for _, o := range bucket {
		if o != w {
			kept = append(kept, o)
		}
	}
	if len(kept) == 0 {
		delete(r.waits, w.spec.Type)
	} else {
		r.waits[w.spec.Type] = kept
	}
	r.mu.Unlock()

	w.stopTimer()
	w.ch <- waitResult{err: err}
}

func (w *Wait) stopTimer() {
	if w.timer != nil {
		w.timer.Stop()
	}
}
