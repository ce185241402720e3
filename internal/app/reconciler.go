package app

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/voxkit/voxkit/internal/core"
	"github.com/voxkit/voxkit/internal/domain"
)

// Reconciler merges authoritative voice-state snapshots with live deltas
// into one presentable view of who is in the channel.
type Reconciler struct {
	mu       sync.RWMutex
	states   map[domain.UserID]domain.VoiceState
	onChange func([]domain.VoiceState)
}

func NewReconciler() *Reconciler {
	return &Reconciler{states: make(map[domain.UserID]domain.VoiceState)}
}

// OnChange registers a presentation callback, invoked with a fresh
// snapshot after every applied change. Set before feeding events.
func (r *Reconciler) OnChange(fn func([]domain.VoiceState)) {
	r.onChange = fn
}

// ApplySnapshot replaces the whole view with the server's authoritative
// membership list, e.g. from a join confirmation.
func (r *Reconciler) ApplySnapshot(states []domain.VoiceState) {
	r.mu.Lock()
	r.states = make(map[domain.UserID]domain.VoiceState, len(states))
	for _, s := range states {
		r.states[s.User] = s
	}
	r.mu.Unlock()
	r.notify()
}

// Apply folds one live dispatch into the view. Events it does not
// understand are ignored.
func (r *Reconciler) Apply(d core.Dispatch) {
	switch d.Type {
	case core.EvtVoiceState:
		var s domain.VoiceState
		if err := json.Unmarshal(d.Data, &s); err != nil {
			log.Error().Err(err).Str("module", "app.reconciler").Msg("bad voice state")
			return
		}
		r.mu.Lock()
		if s.Channel == "" {
			delete(r.states, s.User)
		} else {
			r.states[s.User] = s
		}
		r.mu.Unlock()
		r.notify()
	case core.EvtUserLeft:
		r.mu.Lock()
		_, ok := r.states[d.User]
		delete(r.states, d.User)
		r.mu.Unlock()
		if ok {
			r.notify()
		}
	}
}

// States returns the current view ordered by user id.
func (r *Reconciler) States() []domain.VoiceState {
	r.mu.RLock()
	out := make([]domain.VoiceState, 0, len(r.states))
	for _, s := range r.states {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].User < out[j].User })
	return out
}

func (r *Reconciler) notify() {
	if r.onChange != nil {
		r.onChange(r.States())
	}
}
