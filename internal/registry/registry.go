// Package registry tracks which lifecycle set each crawler belongs to.
//
// A Registry is not safe for concurrent use; the scheduler owns it and only
// touches it from its event loop.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"sort"
)

// State is one of the five lifecycle sets.
type State string

// Lifecycle states.
const (
	Todo       State = "Todo"
	ReadyStart State = "ReadyStart"
	Started    State = "Started"
	Paused     State = "Paused"
	Stopped    State = "Stopped"
)

// States lists every lifecycle set in display order.
var States = []State{Todo, ReadyStart, Started, Paused, Stopped}

var (
	// ErrUnknownCrawler is returned for names that were never registered.
	ErrUnknownCrawler = errors.New("unknown crawler")
	// ErrCrawlerActive is returned when removing a crawler that is running or about to run.
	ErrCrawlerActive = errors.New("please stop the crawler first")
)

// Transition describes the effect of one command.
type Transition struct {
	Name    string
	From    State
	To      State
	Reseed  bool
	Changed bool
}

// Registry maps crawler names to their state. Keeping a single map makes it
// impossible for a name to sit in two sets at once.
type Registry struct {
	states map[string]State
	reseed map[string]bool
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		states: make(map[string]State),
		reseed: make(map[string]bool),
	}
}

// Add registers name in Todo. Known names are left untouched.
func (r *Registry) Add(name string) bool {
	if name == "" {
		return false
	}
	if _, ok := r.states[name]; ok {
		return false
	}
	r.states[name] = Todo
	return true
}

// Reset puts an existing or new name back into Todo.
func (r *Registry) Reset(name string) Transition {
	from := r.states[name]
	r.states[name] = Todo
	delete(r.reseed, name)
	return Transition{Name: name, From: from, To: Todo, Changed: from != Todo}
}

// State returns the crawler's current set.
func (r *Registry) State(name string) (State, error) {
	s, ok := r.states[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCrawler, name)
	}
	return s, nil
}

// Start moves Todo, Paused or Stopped crawlers to ReadyStart. A Started
// crawler stays Started and is flagged for reseeding.
func (r *Registry) Start(name string) (Transition, error) {
	from, err := r.State(name)
	if err != nil {
		return Transition{}, err
	}
	switch from {
	case Todo, Paused, Stopped:
		return r.move(name, from, ReadyStart), nil
	case Started:
		r.reseed[name] = true
		return Transition{Name: name, From: from, To: from, Reseed: true}, nil
	default:
		return Transition{Name: name, From: from, To: from}, nil
	}
}

// Run resumes without reseeding: Paused and Todo go to Started, Stopped goes
// to ReadyStart so its entry point runs again.
func (r *Registry) Run(name string) (Transition, error) {
	from, err := r.State(name)
	if err != nil {
		return Transition{}, err
	}
	switch from {
	case Paused, Todo:
		return r.move(name, from, Started), nil
	case Stopped:
		return r.move(name, from, ReadyStart), nil
	default:
		return Transition{Name: name, From: from, To: from}, nil
	}
}

// Pause moves a Started crawler to Paused.
func (r *Registry) Pause(name string) (Transition, error) {
	from, err := r.State(name)
	if err != nil {
		return Transition{}, err
	}
	if from != Started {
		return Transition{Name: name, From: from, To: from}, nil
	}
	return r.move(name, from, Paused), nil
}

// Stop moves a Started or Paused crawler to Stopped.
func (r *Registry) Stop(name string) (Transition, error) {
	from, err := r.State(name)
	if err != nil {
		return Transition{}, err
	}
	if from != Started && from != Paused {
		return Transition{Name: name, From: from, To: from}, nil
	}
	delete(r.reseed, name)
	return r.move(name, from, Stopped), nil
}

// Seeded records that the entry point ran: ReadyStart becomes Started and any
// reseed flag is cleared.
func (r *Registry) Seeded(name string) Transition {
	delete(r.reseed, name)
	from := r.states[name]
	if from != ReadyStart {
		return Transition{Name: name, From: from, To: from}
	}
	return r.move(name, from, Started)
}

// Remove forgets a crawler. Started and ReadyStart crawlers must be stopped first.
func (r *Registry) Remove(name string) error {
	s, err := r.State(name)
	if err != nil {
		return err
	}
	if s == Started || s == ReadyStart {
		return ErrCrawlerActive
	}
	delete(r.states, name)
	delete(r.reseed, name)
	return nil
}

// PendingSeeds lists crawlers whose entry point must run: everything in
// ReadyStart plus Started crawlers flagged for reseeding. Sorted by name.
func (r *Registry) PendingSeeds() []string {
	var out []string
	for name, s := range r.states {
		if s == ReadyStart || (s == Started && r.reseed[name]) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// In returns the sorted names currently in any of the given states.
func (r *Registry) In(states ...State) []string {
	var out []string
	for name, s := range r.states {
		if slices.Contains(states, s) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Sets returns every lifecycle set with its sorted members. Empty sets are
// present with an empty slice.
func (r *Registry) Sets() map[State][]string {
	out := make(map[State][]string, len(States))
	for _, s := range States {
		out[s] = []string{}
	}
	for name, s := range r.states {
		out[s] = append(out[s], name)
	}
	for _, s := range States {
		sort.Strings(out[s])
	}
	return out
}

// Snapshot is the persisted form of the registry.
type Snapshot struct {
	Sets   map[State][]string `json:"sets"`
	Reseed []string           `json:"reseed,omitempty"`
}

// Snapshot captures the current sets.
func (r *Registry) Snapshot() Snapshot {
	var reseed []string
	for name := range r.reseed {
		reseed = append(reseed, name)
	}
	sort.Strings(reseed)
	return Snapshot{Sets: r.Sets(), Reseed: reseed}
}

// Restore replaces the registry contents with snap. Names listed in more than
// one set keep the last one in States order.
func (r *Registry) Restore(snap Snapshot) {
	r.states = make(map[string]State)
	r.reseed = make(map[string]bool)
	for _, s := range States {
		for _, name := range snap.Sets[s] {
			r.states[name] = s
		}
	}
	for _, name := range snap.Reseed {
		if r.states[name] == Started {
			r.reseed[name] = true
		}
	}
}

func (r *Registry) move(name string, from, to State) Transition {
	r.states[name] = to
	return Transition{Name: name, From: from, To: to, Changed: from != to}
}
