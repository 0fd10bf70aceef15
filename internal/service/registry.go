package service

import (
	"sync"
	"time"
)

// Record is the observable state of one service. Callers always receive
// copies.
type Record struct {
	Name       Name      `json:"name"`
	Status     Status    `json:"status"`
	PID        int       `json:"pid,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	LastOutput string    `json:"last_output,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Fields carries the data applied alongside a transition. PID is used on
// entering Running and Err on entering Error; other targets ignore them.
type Fields struct {
	PID int
	Err string
}

// Change describes an applied transition.
type Change struct {
	From   Status
	Record Record
}

// Hook is called after every applied transition, outside the registry lock.
type Hook func(Change)

type entry struct {
	rec      Record
	inFlight bool
	rev      uint64 // bumped on every status or PID change
}

// Registry holds one Record per service. Its key set is fixed at
// construction.
type Registry struct {
	mu      sync.Mutex
	order   []Name
	entries map[Name]*entry
	hooks   []Hook
	now     func() time.Time
}

// NewRegistry creates a registry for names, all initially Stopped.
// Duplicates are ignored. A nil or empty names slice means All.
func NewRegistry(names []Name) *Registry {
	if len(names) == 0 {
		names = All
	}
	r := &Registry{entries: make(map[Name]*entry, len(names)), now: time.Now}
	ts := r.now()
	for _, n := range names {
		if _, dup := r.entries[n]; dup {
			continue
		}
		r.order = append(r.order, n)
		r.entries[n] = &entry{rec: Record{Name: n, Status: Stopped, UpdatedAt: ts}}
	}
	return r
}

// OnTransition registers a hook. Hooks must not block for long.
func (r *Registry) OnTransition(h Hook) {
	r.mu.Lock()
	r.hooks = append(r.hooks, h)
	r.mu.Unlock()
}

// Names returns the service names in registration order.
func (r *Registry) Names() []Name {
	out := make([]Name, len(r.order))
	copy(out, r.order)
	return out
}

// Has reports whether name is registered.
func (r *Registry) Has(name Name) bool {
	_, ok := r.entries[name]
	return ok
}

// Lookup parses s and checks it against the registry.
func (r *Registry) Lookup(s string) (Name, error) {
	n := Name(s)
	if r.Has(n) {
		return n, nil
	}
	n, err := Parse(s)
	if err != nil {
		return "", err
	}
	if !r.Has(n) {
		return "", &UnknownServiceError{Name: s}
	}
	return n, nil
}

func (r *Registry) Get(name Name) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return Record{}, &UnknownServiceError{Name: string(name)}
	}
	return e.rec, nil
}

// Snapshot returns every record in registration order.
func (r *Registry) Snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.entries[n].rec)
	}
	return out
}

// Transition atomically moves name to status to, applying f.
func (r *Registry) Transition(name Name, to Status, f Fields) (Record, error) {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return Record{}, &UnknownServiceError{Name: string(name)}
	}
	ch, err := r.apply(e, to, f)
	cur, hooks := e.rec, r.hooks
	r.mu.Unlock()
	if err != nil {
		return cur, err
	}
	r.notify(hooks, ch)
	return ch.Record, nil
}

// Revision returns the record of name with a counter that changes on every
// transition and PID update.
func (r *Registry) Revision(name Name) (Record, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return Record{}, 0, &UnknownServiceError{Name: string(name)}
	}
	return e.rec, e.rev, nil
}

// TransitionIf applies steps in order, f going with the last one, only
// while no operation holds name and its revision is still rev. Otherwise it
// returns the current record and false. Nothing is applied unless every
// step is legal.
func (r *Registry) TransitionIf(name Name, rev uint64, f Fields, steps ...Status) (Record, bool, error) {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return Record{}, false, &UnknownServiceError{Name: string(name)}
	}
	if e.inFlight || e.rev != rev {
		rec := e.rec
		r.mu.Unlock()
		return rec, false, nil
	}
	from := e.rec.Status
	for _, to := range steps {
		if !CanTransition(from, to) {
			rec := e.rec
			r.mu.Unlock()
			return rec, false, &InvalidTransitionError{Name: name, From: from, To: to}
		}
		from = to
	}
	changes := make([]Change, 0, len(steps))
	for i, to := range steps {
		var sf Fields
		if i == len(steps)-1 {
			sf = f
		}
		ch, _ := r.apply(e, to, sf)
		changes = append(changes, ch)
	}
	rec := e.rec
	hooks := r.hooks
	r.mu.Unlock()

	for _, ch := range changes {
		r.notify(hooks, ch)
	}
	return rec, true, nil
}

// apply moves e to status to. The caller holds r.mu.
func (r *Registry) apply(e *entry, to Status, f Fields) (Change, error) {
	from := e.rec.Status
	if !CanTransition(from, to) {
		return Change{}, &InvalidTransitionError{Name: e.rec.Name, From: from, To: to}
	}
	e.rec.Status = to
	switch to {
	case Running:
		e.rec.PID = f.PID
		e.rec.LastError = ""
	case Error:
		e.rec.PID = 0
		e.rec.LastError = f.Err
	case Starting, Stopped:
		e.rec.PID = 0
		e.rec.LastError = ""
	}
	e.rec.UpdatedAt = r.now()
	e.rev++
	return Change{From: from, Record: e.rec}, nil
}

func (r *Registry) notify(hooks []Hook, ch Change) {
	for _, h := range hooks {
		h(ch)
	}
}

// UpdatePID replaces the PID of a Running service.
func (r *Registry) UpdatePID(name Name, pid int) (Record, error) {
	rec, _, err := r.updatePID(name, pid, nil)
	return rec, err
}

// UpdatePIDIf is UpdatePID guarded like TransitionIf.
func (r *Registry) UpdatePIDIf(name Name, rev uint64, pid int) (Record, bool, error) {
	return r.updatePID(name, pid, &rev)
}

func (r *Registry) updatePID(name Name, pid int, rev *uint64) (Record, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return Record{}, false, &UnknownServiceError{Name: string(name)}
	}
	if rev != nil && (e.inFlight || e.rev != *rev) {
		return e.rec, false, nil
	}
	if e.rec.Status != Running {
		return e.rec, false, &InvalidTransitionError{Name: name, From: e.rec.Status, To: Running}
	}
	e.rec.PID = pid
	e.rec.UpdatedAt = r.now()
	e.rev++
	return e.rec, true, nil
}

// SetOutput stores the latest captured output snippet.
func (r *Registry) SetOutput(name Name, snippet string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return Record{}, &UnknownServiceError{Name: string(name)}
	}
	e.rec.LastOutput = snippet
	e.rec.UpdatedAt = r.now()
	return e.rec, nil
}

// TryBegin claims the in-flight flag for name. It returns false when
// another lifecycle operation already holds it.
func (r *Registry) TryBegin(name Name) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return false, &UnknownServiceError{Name: string(name)}
	}
	if e.inFlight {
		return false, nil
	}
	e.inFlight = true
	return true, nil
}

// End releases the in-flight flag taken by TryBegin.
func (r *Registry) End(name Name) {
	r.mu.Lock()
	if e, ok := r.entries[name]; ok {
		e.inFlight = false
	}
	r.mu.Unlock()
}

// InFlight reports whether an operation currently holds name.
func (r *Registry) InFlight(name Name) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	return ok && e.inFlight
}
