package status

import (
	"reflect"
	"sync"

	"github.com/goliatone/go-swr-cache/failure"
	"github.com/goliatone/go-swr-cache/fetch"
)

// Section is one named constituent of a composite view.
type Section struct {
	Name   string
	Handle *fetch.Handle
}

// CompositeState is what a composite view renders.
type CompositeState struct {
	Sections           map[string]fetch.ViewState
	ServiceStatus      failure.ServiceStatus
	HasPartialFailures bool
	HasAllErrors       bool
	ErrorSummary       string

	// ErrorDetails is the unified record when every section failed alike.
	ErrorDetails *failure.Record
	Loading      bool
}

// Composite follows several handles and publishes their combined state.
type Composite struct {
	mu        sync.Mutex
	order     []string
	states    map[string]fetch.ViewState
	current   CompositeState
	listeners map[int]func(CompositeState)
	next      int
	unsubs    []func()
	closed    bool
}

// NewComposite subscribes to every section. Sections are summarized in the
// order given.
func NewComposite(sections ...Section) *Composite {
	c := &Composite{
		states:    make(map[string]fetch.ViewState, len(sections)),
		listeners: make(map[int]func(CompositeState)),
	}
	for _, sec := range sections {
		c.order = append(c.order, sec.Name)
		c.states[sec.Name] = sec.Handle.State()
	}
	c.current = c.computeLocked()

	for _, sec := range sections {
		name := sec.Name
		c.unsubs = append(c.unsubs, sec.Handle.Subscribe(func(s fetch.ViewState) {
			c.update(name, s)
		}))
	}
	return c
}

// State returns the latest combined state.
func (c *Composite) State() CompositeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Subscribe registers fn for combined state changes and returns a func that
// removes it.
func (c *Composite) Subscribe(fn func(CompositeState)) func() {
	c.mu.Lock()
	c.next++
	id := c.next
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Close drops the section subscriptions. The handles stay open.
func (c *Composite) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

func (c *Composite) update(name string, s fetch.ViewState) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.states[name] = s
	next := c.computeLocked()
	if compositeEqual(next, c.current) {
		c.mu.Unlock()
		return
	}
	c.current = next
	listeners := make([]func(CompositeState), 0, len(c.listeners))
	for id := 1; id <= c.next; id++ {
		if fn, ok := c.listeners[id]; ok {
			listeners = append(listeners, fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
}

func (c *Composite) computeLocked() CompositeState {
	states := make([]fetch.ViewState, 0, len(c.order))
	sections := make(map[string]fetch.ViewState, len(c.order))
	loading := false
	for _, name := range c.order {
		s := c.states[name]
		states = append(states, s)
		sections[name] = s
		if s.Loading {
			loading = true
		}
	}

	sum := Summarize(states)
	return CompositeState{
		Sections:           sections,
		ServiceStatus:      Aggregate(states),
		HasPartialFailures: sum.Failed > 0 && sum.Failed < sum.Total,
		HasAllErrors:       sum.Total > 0 && sum.Failed == sum.Total,
		ErrorSummary:       sum.Message,
		ErrorDetails:       sum.Record,
		Loading:            loading,
	}
}

func compositeEqual(a, b CompositeState) bool {
	return a.ServiceStatus == b.ServiceStatus &&
		a.HasPartialFailures == b.HasPartialFailures &&
		a.HasAllErrors == b.HasAllErrors &&
		a.ErrorSummary == b.ErrorSummary &&
		a.ErrorDetails == b.ErrorDetails &&
		a.Loading == b.Loading &&
		reflect.DeepEqual(a.Sections, b.Sections)
}
