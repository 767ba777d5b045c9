package advisor

import (
	"sync"
	"time"
)

// delivery settles what one caller actually receives when the decision
// races the caller giving up. Session suppression and the pending outcome
// are only written for advice the caller is guaranteed to get: decide
// commits a template advisory before touching session state, and a caller
// that stops waiting afterwards is handed that advisory instead of a no-op.
type delivery struct {
	// deadline is when the caller stops waiting; zero means no budget.
	deadline time.Time

	mu        sync.Mutex
	reason    string // why the caller left before anything was committed
	committed *Advisory
	taken     bool // the caller left with committed
	final     *Advisory
}

func newDelivery(deadline time.Time) *delivery {
	return &delivery{deadline: deadline}
}

// commit reserves a as the caller's answer. It fails once the caller has
// left with nothing, in which case no session state may change.
func (d *delivery) commit(a *Advisory) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reason != "" {
		return false
	}
	d.committed = a
	return true
}

// abandon is called when the caller stops waiting. It returns the advisory
// the caller must receive, or nil when nothing was committed.
func (d *delivery) abandon(reason string) *Advisory {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.final != nil {
		return d.final
	}
	if d.committed != nil {
		d.taken = true
		return d.committed
	}
	d.reason = reason
	return nil
}

// settle resolves the finished decision a against what the caller got.
// The result is what gets recorded.
func (d *delivery) settle(a *Advisory) *Advisory {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.taken:
		return d.committed
	case d.reason != "":
		n := noop(d.reason)
		n.TraceID = a.TraceID
		n.Partial = a.Partial
		return n
	}
	d.final = a
	return a
}

