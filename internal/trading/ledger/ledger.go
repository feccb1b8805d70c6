// Package ledger tracks engine-placed orders and reconciles them against exchange updates
package ledger

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"trade_engine/internal/core"
	apperrors "trade_engine/pkg/errors"
)

// Result classifies what ApplyUpdate did with an update
type Result int

const (
	ResultApplied Result = iota
	ResultStale
	ResultUnknown
	ResultIgnored
)

func (r Result) String() string {
	switch r {
	case ResultApplied:
		return "applied"
	case ResultStale:
		return "stale"
	case ResultUnknown:
		return "unknown"
	default:
		return "ignored"
	}
}

// MapStatus translates exchange status vocabulary into the engine lifecycle.
// Statuses without an engine equivalent (PARTIALLY_FILLED, PENDING_CANCEL) report false.
func MapStatus(status string) (core.OrderStatus, bool) {
	switch strings.ToUpper(status) {
	case "NEW":
		return core.OrderStatusAccepted, true
	case "CANCELED", "CANCELLED", "EXPIRED", "EXPIRED_IN_MATCH", "REJECTED":
		return core.OrderStatusCanceled, true
	case "FILLED", "TRADE":
		return core.OrderStatusSuccess, true
	}
	return 0, false
}

// Ledger is the table of orders keyed by client order id.
// Open orders live in the open map; terminal orders move to a bounded archive
// that stays indexed so late corrections can still be applied.
type Ledger struct {
	mu           sync.RWMutex
	open         map[string]*core.Order
	archived     map[string]*core.Order
	archiveOrder []string
	archiveLimit int
	now          func() time.Time
}

// New creates an empty ledger
func New(archiveLimit int) *Ledger {
	return &Ledger{
		open:         make(map[string]*core.Order),
		archived:     make(map[string]*core.Order),
		archiveLimit: archiveLimit,
		now:          time.Now,
	}
}

// RecordOpen inserts an order about to be submitted. Reusing a known id is an error.
func (l *Ledger) RecordOpen(order core.Order) error {
	if order.ID == "" {
		return fmt.Errorf("record order: empty id")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.open[order.ID]; ok {
		return fmt.Errorf("record order %s: %w", order.ID, apperrors.ErrDuplicateOrder)
	}
	if _, ok := l.archived[order.ID]; ok {
		return fmt.Errorf("record order %s: %w", order.ID, apperrors.ErrDuplicateOrder)
	}

	now := l.now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.LastSeen = now
	o := order
	l.open[o.ID] = &o
	return nil
}

// ApplyUpdate applies an exchange update if it is strictly newer than what is stored.
// The returned outcome is meaningful only for ResultApplied.
func (l *Ledger) ApplyUpdate(u core.OrderUpdate) (Result, core.OrderOutcome) {
	status, known := MapStatus(u.Status)

	l.mu.Lock()
	defer l.mu.Unlock()

	o, isOpen := l.open[u.OrderID]
	if !isOpen {
		archived, ok := l.archived[u.OrderID]
		if !ok {
			return ResultUnknown, core.OrderOutcome{}
		}
		if !known {
			return ResultIgnored, core.OrderOutcome{}
		}
		// terminal is absorbing; only a newer terminal status may correct it
		if !status.IsTerminal() || u.EventTime <= archived.UpdateTime {
			return ResultStale, core.OrderOutcome{}
		}
		prev := archived.Status
		archived.Status = status
		archived.UpdateTime = u.EventTime
		archived.LastSeen = l.now()
		return ResultApplied, core.OrderOutcome{Order: *archived, Previous: prev}
	}

	if !known {
		return ResultIgnored, core.OrderOutcome{}
	}
	if u.EventTime <= o.UpdateTime {
		return ResultStale, core.OrderOutcome{}
	}

	prev := o.Status
	o.Status = status
	o.UpdateTime = u.EventTime
	o.LastSeen = l.now()
	if o.ExchangeID == "" {
		o.ExchangeID = u.ExchangeID
	}
	if status.IsTerminal() {
		l.archiveLocked(o)
	}
	return ResultApplied, core.OrderOutcome{Order: *o, Previous: prev}
}

// Acknowledge stores the exchange-assigned id of a placed order
func (l *Ledger) Acknowledge(id, exchangeID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.open[id]
	if !ok {
		o, ok = l.archived[id]
	}
	if !ok {
		return fmt.Errorf("acknowledge %s: %w", id, apperrors.ErrOrderNotFound)
	}
	if o.ExchangeID == "" {
		o.ExchangeID = exchangeID
	}
	o.LastSeen = l.now()
	return nil
}

// Abandon archives a still-Committed order as Canceled, for placements the
// exchange refused. Orders that already heard from the exchange are left alone.
func (l *Ledger) Abandon(id string) (core.OrderOutcome, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.open[id]
	if !ok || o.Status != core.OrderStatusCommitted {
		return core.OrderOutcome{}, false
	}
	prev := o.Status
	o.Status = core.OrderStatusCanceled
	o.LastSeen = l.now()
	l.archiveLocked(o)
	return core.OrderOutcome{Order: *o, Previous: prev}, true
}

func (l *Ledger) archiveLocked(o *core.Order) {
	delete(l.open, o.ID)
	l.archived[o.ID] = o
	l.archiveOrder = append(l.archiveOrder, o.ID)
}

// Get returns a copy of an open or archived order
func (l *Ledger) Get(id string) (core.Order, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if o, ok := l.open[id]; ok {
		return *o, true
	}
	if o, ok := l.archived[id]; ok {
		return *o, true
	}
	return core.Order{}, false
}

// OpenOrders returns the open orders of symbol, oldest first
func (l *Ledger) OpenOrders(symbol core.Symbol) []core.Order {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []core.Order
	for _, o := range l.open {
		if o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// OpenCount returns the number of open orders across all symbols
func (l *Ledger) OpenCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.open)
}

// Archived returns the archived orders, oldest first
func (l *Ledger) Archived() []core.Order {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]core.Order, 0, len(l.archiveOrder))
	for _, id := range l.archiveOrder {
		out = append(out, *l.archived[id])
	}
	return out
}

// SweepPolicy bounds how long orders may sit without exchange confirmation
type SweepPolicy struct {
	// Committed orders with no acknowledgement after AckTimeout are abandoned
	AckTimeout time.Duration
	// Accepted orders untouched for OrderTTL are due for cancellation
	OrderTTL time.Duration
}

// SweepReport lists what a sweep pass changed or wants done
type SweepReport struct {
	Abandoned []core.OrderOutcome // archived as Canceled by the sweep
	Expired   []core.Order        // still open; a cancel should be requested
	Trimmed   int
}

// Sweep applies the maintenance policy at time now
func (l *Ledger) Sweep(now time.Time, policy SweepPolicy) SweepReport {
	l.mu.Lock()
	defer l.mu.Unlock()

	var report SweepReport
	for _, o := range l.open {
		age := now.Sub(o.LastSeen)
		switch {
		case o.Status == core.OrderStatusCommitted && policy.AckTimeout > 0 && age >= policy.AckTimeout:
			prev := o.Status
			o.Status = core.OrderStatusCanceled
			o.LastSeen = now
			l.archiveLocked(o)
			report.Abandoned = append(report.Abandoned, core.OrderOutcome{Order: *o, Previous: prev})
		case o.Status == core.OrderStatusAccepted && policy.OrderTTL > 0 && age >= policy.OrderTTL:
			report.Expired = append(report.Expired, *o)
		}
	}

	if l.archiveLimit > 0 && len(l.archiveOrder) > l.archiveLimit {
		excess := len(l.archiveOrder) - l.archiveLimit
		for _, id := range l.archiveOrder[:excess] {
			delete(l.archived, id)
		}
		l.archiveOrder = append([]string(nil), l.archiveOrder[excess:]...)
		report.Trimmed = excess
	}
	return report
}
