// Package slots implements counted permits for backend subprocesses.
// A caller reserves a slot in a category, spawns its process, then
// registers the handle; the manager guarantees the per-category and
// global limits are never exceeded, however many goroutines race on it.
package slots

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/testsmith-ai/testsmith/internal/domain"
)

// Category partitions slots by the kind of subprocess they admit.
type Category string

const (
	CategoryGeneration Category = "generation"
	CategoryExecution  Category = "execution"
)

// Limits configures the hard concurrency caps.
type Limits struct {
	MaxGeneration int
	MaxExecution  int
	MaxTotal      int
}

// DefaultLimits returns conservative production caps.
func DefaultLimits() Limits {
	return Limits{MaxGeneration: 3, MaxExecution: 2, MaxTotal: 4}
}

// Reservation is an un-promoted permit: it counts against the limits
// from Reserve until Register, Cancel, or TTL expiry.
type Reservation struct {
	ID        string
	Category  Category
	Component string
	CreatedAt time.Time
}

// ProcessRecord is a registered, tracked subprocess occupying a slot.
type ProcessRecord struct {
	ID        string
	Handle    domain.ProcessHandle
	Category  Category
	Component string
	Label     string
	StartedAt time.Time
}

// Counts is a snapshot of occupied slots.
type Counts struct {
	Total      int `json:"total"`
	Generation int `json:"generation"`
	Execution  int `json:"execution"`
}

// Stats tracks manager counters over its lifetime.
type Stats struct {
	TotalReserved      int64 `json:"total_reserved"`
	TotalDenied        int64 `json:"total_denied"`
	TotalExpired       int64 `json:"total_expired"`
	EmergencyShutdowns int64 `json:"emergency_shutdowns"`
}

// Manager tracks reservations and registered processes against the
// configured limits. One instance per run — constructed explicitly and
// injected, never a package-level singleton.
type Manager struct {
	mu           sync.Mutex
	limits       Limits
	ttl          time.Duration
	now          func() time.Time
	reservations map[string]*Reservation
	processes    map[string]*ProcessRecord
	released     chan struct{}
	stats        Stats
}

// Option customizes a Manager.
type Option func(*Manager)

// WithNowFunc overrides the time source (tests).
func WithNowFunc(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithReservationTTL overrides how long an unregistered reservation may
// hold a slot before it is swept.
func WithReservationTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// NewManager creates a slot manager with the given limits.
func NewManager(limits Limits, opts ...Option) *Manager {
	m := &Manager{
		limits:       limits,
		ttl:          30 * time.Second,
		now:          time.Now,
		reservations: make(map[string]*Reservation),
		processes:    make(map[string]*ProcessRecord),
		released:     make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Reserve attempts to claim a slot in the category for the named
// component. The check-and-increment is atomic under the manager lock;
// on denial the error wraps domain.ErrReservationDenied and the caller
// should wait on Released rather than abandon the task.
func (m *Manager) Reserve(category Category, component string) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweepExpiredLocked()

	total, byCat := m.occupancyLocked()
	if total >= m.limits.MaxTotal {
		m.stats.TotalDenied++
		return nil, fmt.Errorf("%w: total %d/%d", domain.ErrReservationDenied, total, m.limits.MaxTotal)
	}
	limit := m.categoryLimit(category)
	if byCat[category] >= limit {
		m.stats.TotalDenied++
		return nil, fmt.Errorf("%w: %s %d/%d", domain.ErrReservationDenied, category, byCat[category], limit)
	}

	r := &Reservation{
		ID:        uuid.New().String(),
		Category:  category,
		Component: component,
		CreatedAt: m.now(),
	}
	m.reservations[r.ID] = r
	m.stats.TotalReserved++
	return r, nil
}

// Register promotes a reservation into a tracked process record.
func (m *Manager) Register(reservationID string, handle domain.ProcessHandle, label string) (*ProcessRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweepExpiredLocked()

	r, ok := m.reservations[reservationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrReservationNotFound, reservationID)
	}
	delete(m.reservations, reservationID)

	rec := &ProcessRecord{
		ID:        r.ID, // reservation id carries over to the process record
		Handle:    handle,
		Category:  r.Category,
		Component: r.Component,
		Label:     label,
		StartedAt: m.now(),
	}
	m.processes[rec.ID] = rec
	return rec, nil
}

// Cancel gives back an unregistered reservation immediately instead of
// waiting for the TTL sweep (e.g. after a failed spawn).
func (m *Manager) Cancel(reservationID string) {
	m.mu.Lock()
	_, ok := m.reservations[reservationID]
	delete(m.reservations, reservationID)
	m.mu.Unlock()
	if ok {
		m.notifyReleased()
	}
}

// Release frees the slot held by a registered process.
func (m *Manager) Release(processID string) {
	m.mu.Lock()
	_, ok := m.processes[processID]
	delete(m.processes, processID)
	m.mu.Unlock()
	if ok {
		m.notifyReleased()
	}
}

// Released returns a channel closed the next time any slot frees up.
// Callers re-fetch it after each wakeup; this is a broadcast, not a
// queue, so every waiter retries its Reserve.
func (m *Manager) Released() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

// GetCurrentCounts returns occupied slots per category and in total.
// Unregistered reservations count: they hold capacity until promoted,
// cancelled, or expired.
func (m *Manager) GetCurrentCounts() Counts {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepExpiredLocked()
	total, byCat := m.occupancyLocked()
	return Counts{
		Total:      total,
		Generation: byCat[CategoryGeneration],
		Execution:  byCat[CategoryExecution],
	}
}

// GetStats returns lifetime counters.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// EmergencyShutdown force-kills every registered process, drops all
// reservations, and zeroes the counts. Used for operator aborts; the
// manager remains usable afterwards.
func (m *Manager) EmergencyShutdown(reason string) int {
	m.mu.Lock()
	procs := make([]*ProcessRecord, 0, len(m.processes))
	for _, rec := range m.processes {
		procs = append(procs, rec)
	}
	m.processes = make(map[string]*ProcessRecord)
	m.reservations = make(map[string]*Reservation)
	m.stats.EmergencyShutdowns++
	m.mu.Unlock()

	for _, rec := range procs {
		if err := rec.Handle.Kill(); err != nil {
			log.Printf("emergency shutdown: kill %s (%s): %v", rec.ID, rec.Label, err)
		}
	}
	log.Printf("emergency shutdown (%s): killed %d processes", reason, len(procs))

	m.notifyReleased()
	return len(procs)
}

// ─── Internal ───────────────────────────────────────────────────────────────

func (m *Manager) categoryLimit(c Category) int {
	switch c {
	case CategoryGeneration:
		return m.limits.MaxGeneration
	case CategoryExecution:
		return m.limits.MaxExecution
	default:
		return 0
	}
}

func (m *Manager) occupancyLocked() (int, map[Category]int) {
	byCat := map[Category]int{}
	for _, r := range m.reservations {
		byCat[r.Category]++
	}
	for _, p := range m.processes {
		byCat[p.Category]++
	}
	total := len(m.reservations) + len(m.processes)
	return total, byCat
}

// sweepExpiredLocked drops reservations older than the TTL so an
// abandoned Reserve cannot permanently eat capacity. An expiry frees
// capacity, so waiters are woken just like on Release.
func (m *Manager) sweepExpiredLocked() {
	if m.ttl <= 0 {
		return
	}
	expired := 0
	cutoff := m.now().Add(-m.ttl)
	for id, r := range m.reservations {
		if r.CreatedAt.Before(cutoff) {
			delete(m.reservations, id)
			m.stats.TotalExpired++
			expired++
		}
	}
	if expired > 0 {
		m.notifyReleasedLocked()
	}
}

// notifyReleased wakes all waiters by closing the current broadcast
// channel and installing a fresh one.
func (m *Manager) notifyReleased() {
	m.mu.Lock()
	m.notifyReleasedLocked()
	m.mu.Unlock()
}

func (m *Manager) notifyReleasedLocked() {
	close(m.released)
	m.released = make(chan struct{})
}
