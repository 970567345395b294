// Package catalog watches the reports directory and fans listing changes
// out to subscribers.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/brycelelbach/nsightful/internal/report"
)

// Lister produces the current set of reports.
type Lister interface {
	List() ([]report.Entry, error)
}

// Snapshot is one listing of the reports directory.
type Snapshot struct {
	Reports   []report.Entry `json:"reports"`
	Timestamp time.Time      `json:"ts"`
}

// Manager rescans the reports directory periodically, caches the latest
// listing and publishes changed listings to subscribers.
type Manager struct {
	interval time.Duration
	source   Lister
	logger   *slog.Logger

	mu          sync.RWMutex
	latest      Snapshot
	ready       bool
	subscribers map[*subscriber]struct{}
	closeOnce   sync.Once
}

// NewManager builds a Manager scanning source every interval.
func NewManager(interval time.Duration, source Lister, logger *slog.Logger) (*Manager, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		interval:    interval,
		source:      source,
		logger:      logger.With("component", "catalog"),
		subscribers: make(map[*subscriber]struct{}),
	}, nil
}

// Run scans until the context is canceled.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("catalog started", "interval", m.interval)
	m.Refresh()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("catalog stopping", "reason", ctx.Err())
			m.Close()
			return nil
		case <-ticker.C:
			m.Refresh()
		}
	}
}

// Refresh rescans immediately and publishes the listing if it changed. A
// failed scan keeps the previous listing.
func (m *Manager) Refresh() {
	entries, err := m.source.List()
	if err != nil {
		m.logger.Warn("scan reports failed", "err", err)
		return
	}
	if entries == nil {
		entries = []report.Entry{}
	}

	m.mu.Lock()
	if m.ready && slices.Equal(m.latest.Reports, entries) {
		m.mu.Unlock()
		return
	}
	snapshot := Snapshot{Reports: entries, Timestamp: time.Now().UTC()}
	m.latest = snapshot
	m.ready = true

	targets := make([]*subscriber, 0, len(m.subscribers))
	for sub := range m.subscribers {
		targets = append(targets, sub)
	}
	m.mu.Unlock()

	m.logger.Debug("reports changed", "count", len(entries))
	for _, sub := range targets {
		sub.send(snapshot)
	}
}

// Latest returns the most recent listing.
func (m *Manager) Latest() (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, m.ready
}

// Ready reports whether a listing has been published.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

// Subscribe registers a listener. The channel keeps only the newest
// undelivered listing and receives the current one immediately.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	sub := newSubscriber()

	m.mu.Lock()
	m.subscribers[sub] = struct{}{}
	if m.ready {
		sub.send(m.latest)
	}
	m.mu.Unlock()

	return sub.channel(), func() { m.removeSubscriber(sub) }
}

func (m *Manager) removeSubscriber(sub *subscriber) {
	m.mu.Lock()
	delete(m.subscribers, sub)
	m.mu.Unlock()
	sub.close()
}

// Close ends every subscription. Safe for repeated use.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		subs := m.subscribers
		m.subscribers = make(map[*subscriber]struct{})
		m.mu.Unlock()
		for sub := range subs {
			sub.close()
		}
	})
}

type subscriber struct {
	ch     chan Snapshot
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{ch: make(chan Snapshot, 1)}
}

func (s *subscriber) channel() <-chan Snapshot {
	return s.ch
}

func (s *subscriber) send(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- snapshot:
		return
	default:
		// Drop the stale listing.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- snapshot:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
