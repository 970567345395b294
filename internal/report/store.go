// Package report gives read-only access to the profiler exports in a
// directory and caches their conversions.
package report

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/elastic/go-freelru"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite"

	"github.com/brycelelbach/nsightful/internal/gpu"
	"github.com/brycelelbach/nsightful/internal/ncu"
	"github.com/brycelelbach/nsightful/internal/nsys"
)

var (
	// ErrNotFound is returned for names that do not refer to a report.
	ErrNotFound = errors.New("report not found")
	// ErrWrongKind is returned when a view does not apply to the report.
	ErrWrongKind = errors.New("view not available for this report kind")
)

// Kind identifies the profiler that produced a report.
type Kind string

const (
	KindNsys Kind = "nsys"
	KindNcu  Kind = "ncu"
)

// KindOf classifies a file name by extension.
func KindOf(name string) (Kind, bool) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".sqlite":
		return KindNsys, true
	case ".csv":
		return KindNcu, true
	}
	return "", false
}

// Entry describes a report file.
type Entry struct {
	Name    string    `json:"name"`
	Kind    Kind      `json:"kind"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Device is a GPU of an nsys report with the name to display for it.
type Device struct {
	nsys.Device
	DisplayName string `json:"display_name"`
}

// Stats are cumulative store counters.
type Stats struct {
	Conversions uint64
	Failures    uint64
	CacheHits   uint64
	CacheMisses uint64
	Cached      int
}

// Store converts reports found in a single directory. It is safe for
// concurrent use.
type Store struct {
	dir      string
	defaults nsys.Options
	resolver *gpu.Resolver
	logger   *slog.Logger

	traces  *lru.SyncedLRU[uint64, []byte]
	reports *lru.SyncedLRU[uint64, *ncu.Report]
	flight  singleflight.Group

	conversions atomic.Uint64
	failures    atomic.Uint64
	hits        atomic.Uint64
	misses      atomic.Uint64
}

func hashKey(k uint64) uint32 { return uint32(k) }

// NewStore serves reports from dir. defaults applies to trace conversions
// that do not override it; resolver may be nil.
func NewStore(dir string, cacheSize uint32, defaults nsys.Options, resolver *gpu.Resolver, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cacheSize == 0 {
		cacheSize = 1
	}

	traces, err := lru.NewSynced[uint64, []byte](cacheSize, hashKey)
	if err != nil {
		return nil, fmt.Errorf("create trace cache: %w", err)
	}
	reports, err := lru.NewSynced[uint64, *ncu.Report](cacheSize, hashKey)
	if err != nil {
		return nil, fmt.Errorf("create compute report cache: %w", err)
	}

	defaults.Logger = nil
	return &Store{
		dir:      dir,
		defaults: defaults,
		resolver: resolver,
		logger:   logger,
		traces:   traces,
		reports:  reports,
	}, nil
}

// Dir returns the reports directory.
func (s *Store) Dir() string { return s.dir }

// Defaults returns the default trace conversion options.
func (s *Store) Defaults() nsys.Options { return s.defaults }

// List returns the reports in the directory ordered by name.
func (s *Store) List() ([]Entry, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read reports dir: %w", err)
	}

	var out []Entry
	for _, entry := range entries {
		kind, ok := KindOf(entry.Name())
		if !ok || entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", entry.Name(), err)
		}
		if !info.Mode().IsRegular() {
			continue
		}
		out = append(out, Entry{Name: entry.Name(), Kind: kind, Size: info.Size(), ModTime: info.ModTime().UTC()})
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// Stat describes a single report. Names are plain file names; anything
// that could leave the directory is reported as not found.
func (s *Store) Stat(name string) (Entry, error) {
	if !validName(name) {
		return Entry{}, ErrNotFound
	}
	kind, ok := KindOf(name)
	if !ok {
		return Entry{}, ErrNotFound
	}

	root, err := os.OpenRoot(s.dir)
	if err != nil {
		return Entry{}, fmt.Errorf("open reports dir: %w", err)
	}
	defer root.Close()

	info, err := root.Stat(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("stat %s: %w", name, err)
	}
	if !info.Mode().IsRegular() {
		return Entry{}, ErrNotFound
	}
	return Entry{Name: name, Kind: kind, Size: info.Size(), ModTime: info.ModTime().UTC()}, nil
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\`) && filepath.Base(name) == name
}

// Options completes opts with the store defaults for every unset field.
func (s *Store) Options(opts nsys.Options) nsys.Options {
	if len(opts.Activities) == 0 {
		opts.Activities = s.defaults.Activities
	}
	if len(opts.Prefixes) == 0 {
		opts.Prefixes = s.defaults.Prefixes
	}
	if len(opts.Colors) == 0 {
		opts.Colors = s.defaults.Colors
	}
	return opts
}

// Trace returns the trace-event JSON of an nsys report converted with opts
// (completed with the defaults). Results are cached until the file changes.
func (s *Store) Trace(ctx context.Context, name string, opts nsys.Options) ([]byte, error) {
	entry, err := s.entryOf(name, KindNsys)
	if err != nil {
		return nil, err
	}
	opts = s.Options(opts)
	key := cacheKey(entry, opts)

	if data, ok := s.traces.Get(key); ok {
		s.hits.Add(1)
		return data, nil
	}
	s.misses.Add(1)

	v, err, _ := s.flight.Do(strconv.FormatUint(key, 16), func() (any, error) {
		data, err := s.convert(ctx, entry, opts)
		if err != nil {
			return nil, err
		}
		s.traces.Add(key, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (s *Store) convert(ctx context.Context, entry Entry, opts nsys.Options) ([]byte, error) {
	logger := s.logger.With("report", entry.Name)
	started := time.Now()

	db, err := s.open(entry.Name)
	if err != nil {
		s.failures.Add(1)
		return nil, err
	}
	defer db.Close()

	opts.Logger = logger
	events, err := nsys.Convert(ctx, db, opts)
	if err != nil {
		s.failures.Add(1)
		logger.Warn("trace conversion failed", "err", err)
		return nil, fmt.Errorf("convert %s: %w", entry.Name, err)
	}

	var buf bytes.Buffer
	if err := nsys.WriteJSON(&buf, events, false); err != nil {
		s.failures.Add(1)
		return nil, err
	}
	s.conversions.Add(1)
	logger.Info("trace converted", "events", len(events), "bytes", buf.Len(), "took", time.Since(started))
	return buf.Bytes(), nil
}

// Devices lists the GPUs recorded in an nsys report.
func (s *Store) Devices(ctx context.Context, name string) ([]Device, error) {
	entry, err := s.entryOf(name, KindNsys)
	if err != nil {
		return nil, err
	}
	db, err := s.open(entry.Name)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	recorded, err := nsys.LoadDevices(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("load devices of %s: %w", name, err)
	}
	devices := make([]Device, 0, len(recorded))
	for _, device := range recorded {
		display := device.Name
		if s.resolver != nil {
			display = s.resolver.DisplayName(device.Name, device.BusLocation)
		}
		devices = append(devices, Device{Device: device, DisplayName: display})
	}
	return devices, nil
}

// Compute parses an ncu report. Results are cached until the file changes.
func (s *Store) Compute(name string) (*ncu.Report, error) {
	entry, err := s.entryOf(name, KindNcu)
	if err != nil {
		return nil, err
	}
	key := cacheKey(entry, nsys.Options{})
	if report, ok := s.reports.Get(key); ok {
		s.hits.Add(1)
		return report, nil
	}
	s.misses.Add(1)

	root, err := os.OpenRoot(s.dir)
	if err != nil {
		return nil, fmt.Errorf("open reports dir: %w", err)
	}
	defer root.Close()

	f, err := root.Open(entry.Name)
	if err != nil {
		s.failures.Add(1)
		return nil, fmt.Errorf("open %s: %w", entry.Name, err)
	}
	defer f.Close()

	report, err := ncu.Parse(f)
	if err != nil {
		s.failures.Add(1)
		return nil, fmt.Errorf("parse %s: %w", entry.Name, err)
	}
	s.conversions.Add(1)
	s.reports.Add(key, report)
	s.logger.Info("compute report parsed", "report", entry.Name, "kernels", len(report.Kernels))
	return report, nil
}

// Markdown renders an ncu report as a single Markdown document.
func (s *Store) Markdown(name string) (string, error) {
	report, err := s.Compute(name)
	if err != nil {
		return "", err
	}
	return ncu.Markdown(report), nil
}

// Stats returns the store counters.
func (s *Store) Stats() Stats {
	return Stats{
		Conversions: s.conversions.Load(),
		Failures:    s.failures.Load(),
		CacheHits:   s.hits.Load(),
		CacheMisses: s.misses.Load(),
		Cached:      s.traces.Len() + s.reports.Len(),
	}
}

func (s *Store) entryOf(name string, kind Kind) (Entry, error) {
	entry, err := s.Stat(name)
	if err != nil {
		return Entry{}, err
	}
	if entry.Kind != kind {
		return Entry{}, ErrWrongKind
	}
	return entry, nil
}

// open connects to an nsys export in read-only mode.
func (s *Store) open(name string) (*sql.DB, error) {
	path, err := filepath.Abs(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", name, err)
	}
	return OpenExport(path)
}

// OpenExport opens an nsys SQLite export read-only.
func OpenExport(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open export: %w", err)
	}
	dsn := "file:" + (&url.URL{Path: filepath.ToSlash(path)}).EscapedPath() + "?mode=ro&_pragma=query_only(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open export %s: %w", path, err)
	}
	return db, nil
}

func cacheKey(entry Entry, opts nsys.Options) uint64 {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\x00%s\x00%d\x00%d", entry.Kind, entry.Name, entry.Size, entry.ModTime.UnixNano())
	for _, activity := range opts.Activities {
		b.WriteString("\x00a=")
		b.WriteString(string(activity))
	}
	for _, prefix := range opts.Prefixes {
		b.WriteString("\x00p=")
		b.WriteString(prefix)
	}
	for _, rule := range opts.Colors {
		b.WriteString("\x00c=")
		b.WriteString(rule.Match)
		b.WriteString("=")
		b.WriteString(rule.Color)
	}
	return xxh3.HashString(b.String())
}
