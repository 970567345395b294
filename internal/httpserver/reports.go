package httpserver

import (
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/brycelelbach/nsightful/internal/ncu"
	"github.com/brycelelbach/nsightful/internal/nsys"
	"github.com/brycelelbach/nsightful/internal/report"
)

const perfettoOrigin = "https://ui.perfetto.dev"

var viewTemplate = template.Must(template.ParseFS(embeddedAssets, "assets/view.html.tmpl"))

type kernelSummary struct {
	Name     string         `json:"name"`
	Sections []*ncu.Section `json:"sections"`
}

type viewData struct {
	ID             string
	Name           string
	Kind           report.Kind
	TraceURL       string
	PerfettoOrigin string
	Markdown       string
}

func (s *Server) handleAPIReports(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	entries, err := s.listReports()
	if err != nil {
		s.loggerFromContext(r.Context()).Error("failed to list reports", "err", err)
		http.Error(w, "reports unavailable", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, r, http.StatusOK, entries)
}

func (s *Server) listReports() ([]report.Entry, error) {
	if s.catalog != nil {
		if snapshot, ok := s.catalog.Latest(); ok {
			return snapshot.Reports, nil
		}
	}
	if s.store == nil {
		return nil, errors.New("store not configured")
	}
	entries, err := s.store.List()
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []report.Entry{}
	}
	return entries, nil
}

func (s *Server) handleAPIReportSubresource(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.store == nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}

	const prefix = "/api/reports/"
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	segments := strings.Split(rest, "/")
	if len(segments) > 2 || segments[0] == "" {
		http.NotFound(w, r)
		return
	}

	name := segments[0]
	if len(segments) == 1 {
		entry, err := s.store.Stat(name)
		if err != nil {
			s.reportError(w, r, name, err)
			return
		}
		s.writeJSON(w, r, http.StatusOK, entry)
		return
	}

	switch segments[1] {
	case "trace":
		s.serveTrace(w, r, name)
	case "markdown":
		s.serveMarkdown(w, r, name)
	case "kernels":
		s.serveKernels(w, r, name)
	case "devices":
		s.serveDevices(w, r, name)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) serveTrace(w http.ResponseWriter, r *http.Request, name string) {
	query := r.URL.Query()
	opts, err := traceOptions(query["activity"], query["prefix"], query["color"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	data, err := s.store.Trace(r.Context(), name, opts)
	if err != nil {
		s.reportError(w, r, name, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if query.Get("download") != "" {
		w.Header().Set("Content-Disposition", `attachment; filename="`+strings.TrimSuffix(name, ".sqlite")+`.json"`)
	}
	if _, err := w.Write(data); err != nil {
		s.loggerFromContext(r.Context()).Warn("failed to write trace response", "report", name, "err", err)
	}
}

func (s *Server) serveMarkdown(w http.ResponseWriter, r *http.Request, name string) {
	markdown, err := s.store.Markdown(name)
	if err != nil {
		s.reportError(w, r, name, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	if _, err := w.Write([]byte(markdown)); err != nil {
		s.loggerFromContext(r.Context()).Warn("failed to write markdown response", "report", name, "err", err)
	}
}

func (s *Server) serveKernels(w http.ResponseWriter, r *http.Request, name string) {
	parsed, err := s.store.Compute(name)
	if err != nil {
		s.reportError(w, r, name, err)
		return
	}
	kernels := make([]kernelSummary, 0, len(parsed.Kernels))
	for _, kernel := range parsed.Kernels {
		kernels = append(kernels, kernelSummary{Name: kernel.Name, Sections: ncu.SortedSections(kernel)})
	}
	s.writeJSON(w, r, http.StatusOK, kernels)
}

func (s *Server) serveDevices(w http.ResponseWriter, r *http.Request, name string) {
	devices, err := s.store.Devices(r.Context(), name)
	if err != nil {
		s.reportError(w, r, name, err)
		return
	}
	if devices == nil {
		devices = []report.Device{}
	}
	s.writeJSON(w, r, http.StatusOK, devices)
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.store == nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/view/")
	entry, err := s.store.Stat(name)
	if err != nil {
		s.reportError(w, r, name, err)
		return
	}

	data := viewData{
		ID:             uuid.NewString(),
		Name:           entry.Name,
		Kind:           entry.Kind,
		PerfettoOrigin: perfettoOrigin,
	}
	switch entry.Kind {
	case report.KindNsys:
		trace := &url.URL{Path: "/api/reports/" + entry.Name + "/trace", RawQuery: r.URL.RawQuery}
		data.TraceURL = trace.String()
	case report.KindNcu:
		markdown, err := s.store.Markdown(entry.Name)
		if err != nil {
			s.reportError(w, r, name, err)
			return
		}
		data.Markdown = markdown
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := viewTemplate.Execute(w, data); err != nil {
		s.loggerFromContext(r.Context()).Error("failed to render view", "report", name, "err", err)
	}
}

func (s *Server) reportError(w http.ResponseWriter, r *http.Request, name string, err error) {
	switch {
	case errors.Is(err, report.ErrNotFound):
		http.NotFound(w, r)
	case errors.Is(err, report.ErrWrongKind):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case isDataError(err):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		s.loggerFromContext(r.Context()).Error("report request failed", "report", name, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// isDataError reports whether err comes from inconsistent export contents
// rather than from the server.
func isDataError(err error) bool {
	var (
		consistency *nsys.DataConsistencyError
		process     *nsys.UnknownProcessError
		interval    *nsys.InvalidIntervalError
	)
	return errors.As(err, &consistency) || errors.As(err, &process) || errors.As(err, &interval)
}

// traceOptions builds conversion options from request values. Activity and
// color values may hold several comma-separated items; prefixes are taken
// verbatim.
func traceOptions(activities, prefixes, colors []string) (nsys.Options, error) {
	var opts nsys.Options

	parsed, err := nsys.ParseActivities(strings.Join(activities, ","))
	if err != nil {
		return nsys.Options{}, err
	}
	opts.Activities = parsed

	for _, prefix := range prefixes {
		if prefix != "" {
			opts.Prefixes = append(opts.Prefixes, prefix)
		}
	}

	for _, value := range colors {
		scheme, err := nsys.ParseColorScheme(value)
		if err != nil {
			return nsys.Options{}, err
		}
		opts.Colors = append(opts.Colors, scheme...)
	}
	return opts, nil
}
