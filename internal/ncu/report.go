// Package ncu turns Nsight Compute CSV exports (ncu --csv) into per-kernel,
// per-section Markdown reports.
package ncu

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// CSV columns read by Parse.
const (
	colKernelName  = "Kernel Name"
	colSection     = "Section Name"
	colMetricName  = "Metric Name"
	colMetricUnit  = "Metric Unit"
	colMetricValue = "Metric Value"
	colRuleName    = "Rule Name"
	colRuleType    = "Rule Type"
	colRuleDesc    = "Rule Description"
	colSpeedupType = "Estimated Speedup Type"
	colSpeedup     = "Estimated Speedup"
)

var requiredColumns = []string{
	colKernelName, colSection,
	colMetricName, colMetricUnit, colMetricValue,
	colRuleName, colRuleType, colRuleDesc, colSpeedupType, colSpeedup,
}

// Metric is a single measured value.
type Metric struct {
	Name  string `json:"name"`
	Unit  string `json:"unit"`
	Value string `json:"value"`
}

// Rule is a guided-analysis finding attached to a section.
type Rule struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	SpeedupType string `json:"speedup_type,omitempty"`
	Speedup     string `json:"speedup,omitempty"`
}

// Section groups the metrics and rules of one canonical section.
type Section struct {
	Name    string   `json:"name"`
	Metrics []Metric `json:"metrics"`
	Rules   []Rule   `json:"rules"`

	metricIndex map[string]int
}

func (s *Section) setMetric(metric Metric) {
	if i, ok := s.metricIndex[metric.Name]; ok {
		s.Metrics[i] = metric
		return
	}
	s.metricIndex[metric.Name] = len(s.Metrics)
	s.Metrics = append(s.Metrics, metric)
}

// Kernel holds the sections reported for one kernel, in first-seen order.
type Kernel struct {
	Name     string     `json:"name"`
	Sections []*Section `json:"sections"`

	sectionIndex map[string]int
}

// Section returns the named section, or nil.
func (k *Kernel) Section(name string) *Section {
	if i, ok := k.sectionIndex[name]; ok {
		return k.Sections[i]
	}
	return nil
}

func (k *Kernel) section(name string) *Section {
	if s := k.Section(name); s != nil {
		return s
	}
	s := &Section{Name: name, Metrics: []Metric{}, Rules: []Rule{}, metricIndex: make(map[string]int)}
	k.sectionIndex[name] = len(k.Sections)
	k.Sections = append(k.Sections, s)
	return s
}

// Report is a parsed CSV export. Kernels keep first-seen order; profiles of
// the same kernel with different template arguments are merged.
type Report struct {
	Kernels []*Kernel `json:"kernels"`

	kernelIndex map[string]int
}

// NewReport returns an empty report.
func NewReport() *Report {
	return &Report{Kernels: []*Kernel{}, kernelIndex: make(map[string]int)}
}

// Kernel returns the named kernel, or nil.
func (r *Report) Kernel(name string) *Kernel {
	if i, ok := r.kernelIndex[name]; ok {
		return r.Kernels[i]
	}
	return nil
}

func (r *Report) kernel(name string) *Kernel {
	if k := r.Kernel(name); k != nil {
		return k
	}
	k := &Kernel{Name: name, sectionIndex: make(map[string]int)}
	r.kernelIndex[name] = len(r.Kernels)
	r.Kernels = append(r.Kernels, k)
	return k
}

// Parse reads an ncu --csv export. Rows shorter than the header are padded
// with empty fields; rows without a section are skipped. Input with no
// header at all yields an empty report.
func Parse(r io.Reader) (*Report, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	report := NewReport()

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return report, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimPrefix(name, "\ufeff")
		if _, ok := columns[name]; !ok {
			columns[name] = i
		}
	}
	var missing []string
	for _, name := range requiredColumns {
		if _, ok := columns[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("csv header is missing columns: %s", strings.Join(missing, ", "))
	}

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}

		field := func(name string) string {
			if i := columns[name]; i < len(record) {
				return record[i]
			}
			return ""
		}

		sectionName := CanonicalSection(field(colSection))
		if sectionName == "" {
			continue
		}
		kernelName := ExtractKernelName(field(colKernelName))

		if metricName := strings.TrimSpace(field(colMetricName)); metricName != "" {
			report.kernel(kernelName).section(sectionName).setMetric(Metric{
				Name:  metricName,
				Unit:  strings.TrimSpace(field(colMetricUnit)),
				Value: FormatNumericValue(strings.TrimSpace(field(colMetricValue))),
			})
		}

		if ruleName := strings.TrimSpace(field(colRuleName)); ruleName != "" {
			section := report.kernel(kernelName).section(sectionName)
			section.Rules = append(section.Rules, Rule{
				Name:        ruleName,
				Type:        strings.TrimSpace(field(colRuleType)),
				Description: strings.TrimSpace(field(colRuleDesc)),
				SpeedupType: strings.TrimSpace(field(colSpeedupType)),
				Speedup:     strings.TrimSpace(field(colSpeedup)),
			})
		}
	}
	return report, nil
}

// ExtractKernelName strips template arguments and the parameter list from
// a demangled kernel name. Names starting with either delimiter are
// returned as is.
func ExtractKernelName(full string) string {
	i := strings.IndexAny(full, "[(")
	switch {
	case i < 0:
		return strings.TrimSpace(full)
	case i == 0:
		return full
	default:
		return strings.TrimSpace(full[:i])
	}
}
