package ncu

import (
	"math"
	"strconv"
	"strings"
)

// FormatNumericValue normalizes comma-grouped numbers: integers of at least
// 1000 are regrouped, other values of at least 1000 get two grouped
// decimals and smaller values lose their separators. Values without a comma
// or that do not parse are returned unchanged.
func FormatNumericValue(value string) string {
	if !strings.Contains(value, ",") {
		return value
	}
	clean := strings.ReplaceAll(value, ",", "")
	f, err := strconv.ParseFloat(strings.TrimSpace(clean), 64)
	if err != nil {
		return value
	}
	if math.IsInf(f, 0) || math.IsNaN(f) || math.Abs(f) < 1000 {
		return clean
	}
	if f == math.Trunc(f) {
		return groupThousands(strconv.FormatFloat(f, 'f', 0, 64))
	}
	return groupThousands(strconv.FormatFloat(f, 'f', 2, 64))
}

// groupThousands inserts commas into the integer part of a plain decimal.
func groupThousands(s string) string {
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	whole, frac, hasFrac := strings.Cut(s, ".")

	var b strings.Builder
	b.WriteString(sign)
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if hasFrac {
		b.WriteByte('.')
		b.WriteString(frac)
	}
	return b.String()
}

// FormatRuleType returns the Markdown label of a rule type.
func FormatRuleType(ruleType string) string {
	switch ruleType {
	case "OPT":
		return "🔧 **OPTIMIZATION**"
	case "WRN":
		return "⚠️ **WARNING**"
	case "INF":
		return "ℹ️ **INFO**"
	default:
		return "**" + ruleType + "**"
	}
}

func ruleLines(rule Rule) []string {
	lines := []string{FormatRuleType(rule.Type) + ": " + rule.Description}
	if rule.Speedup != "" && rule.SpeedupType != "" {
		lines = append(lines, "*Estimated Speedup ("+rule.SpeedupType+"): "+rule.Speedup+"%*")
	}
	return append(lines, "")
}

// SectionMarkdown renders a section heading, its metrics table and its
// rules.
func SectionMarkdown(s *Section) string {
	lines := []string{"## " + s.Name + "\n"}

	if len(s.Metrics) > 0 {
		lines = append(lines,
			"| Metric Name | Metric Unit | Metric Value |",
			"|-------------|-------------|--------------|",
		)
		for _, metric := range s.Metrics {
			lines = append(lines, "| "+metric.Name+" | "+metric.Unit+" | "+metric.Value+" |")
		}
		lines = append(lines, "")
	}

	for _, rule := range s.Rules {
		lines = append(lines, ruleLines(rule)...)
	}
	return strings.Join(lines, "\n")
}

// SummaryMarkdown collects the rules of every section of a kernel, grouped
// by section in canonical order.
func SummaryMarkdown(k *Kernel) string {
	lines := []string{"## Summary\n"}
	found := false
	for _, section := range SortedSections(k) {
		if len(section.Rules) == 0 {
			continue
		}
		found = true
		lines = append(lines, "### "+section.Name+"\n")
		for _, rule := range section.Rules {
			lines = append(lines, ruleLines(rule)...)
		}
	}
	if !found {
		return "## Summary\n\nNo rules found in any section."
	}
	return strings.Join(lines, "\n")
}

// KernelMarkdown renders one kernel: its heading, then every section in
// canonical order.
func KernelMarkdown(k *Kernel) string {
	lines := []string{"# " + k.Name + "\n"}
	if len(k.Sections) == 0 {
		lines = append(lines, "No sections found for kernel: "+k.Name)
		return strings.Join(lines, "\n")
	}
	for _, section := range SortedSections(k) {
		lines = append(lines, SectionMarkdown(section))
	}
	return strings.Join(lines, "\n")
}

// Markdown renders the whole report as a single document, kernels separated
// by horizontal rules. An empty report renders as the empty string.
func Markdown(r *Report) string {
	var lines []string
	for _, kernel := range r.Kernels {
		lines = append(lines, KernelMarkdown(kernel))
		if len(kernel.Sections) > 0 {
			lines = append(lines, "---\n")
		}
	}
	return strings.Join(lines, "\n")
}
