package nsys

import (
	"fmt"
	"log/slog"
	"strings"
)

// ActivityType selects a kind of event in the conversion output.
type ActivityType string

const (
	// ActivityKernel emits GPU kernel executions.
	ActivityKernel ActivityType = "kernel"
	// ActivityNVTX emits NVTX ranges on the host timeline.
	ActivityNVTX ActivityType = "nvtx"
	// ActivityNVTXKernel emits NVTX ranges projected onto the device
	// timeline, spanning the kernels they launched.
	ActivityNVTXKernel ActivityType = "nvtx-kernel"
	// ActivityCUDAAPI emits CUDA runtime API calls.
	ActivityCUDAAPI ActivityType = "cuda-api"
)

// AllActivities returns every activity type, the default selection.
func AllActivities() []ActivityType {
	return []ActivityType{ActivityKernel, ActivityNVTX, ActivityNVTXKernel, ActivityCUDAAPI}
}

func (a ActivityType) valid() bool {
	switch a {
	case ActivityKernel, ActivityNVTX, ActivityNVTXKernel, ActivityCUDAAPI:
		return true
	}
	return false
}

// ParseActivities parses a comma-separated list of activity types. Names are
// case sensitive. An empty list selects nothing and leaves the default to
// Options.
func ParseActivities(value string) ([]ActivityType, error) {
	var out []ActivityType
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		activity := ActivityType(item)
		if !activity.valid() {
			return nil, fmt.Errorf("unsupported activity type %q", item)
		}
		out = append(out, activity)
	}
	return out, nil
}

// ColorRule assigns Color to names containing Match.
type ColorRule struct {
	Match string `json:"match"`
	Color string `json:"color"`
}

// ColorScheme is an ordered list of rules; the first rule whose substring
// occurs in a name wins.
type ColorScheme []ColorRule

// ColorFor returns the color of the first matching rule.
func (c ColorScheme) ColorFor(name string) (string, bool) {
	for _, rule := range c {
		if strings.Contains(name, rule.Match) {
			return rule.Color, true
		}
	}
	return "", false
}

// ParseColorScheme parses "substring=color" pairs separated by commas,
// keeping their order.
func ParseColorScheme(value string) (ColorScheme, error) {
	var scheme ColorScheme
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		rule, err := ParseColorRule(item)
		if err != nil {
			return nil, err
		}
		scheme = append(scheme, rule)
	}
	return scheme, nil
}

// ParseColorRule parses a single "substring=color" pair.
func ParseColorRule(value string) (ColorRule, error) {
	match, color, ok := strings.Cut(value, "=")
	match = strings.TrimSpace(match)
	color = strings.TrimSpace(color)
	if !ok || match == "" || color == "" {
		return ColorRule{}, fmt.Errorf("invalid color rule %q, want substring=color", value)
	}
	return ColorRule{Match: match, Color: color}, nil
}

// Options controls a conversion. The zero value converts every activity
// type without filtering or coloring.
type Options struct {
	Activities []ActivityType
	// Prefixes restricts NVTX ranges to names starting with one of them
	// (case sensitive).
	Prefixes []string
	Colors   ColorScheme
	Logger   *slog.Logger
}

func (o Options) activitySet() (map[ActivityType]bool, error) {
	activities := o.Activities
	if len(activities) == 0 {
		activities = AllActivities()
	}
	set := make(map[ActivityType]bool, len(activities))
	for _, activity := range activities {
		if !activity.valid() {
			return nil, fmt.Errorf("unsupported activity type %q", activity)
		}
		set[activity] = true
	}
	return set, nil
}
