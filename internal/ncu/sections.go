package ncu

// sectionAliases maps raw section names, as written by different ncu
// versions, to canonical names. Entries are grouped by canonical name and
// the groups are in output order.
var sectionAliases = []struct {
	raw       string
	canonical string
}{
	{"GPU Speed Of Light Throughput", "Speed Of Light"},
	{"SpeedOfLight", "Speed Of Light"},
	{"SpeedOfLight_RooflineChart", "Speed Of Light"},
	{"Memory Workload Analysis", "Memory Workload"},
	{"MemoryWorkloadAnalysis", "Memory Workload"},
	{"MemoryWorkloadAnalysis_Chart", "Memory Workload"},
	{"MemoryWorkloadAnalysis_Tables", "Memory Workload"},
	{"Compute Workload Analysis", "Compute Workload"},
	{"ComputeWorkloadAnalysis", "Compute Workload"},
	{"GPU and Memory Workload Distribution", "Compute & Memory Distribution"},
	{"Scheduler Statistics", "Scheduler"},
	{"SchedulerStats", "Scheduler"},
	{"Warp State Statistics", "Warp State"},
	{"WarpStateStats", "Warp State"},
	{"Instruction Statistics", "Instruction"},
	{"Launch Statistics", "Launch"},
	{"PM Sampling", "PM Sampling"},
	{"Occupancy", "Occupancy"},
	{"Source Counters", "Source Counters"},
	{"SourceCounters", "Source Counters"},
}

var (
	canonicalByRaw = make(map[string]string, len(sectionAliases))
	sectionRank    = make(map[string]int)
)

func init() {
	for _, alias := range sectionAliases {
		canonicalByRaw[alias.raw] = alias.canonical
		if _, ok := sectionRank[alias.canonical]; !ok {
			sectionRank[alias.canonical] = len(sectionRank)
		}
	}
}

// CanonicalSection returns the canonical name of a raw section name.
// Unknown names are kept.
func CanonicalSection(raw string) string {
	if canonical, ok := canonicalByRaw[raw]; ok {
		return canonical
	}
	return raw
}

// SortedSections returns the kernel's sections with canonical sections
// first, in canonical order, followed by the others in first-seen order.
func SortedSections(k *Kernel) []*Section {
	known := make([]*Section, len(sectionRank))
	var unknown []*Section
	for _, section := range k.Sections {
		if rank, ok := sectionRank[section.Name]; ok {
			known[rank] = section
			continue
		}
		unknown = append(unknown, section)
	}

	out := make([]*Section, 0, len(k.Sections))
	for _, section := range known {
		if section != nil {
			out = append(out, section)
		}
	}
	return append(out, unknown...)
}
