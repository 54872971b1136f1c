package agentspec

// ResourceEstimate is the projected footprint of an agent derived from its
// declared capabilities, integrations, and triggers.
type ResourceEstimate struct {
	CPUCores        float64 `json:"cpu_cores"`
	MemoryMB        int     `json:"memory_mb"`
	EfficiencyScore float64 `json:"efficiency_score"`
}

// Per-capability weight table. Capabilities not listed use the default
// weight. Values are additive on top of the base cost.
var capabilityWeights = map[Capability]struct {
	cpu float64
	mem int
}{
	CapWebScraping:        {0.3, 128},
	CapDataAnalysis:       {0.4, 256},
	CapDataTransformation: {0.3, 192},
	CapReportGeneration:   {0.2, 128},
	CapContentGeneration:  {0.3, 192},
	CapSentimentAnalysis:  {0.3, 192},
	CapDocumentParsing:    {0.2, 128},
	CapTranslation:        {0.2, 128},
	CapSummarization:      {0.2, 128},
	CapFileBackup:         {0.1, 96},
	CapDatabaseQueries:    {0.2, 128},
}

const (
	defaultCapabilityCPU = 0.05
	defaultCapabilityMem = 32

	integrationCPU = 0.05
	integrationMem = 24

	triggerCPU = 0.02
	triggerMem = 8

	baseCPU = 0.1
	baseMem = 64
)

// EstimateResources projects the agent's CPU and memory footprint from a
// fixed weight table, clamped by the spec's resource limits. The efficiency
// score is the fraction of the declared limits the estimate leaves unused,
// in [0, 1]; higher means more headroom.
func (s *AgentSpec) EstimateResources() ResourceEstimate {
	cpu := baseCPU
	mem := baseMem

	for _, c := range s.Capabilities {
		if w, ok := capabilityWeights[c]; ok {
			cpu += w.cpu
			mem += w.mem
			continue
		}
		cpu += defaultCapabilityCPU
		mem += defaultCapabilityMem
	}
	cpu += float64(len(s.Integrations)) * integrationCPU
	mem += len(s.Integrations) * integrationMem
	cpu += float64(len(s.Triggers)) * triggerCPU
	mem += len(s.Triggers) * triggerMem

	rawCPU, rawMem := cpu, mem
	if cpu > s.Limits.CPUCores {
		cpu = s.Limits.CPUCores
	}
	if mem > s.Limits.MemoryMB {
		mem = s.Limits.MemoryMB
	}

	// Headroom across both axes, averaged. A raw estimate at or above the
	// limit contributes zero headroom on that axis.
	cpuHeadroom := headroom(rawCPU, s.Limits.CPUCores)
	memHeadroom := headroom(float64(rawMem), float64(s.Limits.MemoryMB))

	return ResourceEstimate{
		CPUCores:        cpu,
		MemoryMB:        mem,
		EfficiencyScore: (cpuHeadroom + memHeadroom) / 2,
	}
}

func headroom(raw, limit float64) float64 {
	if limit <= 0 || raw >= limit {
		return 0
	}
	return (limit - raw) / limit
}
