package selector

import (
	"fmt"

	"github.com/opentalon/relay/internal/capability"
)

const (
	reliabilityWeight   = 0.2
	multimodalBonus     = 0.1
	multimodalPenalty   = 0.3
	oversizePenalty     = 0.4
	specializationBonus = 0.15
	weaknessPenalty     = 0.1
	strongNeed          = 0.7
)

// Score is one descriptor's match against a requirement vector.
type Score struct {
	CapabilityID string   `json:"capability_id"`
	Value        float64  `json:"score"`
	Reasons      []string `json:"reasons,omitempty"`
}

// bounds holds registry-wide maxima used to normalize latency and cost.
type bounds struct {
	maxLatency float64
	maxCost    float64
}

func boundsOf(descs []capability.Descriptor) bounds {
	var b bounds
	for _, d := range descs {
		if d.AvgLatencyMs > b.maxLatency {
			b.maxLatency = d.AvgLatencyMs
		}
		if d.CostPerUnit > b.maxCost {
			b.maxCost = d.CostPerUnit
		}
	}
	return b
}

func inverseNormalized(v, limit float64) float64 {
	if limit <= 0 {
		return 1
	}
	return 1 - v/limit
}

func boolScore(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// scoreDescriptor computes a [0,1] match of d against req for taskType.
func scoreDescriptor(d capability.Descriptor, req Requirements, taskType TaskType, b bounds) Score {
	speed := inverseNormalized(d.AvgLatencyMs, b.maxLatency)
	quality := d.QualityRatio()
	cost := inverseNormalized(d.CostPerUnit, b.maxCost)
	reasoning := boolScore(d.HasStrength(capability.TagReasoning))
	creativity := boolScore(d.HasStrength(capability.TagCreative))
	safety := boolScore(d.HasStrength(capability.TagSafety))

	weighted := speed*req.Speed +
		quality*req.Quality +
		cost*req.Cost +
		d.Reliability*reliabilityWeight +
		reasoning*req.Reasoning +
		creativity*req.Creativity +
		safety*req.Safety
	total := req.Speed + req.Quality + req.Cost + reliabilityWeight + req.Reasoning + req.Creativity + req.Safety

	value := weighted / total
	reasons := []string{
		fmt.Sprintf("speed %.2f x %.2f", speed, req.Speed),
		fmt.Sprintf("quality %.2f x %.2f", quality, req.Quality),
		fmt.Sprintf("cost %.2f x %.2f", cost, req.Cost),
		fmt.Sprintf("reliability %.2f", d.Reliability),
	}

	if req.NeedsMultimodal() {
		if d.Multimodal {
			value += multimodalBonus
			reasons = append(reasons, "multimodal requirement met")
		} else {
			value -= multimodalPenalty
			reasons = append(reasons, "multimodal required but unsupported")
		}
	}

	if d.MaxInputSize > 0 && req.PayloadSize > d.MaxInputSize {
		value -= oversizePenalty
		reasons = append(reasons, fmt.Sprintf("payload %d exceeds max input %d", req.PayloadSize, d.MaxInputSize))
	}

	tags := SpecializationTags(taskType)
	overlap := 0
	for _, t := range tags {
		if d.Specializes(t) {
			overlap++
		}
	}
	if overlap > 0 {
		value += specializationBonus * float64(overlap) / float64(len(tags))
		reasons = append(reasons, fmt.Sprintf("specialized for %s (%d/%d tags)", taskType, overlap, len(tags)))
	}

	for _, weak := range []struct {
		tag  capability.Tag
		need float64
	}{
		{capability.TagSpeed, req.Speed},
		{capability.TagReasoning, req.Reasoning},
		{capability.TagCreative, req.Creativity},
		{capability.TagSafety, req.Safety},
	} {
		if weak.need >= strongNeed && d.HasWeakness(weak.tag) {
			value -= weaknessPenalty
			reasons = append(reasons, fmt.Sprintf("weak at %s", weak.tag))
		}
	}

	return Score{CapabilityID: d.ID, Value: clamp01(value), Reasons: reasons}
}
