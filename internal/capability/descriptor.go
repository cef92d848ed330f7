package capability

import "fmt"

// Tag is a strength, weakness or specialization label.
type Tag string

const (
	TagReasoning   Tag = "reasoning"
	TagAnalysis    Tag = "analysis"
	TagAccuracy    Tag = "accuracy"
	TagCreative    Tag = "creative"
	TagCoding      Tag = "coding"
	TagLongContext Tag = "long_context"
	TagSafety      Tag = "safety"
	TagSpeed       Tag = "speed"
	TagMultimodal  Tag = "multimodal"
	TagCheap       Tag = "cheap"
)

// qualityTags are the strengths that count toward the quality sub-score.
var qualityTags = map[Tag]bool{
	TagReasoning:   true,
	TagAnalysis:    true,
	TagAccuracy:    true,
	TagCreative:    true,
	TagCoding:      true,
	TagLongContext: true,
	TagSafety:      true,
}

func IsQualityTag(t Tag) bool { return qualityTags[t] }

const (
	MinReliability = 0.5
	MaxReliability = 1.0
)

type Descriptor struct {
	ID              string  `yaml:"id" json:"id"`
	Strengths       []Tag   `yaml:"strengths" json:"strengths"`
	Weaknesses      []Tag   `yaml:"weaknesses" json:"weaknesses"`
	MaxInputSize    int     `yaml:"max_input_size" json:"max_input_size"`
	Multimodal      bool    `yaml:"multimodal" json:"multimodal"`
	Specializations []Tag   `yaml:"specializations" json:"specializations"`
	CostPerUnit     float64 `yaml:"cost_per_unit" json:"cost_per_unit"`
	AvgLatencyMs    float64 `yaml:"avg_latency_ms" json:"avg_latency_ms"`
	Reliability     float64 `yaml:"reliability" json:"reliability"`
}

func (d Descriptor) HasStrength(t Tag) bool { return containsTag(d.Strengths, t) }
func (d Descriptor) HasWeakness(t Tag) bool { return containsTag(d.Weaknesses, t) }
func (d Descriptor) Specializes(t Tag) bool { return containsTag(d.Specializations, t) }

// QualityRatio is the fraction of strengths that are quality-relevant.
func (d Descriptor) QualityRatio() float64 {
	if len(d.Strengths) == 0 {
		return 0
	}
	n := 0
	for _, s := range d.Strengths {
		if qualityTags[s] {
			n++
		}
	}
	return float64(n) / float64(len(d.Strengths))
}

func (d Descriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("capability id is required")
	}
	if d.CostPerUnit < 0 {
		return fmt.Errorf("capability %q: cost_per_unit must be >= 0", d.ID)
	}
	if d.AvgLatencyMs < 0 {
		return fmt.Errorf("capability %q: avg_latency_ms must be >= 0", d.ID)
	}
	if d.Reliability < 0 || d.Reliability > 1 {
		return fmt.Errorf("capability %q: reliability must be in [0,1]", d.ID)
	}
	if d.MaxInputSize < 0 {
		return fmt.Errorf("capability %q: max_input_size must be >= 0", d.ID)
	}
	return nil
}

func (d Descriptor) clone() Descriptor {
	d.Strengths = append([]Tag(nil), d.Strengths...)
	d.Weaknesses = append([]Tag(nil), d.Weaknesses...)
	d.Specializations = append([]Tag(nil), d.Specializations...)
	return d
}

func containsTag(tags []Tag, t Tag) bool {
	for _, x := range tags {
		if x == t {
			return true
		}
	}
	return false
}
