package selector

import "github.com/opentalon/relay/internal/capability"

type TaskType string

const (
	TaskCode      TaskType = "code"
	TaskAnalysis  TaskType = "analysis"
	TaskCreative  TaskType = "creative"
	TaskTransform TaskType = "transform"
	TaskChat      TaskType = "chat"
	TaskRealtime  TaskType = "realtime"
	TaskVision    TaskType = "vision"
	TaskGeneral   TaskType = "general"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// taskTags are the specializations that earn a descriptor the
// specialization bonus for a task type.
var taskTags = map[TaskType][]capability.Tag{
	TaskCode:      {capability.TagCoding, capability.TagReasoning},
	TaskAnalysis:  {capability.TagAnalysis, capability.TagReasoning},
	TaskCreative:  {capability.TagCreative},
	TaskTransform: {capability.TagSpeed},
	TaskChat:      {capability.TagSpeed, capability.TagCheap},
	TaskRealtime:  {capability.TagSpeed},
	TaskVision:    {capability.TagMultimodal},
}

// SpecializationTags returns the tags relevant to t plus t itself as a tag.
func SpecializationTags(t TaskType) []capability.Tag {
	return append([]capability.Tag{capability.Tag(t)}, taskTags[t]...)
}
