package selector

import "strings"

var (
	codeKeywords      = []string{"```", "func ", "def ", "class ", "import ", "package ", "refactor", "compile", "stack trace"}
	transformKeywords = []string{"translate", "summarize", "summarise", "convert", "rewrite", "paraphrase", "rephrase", "format", "extract"}
	creativeKeywords  = []string{"story", "poem", "creative", "brainstorm", "slogan", "imagine", "campaign"}
	analysisKeywords  = []string{"analyze", "analyse", "compare", "evaluate", "forecast", "trend", "report", "investigate"}
	visionKeywords    = []string{"image", "photo", "screenshot", "diagram", "chart", "video"}
	realtimeKeywords  = []string{"realtime", "real-time", "live", "stream", "instant"}
	safetyKeywords    = []string{"medical", "legal", "financial", "compliance", "safety", "security"}
)

// TaskClassifier infers a TaskType from a free-text task description.
type TaskClassifier struct {
	longDescription int
	shortChat       int
}

func NewTaskClassifier() *TaskClassifier {
	return &TaskClassifier{
		longDescription: 500,
		shortChat:       100,
	}
}

func (c *TaskClassifier) Classify(description string) TaskType {
	if strings.TrimSpace(description) == "" {
		return TaskGeneral
	}
	lower := strings.ToLower(description)

	switch {
	case containsAny(lower, codeKeywords):
		return TaskCode
	case containsAny(lower, visionKeywords):
		return TaskVision
	case containsAny(lower, realtimeKeywords):
		return TaskRealtime
	case containsAny(lower, creativeKeywords):
		return TaskCreative
	case containsAny(lower, transformKeywords):
		return TaskTransform
	case containsAny(lower, analysisKeywords), len(description) > c.longDescription:
		return TaskAnalysis
	case len(description) < c.shortChat && !strings.Contains(description, "\n"):
		return TaskChat
	}
	return TaskGeneral
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
