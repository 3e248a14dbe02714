package constants

// JobType identifies one pipeline stage.
type JobType string

// Stable values (store these exact strings in DB).
const (
	JobParse        JobType = "parse"
	JobOCR          JobType = "ocr"
	JobChunk        JobType = "chunk"
	JobEmbed        JobType = "embed"
	JobSummarize    JobType = "summarize"
	JobQuizGenerate JobType = "quiz_generate"
)

// JobTypes lists every stage in pipeline order.
var JobTypes = []JobType{
	JobParse,
	JobOCR,
	JobChunk,
	JobEmbed,
	JobSummarize,
	JobQuizGenerate,
}

// JobStatus is the canonical status for rows in jobs.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobSucceeded  JobStatus = "succeeded"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// IsTerminalJobStatus reports whether a job status admits no further transition.
func IsTerminalJobStatus(s JobStatus) bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// StagePriority gives earlier stages higher claim priority so a backlog
// drains breadth-first across documents instead of finishing one document's
// whole pipeline before starting another's first stage.
var StagePriority = map[JobType]int{
	JobParse:        100,
	JobOCR:          90,
	JobChunk:        80,
	JobEmbed:        70,
	JobSummarize:    60,
	JobQuizGenerate: 50,
}

// statusForStage maps a job type back to the document status it services.
// There is no `index` job type: the vector index write happens inside the
// embed executor and `indexing` is advanced by the tracker at embed
// completion.
var statusForStage = map[JobType]DocumentStatus{
	JobParse:        DocParsing,
	JobOCR:          DocParsing, // OCR detour runs while the document stays in parsing
	JobChunk:        DocChunking,
	JobEmbed:        DocEmbedding,
	JobSummarize:    DocSummarizing,
	JobQuizGenerate: DocQuizGenerating,
}

// StatusForStage returns the document status during which jobs of type t run.
func StatusForStage(t JobType) (DocumentStatus, bool) {
	s, ok := statusForStage[t]
	return s, ok
}
