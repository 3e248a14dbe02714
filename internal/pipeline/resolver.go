package pipeline

import (
	"github.com/okezie-m/studypipe/constants"
	"github.com/okezie-m/studypipe/internal/entity"
)

// NextStage is the stage dependency resolver: given a document's current
// state it returns the job type that must run next, or false when no job is
// due (terminal states, the bookkeeping `indexing` status, and the
// pre-pipeline `uploaded` status, which the processor advances itself).
//
// It is a pure function of status and the OCR flag; idempotency of the
// surrounding enqueue is guaranteed by the job store's active-pair
// uniqueness, not by anything here.
func NextStage(doc *entity.Document) (constants.JobType, bool) {
	switch doc.Status {
	case constants.DocParsing:
		if doc.NeedsOCR == nil {
			return constants.JobParse, true
		}
		if *doc.NeedsOCR {
			return constants.JobOCR, true
		}
		// Parse finished without an OCR detour; the advance to chunking is
		// in flight (or lost to a crash and replayed by the processor).
		return "", false
	case constants.DocChunking:
		return constants.JobChunk, true
	case constants.DocEmbedding:
		return constants.JobEmbed, true
	case constants.DocSummarizing:
		return constants.JobSummarize, true
	case constants.DocQuizGenerating:
		return constants.JobQuizGenerate, true
	default:
		return "", false
	}
}
