package constants

// DocumentStatus is the canonical status for rows in documents.
type DocumentStatus string

// Stable values (store these exact strings in DB).
const (
	DocUploaded       DocumentStatus = "uploaded"
	DocParsing        DocumentStatus = "parsing"
	DocChunking       DocumentStatus = "chunking"
	DocEmbedding      DocumentStatus = "embedding"
	DocIndexing       DocumentStatus = "indexing"
	DocSummarizing    DocumentStatus = "summarizing"
	DocQuizGenerating DocumentStatus = "quiz_generating"
	DocReady          DocumentStatus = "ready"
	DocFailed         DocumentStatus = "failed"
)

// DocumentStatusOrder is the forward sequence a document moves through.
// `failed` is reachable sideways from any non-terminal entry.
var DocumentStatusOrder = []DocumentStatus{
	DocUploaded,
	DocParsing,
	DocChunking,
	DocEmbedding,
	DocIndexing,
	DocSummarizing,
	DocQuizGenerating,
	DocReady,
}

var docStatusRank = func() map[DocumentStatus]int {
	m := make(map[DocumentStatus]int, len(DocumentStatusOrder))
	for i, s := range DocumentStatusOrder {
		m[s] = i
	}
	return m
}()

// IsTerminalDocumentStatus reports whether no automatic transition may leave s.
func IsTerminalDocumentStatus(s DocumentStatus) bool {
	return s == DocReady || s == DocFailed
}

// NextDocumentStatus returns the status following s in the forward sequence.
func NextDocumentStatus(s DocumentStatus) (DocumentStatus, bool) {
	rank, ok := docStatusRank[s]
	if !ok || rank+1 >= len(DocumentStatusOrder) {
		return "", false
	}
	return DocumentStatusOrder[rank+1], true
}

// ValidDocumentTransition reports whether from -> to is allowed: one step
// forward along the sequence, or sideways into failed from any non-terminal
// state. Backward moves happen only through an explicit manual retry reset,
// which is validated separately.
func ValidDocumentTransition(from, to DocumentStatus) bool {
	if to == DocFailed {
		return !IsTerminalDocumentStatus(from)
	}
	next, ok := NextDocumentStatus(from)
	return ok && next == to
}
