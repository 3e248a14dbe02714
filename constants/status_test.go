package constants

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidDocumentTransition(t *testing.T) {
	// Forward moves are single steps along the sequence.
	for i := 0; i < len(DocumentStatusOrder)-1; i++ {
		from, to := DocumentStatusOrder[i], DocumentStatusOrder[i+1]
		assert.True(t, ValidDocumentTransition(from, to), "%s -> %s", from, to)
	}

	// No skipping, no going backwards.
	assert.False(t, ValidDocumentTransition(DocUploaded, DocChunking))
	assert.False(t, ValidDocumentTransition(DocChunking, DocParsing))
	assert.False(t, ValidDocumentTransition(DocReady, DocUploaded))

	// failed is reachable sideways from any non-terminal state only.
	for _, s := range DocumentStatusOrder[:len(DocumentStatusOrder)-1] {
		assert.True(t, ValidDocumentTransition(s, DocFailed), "%s -> failed", s)
	}
	assert.False(t, ValidDocumentTransition(DocReady, DocFailed))
	assert.False(t, ValidDocumentTransition(DocFailed, DocFailed))
}

func TestIsTerminalDocumentStatus(t *testing.T) {
	assert.True(t, IsTerminalDocumentStatus(DocReady))
	assert.True(t, IsTerminalDocumentStatus(DocFailed))
	for _, s := range DocumentStatusOrder[:len(DocumentStatusOrder)-1] {
		assert.False(t, IsTerminalDocumentStatus(s))
	}
}

func TestStagePriorityOrdersBreadthFirst(t *testing.T) {
	// Earlier stages must outrank later ones so a backlog drains across
	// documents instead of depth-first through one.
	for i := 0; i < len(JobTypes)-1; i++ {
		assert.Greater(t, StagePriority[JobTypes[i]], StagePriority[JobTypes[i+1]],
			"%s must outrank %s", JobTypes[i], JobTypes[i+1])
	}
}

func TestStatusForStage(t *testing.T) {
	for _, jt := range JobTypes {
		s, ok := StatusForStage(jt)
		assert.True(t, ok, "stage %s", jt)
		assert.False(t, IsTerminalDocumentStatus(s))
	}
	_, ok := StatusForStage(JobType("index"))
	assert.False(t, ok)
}
