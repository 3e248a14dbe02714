package repository

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okezie-m/studypipe/constants"
	"github.com/okezie-m/studypipe/internal/common"
)

func TestCreateAndGetDocument(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	docs := NewDocumentRepository(db, testLogger())

	doc := newTestDocument(t, docs)
	assert.Equal(t, constants.DocUploaded, doc.Status)

	got, err := docs.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)
	assert.Equal(t, doc.UserID, got.UserID)
	assert.Equal(t, constants.DocUploaded, got.Status)
	assert.Nil(t, got.NeedsOCR)
	assert.Nil(t, got.LastError)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = docs.GetByID(ctx, uuid.New())
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestTransitionAppendsHistoryAndDetectsStaleness(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	docs := NewDocumentRepository(db, testLogger())
	doc := newTestDocument(t, docs)

	require.NoError(t, docs.Transition(ctx, doc.ID, constants.DocUploaded, constants.DocParsing))

	// A second writer still holding the old status loses the compare step.
	err := docs.Transition(ctx, doc.ID, constants.DocUploaded, constants.DocParsing)
	require.ErrorIs(t, err, ErrStaleStatus)

	history, err := docs.History(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, history, 1, "a lost transition must not leave a history row")
	assert.Equal(t, constants.DocUploaded, history[0].From)
	assert.Equal(t, constants.DocParsing, history[0].To)
}

func TestSetParseOutcomeDecidesOnce(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	docs := NewDocumentRepository(db, testLogger())
	doc := newTestDocument(t, docs)
	require.NoError(t, docs.Transition(ctx, doc.ID, constants.DocUploaded, constants.DocParsing))

	require.NoError(t, docs.SetParseOutcome(ctx, doc.ID, true, 12))

	got, err := docs.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NeedsOCR)
	assert.True(t, *got.NeedsOCR)
	require.NotNil(t, got.PageCount)
	assert.Equal(t, 12, *got.PageCount)

	// A re-run of the same parse job must not flip the decision.
	require.NoError(t, docs.SetParseOutcome(ctx, doc.ID, false, 99))
	got, err = docs.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, *got.NeedsOCR)
	assert.Equal(t, 12, *got.PageCount)
}

func TestMarkFailedAndResetForRetry(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	docs := NewDocumentRepository(db, testLogger())
	doc := newTestDocument(t, docs)
	require.NoError(t, docs.Transition(ctx, doc.ID, constants.DocUploaded, constants.DocParsing))
	require.NoError(t, docs.Transition(ctx, doc.ID, constants.DocParsing, constants.DocChunking))

	require.NoError(t, docs.MarkFailed(ctx, doc.ID, "chunker exploded"))
	got, err := docs.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.DocFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "chunker exploded", *got.LastError)

	// Terminal states cannot fail again.
	require.ErrorIs(t, docs.MarkFailed(ctx, doc.ID, "again"), ErrStaleStatus)

	require.NoError(t, docs.ResetForRetry(ctx, doc.ID, constants.DocChunking))
	got, err = docs.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.DocChunking, got.Status)
	assert.Nil(t, got.LastError, "retry reset clears the recorded error")

	// Only failed documents can be reset.
	require.ErrorIs(t, docs.ResetForRetry(ctx, doc.ID, constants.DocChunking), ErrStaleStatus)

	history, err := docs.History(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	var sawFail, sawReset bool
	for _, h := range history {
		if h.From == constants.DocChunking && h.To == constants.DocFailed {
			sawFail = true
		}
		if h.From == constants.DocFailed && h.To == constants.DocChunking {
			sawReset = true
		}
	}
	assert.True(t, sawFail, "failure transition must be in the history")
	assert.True(t, sawReset, "retry reset must be in the history")
}

func TestListRecentDocuments(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	docs := NewDocumentRepository(db, testLogger())
	for i := 0; i < 3; i++ {
		newTestDocument(t, docs)
	}

	got, err := docs.ListRecent(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
