package repository

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/okezie-m/studypipe/internal/entity"
)

// newTestDB opens a private in-memory database and applies the schema.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared",
		strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()))
	db, err := Open(ctx, Config{Driver: DriverSQLite, DSN: dsn}, testLogger())
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, db.Migrate(ctx))
	return db
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDocument(t *testing.T, docs DocumentRepository) *entity.Document {
	t.Helper()
	doc := &entity.Document{
		UserID:      uuid.New(),
		Title:       "operating systems lecture notes",
		SourceURI:   "file:///uploads/os-notes.pdf",
		ContentType: "application/pdf",
	}
	require.NoError(t, docs.Create(context.Background(), doc))
	return doc
}
