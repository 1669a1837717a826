package ticketlog

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radiusd/pkg/session"
)

func ticket(id string) *session.Ticket {
	return &session.Ticket{
		ID:             id,
		AccountNumber:  "alice",
		NasAddr:        "10.0.0.1",
		AcctSessionID:  "sess-" + id,
		AcctStartTime:  time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		AcctStopTime:   time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC),
		SessionTime:    3600,
		InputTotal:     1024,
		OutputTotal:    2048,
		TerminateCause: 1,
		Billed:         true,
	}
}

func readLines(t *testing.T, path string) []session.Ticket {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []session.Ticket
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var tk session.Ticket
		require.NoError(t, json.Unmarshal(sc.Bytes(), &tk))
		out = append(out, tk)
	}
	require.NoError(t, sc.Err())
	return out
}

func rotated(t *testing.T, dir string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "tickets-*"))
	require.NoError(t, err)
	return files
}

func TestWriteTicket(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Directory: dir}, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, w.WriteTicket(ctx, ticket("1")))
	require.NoError(t, w.WriteTicket(ctx, ticket("2")))
	require.NoError(t, w.Close())

	lines := readLines(t, filepath.Join(dir, "tickets.log"))
	require.Len(t, lines, 2)
	assert.Equal(t, "1", lines[0].ID)
	assert.Equal(t, "sess-2", lines[1].AcctSessionID)
	assert.Equal(t, int64(3600), lines[1].SessionTime)
	assert.True(t, lines[1].Billed)
}

func TestWriteAfterClose(t *testing.T) {
	w, err := Open(Config{Directory: t.TempDir()}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.ErrorIs(t, w.WriteTicket(context.Background(), ticket("1")), os.ErrClosed)
}

func TestReopenAppends(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	w, err := Open(Config{Directory: dir}, nil)
	require.NoError(t, err)
	require.NoError(t, w.WriteTicket(ctx, ticket("1")))
	require.NoError(t, w.Close())

	w, err = Open(Config{Directory: dir}, nil)
	require.NoError(t, err)
	assert.Positive(t, w.Stats().CurrentSize)
	require.NoError(t, w.WriteTicket(ctx, ticket("2")))
	require.NoError(t, w.Close())

	assert.Len(t, readLines(t, filepath.Join(dir, "tickets.log")), 2)
}

func TestRotateOnSize(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Directory: dir, MaxSizeBytes: 64, MaxFiles: 10}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	// each line is well over 64 bytes, so every write after the first rotates
	for i := 0; i < 3; i++ {
		require.NoError(t, w.WriteTicket(ctx, ticket(strconv.Itoa(i))))
	}
	stats := w.Stats()
	require.NoError(t, w.Close())

	assert.Equal(t, int64(3), stats.Writes)
	assert.Equal(t, int64(2), stats.Rotations)
	assert.Len(t, rotated(t, dir), 2)

	current := readLines(t, filepath.Join(dir, "tickets.log"))
	require.Len(t, current, 1)
	assert.Equal(t, "2", current[0].ID)
}

func TestRotateOnAge(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Directory: dir, MaxAge: time.Hour}, nil)
	require.NoError(t, err)

	now := time.Now()
	w.now = func() time.Time { return now }
	w.openedAt = now

	ctx := context.Background()
	require.NoError(t, w.WriteTicket(ctx, ticket("1")))
	assert.Zero(t, w.Stats().Rotations)

	now = now.Add(2 * time.Hour)
	require.NoError(t, w.WriteTicket(ctx, ticket("2")))
	assert.Equal(t, int64(1), w.Stats().Rotations)
	require.NoError(t, w.Close())
}

func TestCompressRotated(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Directory: dir, Compress: true}, nil)
	require.NoError(t, err)

	require.NoError(t, w.WriteTicket(context.Background(), ticket("1")))
	require.NoError(t, w.Rotate())
	// Close waits for the compression
	require.NoError(t, w.Close())

	files := rotated(t, dir)
	require.Len(t, files, 1)
	require.Equal(t, ".gz", filepath.Ext(files[0]))

	f, err := os.Open(files[0])
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)

	var tk session.Ticket
	require.NoError(t, json.NewDecoder(gz).Decode(&tk))
	assert.Equal(t, "1", tk.ID)
}

func TestPruneKeepsMaxFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Directory: dir, MaxFiles: 2}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, w.WriteTicket(ctx, ticket(strconv.Itoa(i))))
		require.NoError(t, w.Rotate())
	}
	require.NoError(t, w.Close())

	assert.Len(t, rotated(t, dir), 2)
	assert.Equal(t, int64(5), w.Stats().Rotations)
}

func TestOpenDefaults(t *testing.T) {
	w, err := Open(Config{Directory: filepath.Join(t.TempDir(), "nested", "dir")}, nil)
	require.NoError(t, err)
	defer w.Close()

	def := DefaultConfig()
	assert.Equal(t, def.Prefix, w.cfg.Prefix)
	assert.Equal(t, def.MaxSizeBytes, w.cfg.MaxSizeBytes)
	assert.Equal(t, def.MaxFiles, w.cfg.MaxFiles)
	assert.FileExists(t, w.Stats().CurrentFile)
}
