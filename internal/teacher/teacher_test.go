package teacher

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-distill/internal/config"
	"github.com/23skdu/longbow-distill/internal/dataset"
)

func startServer(t *testing.T, ticket string, rows [][]float64) string {
	t.Helper()
	srv := NewServer()
	// two records so the client has to stitch the stream back together
	srv.ChunkRows = (len(rows) + 1) / 2
	srv.Publish(ticket, rows)

	s, err := srv.Listen("localhost:0")
	require.NoError(t, err)
	go s.Serve()
	t.Cleanup(s.Shutdown)
	return s.Addr().String()
}

var rows = [][]float64{{1, 0}, {0, 1}, {0.5, 0.5}, {-1, 2}, {3, -3}}

func TestFlightSourceLogits(t *testing.T) {
	addr := startServer(t, "run-1", rows)

	src := NewFlightSource(addr, "run-1")
	defer src.Close()

	got, err := src.Logits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rows, got)
}

func TestFlightSourceUnknownTicket(t *testing.T) {
	addr := startServer(t, "run-1", rows)

	src := NewFlightSource(addr, "other")
	defer src.Close()

	_, err := src.Logits(context.Background())
	assert.Error(t, err)
}

func TestFlightSourceDefaultTicket(t *testing.T) {
	addr := startServer(t, DefaultTicket, rows)

	src := NewFlightSource(addr, "")
	defer src.Close()

	ds := &dataset.Dataset{Name: "train", Examples: make([]dataset.Example, len(rows))}
	require.NoError(t, Attach(context.Background(), src, ds, 2))
	assert.True(t, ds.Distilled())
	assert.Equal(t, []float64{-1, 2}, ds.Examples[3].TeacherLogits)
}

func TestFileSourceAttach(t *testing.T) {
	path := filepath.Join(t.TempDir(), "teacher.arrow")
	require.NoError(t, dataset.WriteTeacherFile(path, rows))

	ds := &dataset.Dataset{Name: "train", Examples: make([]dataset.Example, len(rows))}
	require.NoError(t, Attach(context.Background(), &FileSource{Path: path}, ds, 2))
	assert.Equal(t, rows[4], ds.Examples[4].TeacherLogits)

	err := Attach(context.Background(), &FileSource{Path: path}, ds, 3)
	assert.Error(t, err)

	short := &dataset.Dataset{Examples: make([]dataset.Example, 2)}
	assert.Error(t, Attach(context.Background(), &FileSource{Path: path}, short, 2))
}

type staticSource [][]float64

func (s staticSource) Logits(context.Context) ([][]float64, error) {
	return s, nil
}

func (s staticSource) Close() error {
	return nil
}

func TestAttachRejectsNonFiniteRows(t *testing.T) {
	for _, bad := range []float64{math.NaN(), math.Inf(1)} {
		src := staticSource{{1, 0}, {bad, 0}, {0, 1}}
		ds := &dataset.Dataset{Name: "train", Examples: make([]dataset.Example, len(src))}

		err := Attach(context.Background(), src, ds, 2)
		assert.ErrorIs(t, err, dataset.ErrNonFinite)
		assert.Contains(t, err.Error(), "teacher row 1")
		assert.False(t, ds.Distilled())
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.TeacherFlightAddr = ""
	cfg.DistilledDataPath = "teacher.arrow"
	assert.IsType(t, &FileSource{}, FromConfig(&cfg))

	cfg.TeacherFlightAddr = "localhost:1"
	assert.IsType(t, &FlightSource{}, FromConfig(&cfg))

	cfg.TeacherFlightAddr = ""
	cfg.DistilledDataPath = ""
	assert.Nil(t, FromConfig(&cfg))
}
