package dataset

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDataset() *Dataset {
	return &Dataset{
		Name: "sample",
		Examples: []Example{
			{Tokens: []int32{5, 6, 7}, Label: 1},
			{Tokens: []int32{8}, Label: 0},
			{Tokens: []int32{9, 10}, Label: 2},
			{Tokens: []int32{}, Label: 1},
			{Tokens: []int32{11, 12, 13, 14}, Label: 0},
		},
	}
}

func testCollator() Collator {
	return Collator{ClsID: 101, PadID: 0, NumClasses: 3}
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.arrow")
	ds := sampleDataset()
	require.NoError(t, WriteFile(path, ds))

	got, err := ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, ds.Len(), got.Len())
	for i := range ds.Examples {
		assert.Equal(t, ds.Examples[i].Tokens, got.Examples[i].Tokens, "example %d", i)
		assert.Equal(t, ds.Examples[i].Label, got.Examples[i].Label)
		assert.Nil(t, got.Examples[i].TeacherLogits)
	}
	assert.False(t, got.Distilled())
	assert.Equal(t, "train.arrow", got.Name)
}

func TestTeacherLogitsInline(t *testing.T) {
	ds := sampleDataset()
	for i := range ds.Examples {
		ds.Examples[i].TeacherLogits = []float64{float64(i), 0.5, -1}
	}
	path := filepath.Join(t.TempDir(), "distilled.arrow")
	require.NoError(t, WriteFile(path, ds))

	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.True(t, got.Distilled())
	assert.Equal(t, []float64{3, 0.5, -1}, got.Examples[3].TeacherLogits)
}

func TestTeacherFileAttach(t *testing.T) {
	dir := t.TempDir()
	logits := [][]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}, {0.25, 0.5, 0.25}, {2, 2, 2}}
	require.NoError(t, WriteTeacherFile(filepath.Join(dir, "teacher.arrow"), logits))

	rows, err := ReadTeacherFile(filepath.Join(dir, "teacher.arrow"))
	require.NoError(t, err)
	assert.Equal(t, logits, rows)

	ds := sampleDataset()
	require.NoError(t, ds.AttachTeacherLogits(rows))
	assert.True(t, ds.Distilled())

	assert.Error(t, ds.AttachTeacherLogits(rows[:2]))
}

func TestReadFileMissingColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "teacher.arrow")
	require.NoError(t, WriteTeacherFile(path, [][]float64{{1, 2}}))

	_, err := ReadFile(path)
	assert.ErrorIs(t, err, ErrColumnMissing)
}

func TestReadFileNotFound(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "absent.arrow"))
	assert.Error(t, err)
}

func TestCollatePadsAndMasks(t *testing.T) {
	ds := sampleDataset()
	b, err := testCollator().Collate(ds.Examples[:3])
	require.NoError(t, err)

	assert.Equal(t, 3, b.Size)
	assert.Equal(t, 4, b.SeqLen)
	assert.Equal(t, []int32{101, 5, 6, 7}, b.InputIDs[0])
	assert.Equal(t, []int32{101, 8, 0, 0}, b.InputIDs[1])
	assert.Equal(t, []bool{true, true, false, false}, b.Mask[1])
	assert.Equal(t, []int{1, 0, 2}, b.Labels)
	assert.Nil(t, b.Teacher)
	assert.False(t, b.Distilled())
}

func TestCollateMasksPadTokenInsideSequence(t *testing.T) {
	b, err := testCollator().Collate([]Example{{Tokens: []int32{4, 0, 4}, Label: 0}})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true, false, true}, b.Mask[0])
}

func TestCollateTruncates(t *testing.T) {
	c := testCollator()
	c.MaxSeqLen = 3
	b, err := c.Collate([]Example{{Tokens: []int32{1, 2, 3, 4, 5}, Label: 0}})
	require.NoError(t, err)
	assert.Equal(t, []int32{101, 1, 2}, b.InputIDs[0])
}

func TestCollateTeacher(t *testing.T) {
	examples := []Example{
		{Tokens: []int32{1}, Label: 0, TeacherLogits: []float64{1, 2, 3}},
		{Tokens: []int32{2}, Label: 1, TeacherLogits: []float64{4, 5, 6}},
	}
	b, err := testCollator().Collate(examples)
	require.NoError(t, err)
	require.NotNil(t, b.Teacher)
	r, c := b.Teacher.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 3, c)
	assert.Equal(t, 6.0, b.Teacher.At(1, 2))
}

func TestCollateErrors(t *testing.T) {
	c := testCollator()

	_, err := c.Collate(nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)

	_, err = c.Collate([]Example{{Tokens: []int32{1}, Label: 3}})
	assert.ErrorIs(t, err, ErrLabelOutOfRange)

	_, err = c.Collate([]Example{
		{Tokens: []int32{1}, Label: 0, TeacherLogits: []float64{1, 2, 3}},
		{Tokens: []int32{1}, Label: 0},
	})
	assert.ErrorIs(t, err, ErrTeacherMismatch)

	_, err = c.Collate([]Example{{Tokens: []int32{1}, Label: 0, TeacherLogits: []float64{1, 2}}})
	assert.ErrorIs(t, err, ErrTeacherMismatch)
}

func TestCollateRejectsNonFiniteTeacher(t *testing.T) {
	c := testCollator()
	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := c.Collate([]Example{
			{Tokens: []int32{1}, Label: 0, TeacherLogits: []float64{1, 2, 3}},
			{Tokens: []int32{2}, Label: 1, TeacherLogits: []float64{0, bad, 0}},
		})
		assert.ErrorIs(t, err, ErrNonFinite, "value %v", bad)
		assert.Contains(t, err.Error(), "example 1")
	}
}

func TestLoaderInOrder(t *testing.T) {
	l, err := NewLoader(sampleDataset(), 2, testCollator())
	require.NoError(t, err)
	assert.Equal(t, 3, l.Steps())

	var sizes []int
	var labels []int
	for l.Next() {
		sizes = append(sizes, l.Batch().Size)
		labels = append(labels, l.Batch().Labels...)
	}
	require.NoError(t, l.Err())
	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.Equal(t, []int{1, 0, 2, 1, 0}, labels)

	l.Reset()
	assert.True(t, l.Next())
}

func TestShuffledLoaderIsSeeded(t *testing.T) {
	collect := func(seed int64) [][]int32 {
		l, err := NewShuffledLoader(sampleDataset(), 5, testCollator(), seed)
		require.NoError(t, err)
		var epochs [][]int32
		for epoch := 0; epoch < 3; epoch++ {
			l.Reset()
			require.True(t, l.Next())
			var firsts []int32
			for _, row := range l.Batch().InputIDs {
				firsts = append(firsts, row[1])
			}
			epochs = append(epochs, firsts)
		}
		return epochs
	}

	a := collect(42)
	b := collect(42)
	assert.Equal(t, a, b)

	for _, epoch := range a {
		assert.Len(t, epoch, 5)
	}
}

func TestLoaderStopsOnCollateError(t *testing.T) {
	ds := &Dataset{Examples: []Example{{Tokens: []int32{1}, Label: 9}}}
	l, err := NewLoader(ds, 1, testCollator())
	require.NoError(t, err)
	assert.False(t, l.Next())
	assert.ErrorIs(t, l.Err(), ErrLabelOutOfRange)
	assert.False(t, l.Next())
}

func TestNewLoaderRejectsBatchSize(t *testing.T) {
	_, err := NewLoader(sampleDataset(), 0, testCollator())
	assert.Error(t, err)
}
