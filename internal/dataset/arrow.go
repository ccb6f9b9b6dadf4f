// Package dataset reads pre-tokenized classification examples from Arrow IPC
// files and turns them into padded, masked batches.
package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Column names of the example and teacher-logit files.
const (
	ColTokens        = "tokens"
	ColLabel         = "label"
	ColTeacherLogits = "teacher_logits"
)

var ErrColumnMissing = errors.New("dataset: required column missing")

// Example is one tokenized sentence. TeacherLogits is nil unless the example
// carries a distillation target.
type Example struct {
	Tokens        []int32
	Label         int
	TeacherLogits []float64
}

type Dataset struct {
	Name     string
	Examples []Example
}

func (d *Dataset) Len() int {
	return len(d.Examples)
}

// Distilled reports whether every example carries teacher logits.
func (d *Dataset) Distilled() bool {
	if len(d.Examples) == 0 {
		return false
	}
	for _, ex := range d.Examples {
		if ex.TeacherLogits == nil {
			return false
		}
	}
	return true
}

// AttachTeacherLogits pairs logits[i] with example i.
func (d *Dataset) AttachTeacherLogits(logits [][]float64) error {
	if len(logits) != len(d.Examples) {
		return fmt.Errorf("dataset: %d teacher rows for %d examples in %s", len(logits), len(d.Examples), d.Name)
	}
	for i := range d.Examples {
		d.Examples[i].TeacherLogits = logits[i]
	}
	return nil
}

// ExampleSchema is the layout of an example file. The teacher column is
// only present when withTeacher is set.
func ExampleSchema(withTeacher bool) *arrow.Schema {
	fields := []arrow.Field{
		{Name: ColTokens, Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
		{Name: ColLabel, Type: arrow.PrimitiveTypes.Int32},
	}
	if withTeacher {
		fields = append(fields, arrow.Field{Name: ColTeacherLogits, Type: arrow.ListOf(arrow.PrimitiveTypes.Float32), Nullable: true})
	}
	return arrow.NewSchema(fields, nil)
}

// TeacherSchema is the layout of a stand-alone teacher-logit file or stream.
func TeacherSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: ColTeacherLogits, Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
	}, nil)
}

// NewExampleRecord builds one record from examples. The caller releases it.
func NewExampleRecord(mem memory.Allocator, examples []Example, withTeacher bool) arrow.Record {
	b := array.NewRecordBuilder(mem, ExampleSchema(withTeacher))
	defer b.Release()

	tokens := b.Field(0).(*array.ListBuilder)
	tokenValues := tokens.ValueBuilder().(*array.Int32Builder)
	labels := b.Field(1).(*array.Int32Builder)

	for _, ex := range examples {
		tokens.Append(true)
		tokenValues.AppendValues(ex.Tokens, nil)
		labels.Append(int32(ex.Label))
	}

	if withTeacher {
		appendLogits(b.Field(2).(*array.ListBuilder), teacherRows(examples))
	}
	return b.NewRecord()
}

// NewTeacherRecord builds a record of teacher logit rows. The caller releases it.
func NewTeacherRecord(mem memory.Allocator, logits [][]float64) arrow.Record {
	b := array.NewRecordBuilder(mem, TeacherSchema())
	defer b.Release()
	appendLogits(b.Field(0).(*array.ListBuilder), logits)
	return b.NewRecord()
}

func teacherRows(examples []Example) [][]float64 {
	rows := make([][]float64, len(examples))
	for i, ex := range examples {
		rows[i] = ex.TeacherLogits
	}
	return rows
}

func appendLogits(lb *array.ListBuilder, rows [][]float64) {
	values := lb.ValueBuilder().(*array.Float32Builder)
	for _, row := range rows {
		if row == nil {
			lb.AppendNull()
			continue
		}
		lb.Append(true)
		for _, v := range row {
			values.Append(float32(v))
		}
	}
}

// DecodeExamples appends the examples in rec to dst.
func DecodeExamples(dst []Example, rec arrow.Record) ([]Example, error) {
	tokens, err := listColumn(rec, ColTokens)
	if err != nil {
		return nil, err
	}
	tokenValues, ok := tokens.ListValues().(*array.Int32)
	if !ok {
		return nil, fmt.Errorf("dataset: %s values are %s, want int32", ColTokens, tokens.ListValues().DataType())
	}

	idx := rec.Schema().FieldIndices(ColLabel)
	if len(idx) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrColumnMissing, ColLabel)
	}
	labels, ok := rec.Column(idx[0]).(*array.Int32)
	if !ok {
		return nil, fmt.Errorf("dataset: %s column is %s, want int32", ColLabel, rec.Column(idx[0]).DataType())
	}

	var teacher [][]float64
	if rec.Schema().HasField(ColTeacherLogits) {
		if teacher, err = DecodeTeacherLogits(rec); err != nil {
			return nil, err
		}
	}

	for i := 0; i < int(rec.NumRows()); i++ {
		start, end := tokens.ValueOffsets(i)
		ex := Example{
			Tokens: make([]int32, end-start),
			Label:  int(labels.Value(i)),
		}
		copy(ex.Tokens, tokenValues.Int32Values()[start:end])
		if teacher != nil {
			ex.TeacherLogits = teacher[i]
		}
		dst = append(dst, ex)
	}
	return dst, nil
}

// DecodeTeacherLogits reads the teacher_logits column of rec. Null rows
// decode as nil.
func DecodeTeacherLogits(rec arrow.Record) ([][]float64, error) {
	col, err := listColumn(rec, ColTeacherLogits)
	if err != nil {
		return nil, err
	}
	values, ok := col.ListValues().(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("dataset: %s values are %s, want float32", ColTeacherLogits, col.ListValues().DataType())
	}
	raw := values.Float32Values()

	rows := make([][]float64, col.Len())
	for i := range rows {
		if col.IsNull(i) {
			continue
		}
		start, end := col.ValueOffsets(i)
		row := make([]float64, end-start)
		for j := range row {
			row[j] = float64(raw[start+int64(j)])
		}
		rows[i] = row
	}
	return rows, nil
}

func listColumn(rec arrow.Record, name string) (*array.List, error) {
	idx := rec.Schema().FieldIndices(name)
	if len(idx) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrColumnMissing, name)
	}
	col, ok := rec.Column(idx[0]).(*array.List)
	if !ok {
		return nil, fmt.Errorf("dataset: column %s is %s, want list", name, rec.Column(idx[0]).DataType())
	}
	return col, nil
}

// ReadFile loads every record of an example file.
func ReadFile(path string) (*Dataset, error) {
	ds := &Dataset{Name: filepath.Base(path)}
	err := readRecords(path, func(rec arrow.Record) error {
		var err error
		ds.Examples, err = DecodeExamples(ds.Examples, rec)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ds, nil
}

// ReadTeacherFile loads the teacher_logits column of a stand-alone file.
func ReadTeacherFile(path string) ([][]float64, error) {
	var rows [][]float64
	err := readRecords(path, func(rec arrow.Record) error {
		part, err := DecodeTeacherLogits(rec)
		rows = append(rows, part...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func readRecords(path string, fn func(arrow.Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("dataset: open %s: %w", path, err)
	}
	defer f.Close()

	fr, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return fmt.Errorf("dataset: read %s: %w", path, err)
	}
	defer fr.Close()

	for i := 0; i < fr.NumRecords(); i++ {
		rec, err := fr.Record(i)
		if err != nil {
			return fmt.Errorf("dataset: %s record %d: %w", path, i, err)
		}
		if err := fn(rec); err != nil {
			return fmt.Errorf("dataset: %s record %d: %w", path, i, err)
		}
	}
	return nil
}

// WriteFile stores ds as an example file. Teacher logits are written when
// any example carries them.
func WriteFile(path string, ds *Dataset) error {
	withTeacher := false
	for _, ex := range ds.Examples {
		if ex.TeacherLogits != nil {
			withTeacher = true
			break
		}
	}
	mem := memory.NewGoAllocator()
	rec := NewExampleRecord(mem, ds.Examples, withTeacher)
	defer rec.Release()
	return writeRecord(path, rec, mem)
}

// WriteTeacherFile stores logits as a stand-alone teacher file.
func WriteTeacherFile(path string, logits [][]float64) error {
	mem := memory.NewGoAllocator()
	rec := NewTeacherRecord(mem, logits)
	defer rec.Release()
	return writeRecord(path, rec, mem)
}

func writeRecord(path string, rec arrow.Record, mem memory.Allocator) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("dataset: create dir for %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("dataset: create %s: %w", path, err)
	}
	defer f.Close()

	w, err := ipc.NewFileWriter(f, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err != nil {
		return fmt.Errorf("dataset: open writer for %s: %w", path, err)
	}
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("dataset: write %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("dataset: close writer for %s: %w", path, err)
	}
	return f.Close()
}
