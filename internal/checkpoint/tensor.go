package checkpoint

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Tensor is one named, row-major weight matrix.
type Tensor struct {
	Name string
	Rows int
	Cols int
	Data []float64
}

// Metadata keys stamped on every weight file.
const (
	MetaModel    = "model"
	MetaEpoch    = "epoch"
	MetaAccuracy = "accuracy"
)

func tensorSchema(meta map[string]string) *arrow.Schema {
	md := arrow.MetadataFrom(meta)
	return arrow.NewSchema([]arrow.Field{
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "rows", Type: arrow.PrimitiveTypes.Int32},
		{Name: "cols", Type: arrow.PrimitiveTypes.Int32},
		{Name: "data", Type: arrow.ListOf(arrow.PrimitiveTypes.Float64)},
	}, &md)
}

// Encode writes tensors as a single-record Arrow IPC file, one row per tensor.
func Encode(w io.Writer, tensors []Tensor, meta map[string]string) error {
	mem := memory.NewGoAllocator()
	schema := tensorSchema(meta)

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	names := b.Field(0).(*array.StringBuilder)
	rows := b.Field(1).(*array.Int32Builder)
	cols := b.Field(2).(*array.Int32Builder)
	data := b.Field(3).(*array.ListBuilder)
	values := data.ValueBuilder().(*array.Float64Builder)

	for _, t := range tensors {
		if len(t.Data) != t.Rows*t.Cols {
			return fmt.Errorf("checkpoint: tensor %s has %d values for %dx%d", t.Name, len(t.Data), t.Rows, t.Cols)
		}
		names.Append(t.Name)
		rows.Append(int32(t.Rows))
		cols.Append(int32(t.Cols))
		data.Append(true)
		values.AppendValues(t.Data, nil)
	}

	rec := b.NewRecord()
	defer rec.Release()

	fw, err := ipc.NewFileWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err != nil {
		return fmt.Errorf("checkpoint: open ipc writer: %w", err)
	}
	if err := fw.Write(rec); err != nil {
		fw.Close()
		return fmt.Errorf("checkpoint: write record: %w", err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("checkpoint: close ipc writer: %w", err)
	}
	return nil
}

// Decode reads tensors and schema metadata written by Encode.
func Decode(r ipc.ReadAtSeeker) ([]Tensor, map[string]string, error) {
	mem := memory.NewGoAllocator()
	fr, err := ipc.NewFileReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, nil, fmt.Errorf("checkpoint: open ipc reader: %w", err)
	}
	defer fr.Close()

	meta := make(map[string]string)
	md := fr.Schema().Metadata()
	for i, k := range md.Keys() {
		meta[k] = md.Values()[i]
	}

	var tensors []Tensor
	for i := 0; i < fr.NumRecords(); i++ {
		rec, err := fr.Record(i)
		if err != nil {
			return nil, nil, fmt.Errorf("checkpoint: read record %d: %w", i, err)
		}
		names, ok1 := rec.Column(0).(*array.String)
		rows, ok2 := rec.Column(1).(*array.Int32)
		cols, ok3 := rec.Column(2).(*array.Int32)
		data, ok4 := rec.Column(3).(*array.List)
		if !(ok1 && ok2 && ok3 && ok4) {
			return nil, nil, fmt.Errorf("checkpoint: unexpected column layout %s", rec.Schema())
		}
		values, ok := data.ListValues().(*array.Float64)
		if !ok {
			return nil, nil, fmt.Errorf("checkpoint: tensor values are %s, want float64", data.ListValues().DataType())
		}

		for j := 0; j < int(rec.NumRows()); j++ {
			start, end := data.ValueOffsets(j)
			t := Tensor{
				Name: names.Value(j),
				Rows: int(rows.Value(j)),
				Cols: int(cols.Value(j)),
				Data: make([]float64, end-start),
			}
			copy(t.Data, values.Float64Values()[start:end])
			if len(t.Data) != t.Rows*t.Cols {
				return nil, nil, fmt.Errorf("checkpoint: tensor %s has %d values for %dx%d", t.Name, len(t.Data), t.Rows, t.Cols)
			}
			tensors = append(tensors, t)
		}
	}
	return tensors, meta, nil
}

// WriteFile encodes tensors to path, replacing any existing file atomically.
func WriteFile(path string, tensors []Tensor, meta map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("checkpoint: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("checkpoint: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Encode(tmp, tensors, meta); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("checkpoint: rename into %s: %w", path, err)
	}
	return nil
}

func ReadFile(path string) ([]Tensor, map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	defer f.Close()
	return Decode(f)
}
