package embedding

import (
	"bufio"
	"context"
	stdcsv "encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/csv"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet/file"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
	"github.com/dustin/go-humanize"
)

// LoadOptions names the columns to read.
type LoadOptions struct {
	IDColumn string
	XColumn  string
	YColumn  string
}

func (o LoadOptions) withDefaults() LoadOptions {
	if o.IDColumn == "" {
		o.IDColumn = "CellID"
	}
	return o
}

// candidates returns the coordinate column pairs to try, in order.
func (o LoadOptions) candidates() [][2]string {
	var out [][2]string
	if o.XColumn != "" && o.YColumn != "" {
		out = append(out, [2]string{o.XColumn, o.YColumn})
	}
	return append(out, FallbackColumns...)
}

// Load reads an embedding table. The format follows the file extension:
// .parquet/.pq, .arrow/.feather/.ipc, .tsv, and CSV otherwise.
func Load(ctx context.Context, path string, opts LoadOptions) (*Table, error) {
	opts = opts.withDefaults()
	mem := memory.NewGoAllocator()

	var (
		tbl arrow.Table
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet", ".pq":
		tbl, err = readParquet(ctx, path, mem)
	case ".arrow", ".feather", ".ipc":
		tbl, err = readIPC(path, mem)
	case ".tsv":
		tbl, err = readCSV(path, '\t', opts, mem)
	default:
		tbl, err = readCSV(path, ',', opts, mem)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read embedding %s: %w", path, err)
	}
	defer tbl.Release()

	t, err := fromArrowTable(tbl, opts)
	if err != nil {
		return nil, fmt.Errorf("embedding %s: %w", path, err)
	}
	log.Printf("[Embedding] Loaded %s cells from %s (columns %s/%s)",
		humanize.Comma(int64(t.Len())), filepath.Base(path), t.XColumn, t.YColumn)
	return t, nil
}

func readParquet(ctx context.Context, path string, mem memory.Allocator) (arrow.Table, error) {
	rdr, err := file.OpenParquetFile(path, false)
	if err != nil {
		return nil, err
	}
	defer rdr.Close()

	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{Parallel: true, BatchSize: 64 * 1024}, mem)
	if err != nil {
		return nil, err
	}
	return fr.ReadTable(ctx)
}

func readIPC(path string, mem memory.Allocator) (arrow.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(mem))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	recs := make([]arrow.Record, 0, r.NumRecords())
	defer func() {
		for _, rec := range recs {
			rec.Release()
		}
	}()
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, err
		}
		rec.Retain()
		recs = append(recs, rec)
	}
	return array.NewTableFromRecords(r.Schema(), recs), nil
}

// readCSV reads only the ID and coordinate columns present in the header, so
// unrelated columns never take part in type inference.
func readCSV(path string, comma rune, opts LoadOptions, mem memory.Allocator) (arrow.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	headerLine, err := br.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	hr := stdcsv.NewReader(strings.NewReader(headerLine))
	hr.Comma = comma
	header, err := hr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	present := make(map[string]bool, len(header))
	for _, h := range header {
		present[h] = true
	}
	types := map[string]arrow.DataType{}
	var include []string
	if present[opts.IDColumn] {
		include = append(include, opts.IDColumn)
		types[opts.IDColumn] = arrow.PrimitiveTypes.Int64
	}
	for _, pair := range opts.candidates() {
		for _, name := range pair {
			if present[name] && types[name] == nil {
				include = append(include, name)
				types[name] = arrow.PrimitiveTypes.Float64
			}
		}
	}
	if len(include) == 0 {
		return nil, fmt.Errorf("%w: none of the ID or coordinate columns appear in the header", ErrColumnNotFound)
	}

	r := csv.NewInferringReader(io.MultiReader(strings.NewReader(headerLine), br),
		csv.WithAllocator(mem),
		csv.WithComma(comma),
		csv.WithHeader(true),
		csv.WithChunk(64*1024),
		csv.WithIncludeColumns(include),
		csv.WithColumnTypes(types),
		csv.WithNullReader(true, "", "NA"),
	)
	defer r.Release()

	var recs []arrow.Record
	defer func() {
		for _, rec := range recs {
			rec.Release()
		}
	}()
	for r.Next() {
		rec := r.Record()
		rec.Retain()
		recs = append(recs, rec)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	if r.Schema() == nil {
		return nil, fmt.Errorf("empty csv")
	}
	return array.NewTableFromRecords(r.Schema(), recs), nil
}

func fromArrowTable(tbl arrow.Table, opts LoadOptions) (*Table, error) {
	schema := tbl.Schema()
	column := func(name string) *arrow.Column {
		idx := schema.FieldIndices(name)
		if len(idx) == 0 {
			return nil
		}
		return tbl.Column(idx[0])
	}

	idCol := column(opts.IDColumn)
	if idCol == nil {
		return nil, fmt.Errorf("%w: %s", ErrColumnNotFound, opts.IDColumn)
	}

	var xCol, yCol *arrow.Column
	var pair [2]string
	for _, cand := range opts.candidates() {
		if x, y := column(cand[0]), column(cand[1]); x != nil && y != nil {
			xCol, yCol, pair = x, y, cand
			break
		}
	}
	if xCol == nil {
		return nil, fmt.Errorf("%w: tried %v", ErrColumnNotFound, opts.candidates())
	}

	ids, err := int64Values(idCol)
	if err != nil {
		return nil, err
	}
	xs, err := float64Values(xCol)
	if err != nil {
		return nil, err
	}
	ys, err := float64Values(yCol)
	if err != nil {
		return nil, err
	}

	rows := make([]Row, len(ids))
	for i := range ids {
		rows[i] = Row{CellID: ids[i], X: xs[i], Y: ys[i]}
	}
	t, err := FromRows(rows)
	if err != nil {
		return nil, err
	}
	t.IDColumn = opts.IDColumn
	t.XColumn, t.YColumn = pair[0], pair[1]
	return t, nil
}

func float64Values(col *arrow.Column) ([]float64, error) {
	out := make([]float64, 0, col.Len())
	for _, chunk := range col.Data().Chunks() {
		for i := 0; i < chunk.Len(); i++ {
			if chunk.IsNull(i) {
				return nil, fmt.Errorf("column %s: null at row %d", col.Name(), len(out))
			}
			var v float64
			switch a := chunk.(type) {
			case *array.Float64:
				v = a.Value(i)
			case *array.Float32:
				v = float64(a.Value(i))
			case *array.Int64:
				v = float64(a.Value(i))
			case *array.Int32:
				v = float64(a.Value(i))
			case *array.Int16:
				v = float64(a.Value(i))
			case *array.Uint64:
				v = float64(a.Value(i))
			case *array.Uint32:
				v = float64(a.Value(i))
			case *array.Uint16:
				v = float64(a.Value(i))
			default:
				return nil, fmt.Errorf("column %s: unsupported type %s", col.Name(), chunk.DataType())
			}
			out = append(out, v)
		}
	}
	return out, nil
}

func int64Values(col *arrow.Column) ([]int64, error) {
	out := make([]int64, 0, col.Len())
	for _, chunk := range col.Data().Chunks() {
		for i := 0; i < chunk.Len(); i++ {
			if chunk.IsNull(i) {
				return nil, fmt.Errorf("column %s: null at row %d", col.Name(), len(out))
			}
			var v int64
			switch a := chunk.(type) {
			case *array.Int64:
				v = a.Value(i)
			case *array.Int32:
				v = int64(a.Value(i))
			case *array.Int16:
				v = int64(a.Value(i))
			case *array.Uint64:
				v = int64(a.Value(i))
			case *array.Uint32:
				v = int64(a.Value(i))
			case *array.Uint16:
				v = int64(a.Value(i))
			case *array.Float64:
				f := a.Value(i)
				if f != math.Trunc(f) {
					return nil, fmt.Errorf("column %s: non-integer id %v at row %d", col.Name(), f, len(out))
				}
				v = int64(f)
			default:
				return nil, fmt.Errorf("column %s: unsupported id type %s", col.Name(), chunk.DataType())
			}
			out = append(out, v)
		}
	}
	return out, nil
}

// WriteCSV writes the table as CSV with the ID and coordinate column names it
// was loaded with.
func (t *Table) WriteCSV(w io.Writer) error {
	mem := memory.NewGoAllocator()
	idName := t.IDColumn
	if idName == "" {
		idName = "CellID"
	}
	schema := arrow.NewSchema([]arrow.Field{
		{Name: idName, Type: arrow.PrimitiveTypes.Int64},
		{Name: t.XColumn, Type: arrow.PrimitiveTypes.Float64},
		{Name: t.YColumn, Type: arrow.PrimitiveTypes.Float64},
	}, nil)

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	b.Field(0).(*array.Int64Builder).AppendValues(t.ids, nil)
	b.Field(1).(*array.Float64Builder).AppendValues(t.xs, nil)
	b.Field(2).(*array.Float64Builder).AppendValues(t.ys, nil)
	rec := b.NewRecord()
	defer rec.Release()

	cw := csv.NewWriter(w, schema, csv.WithHeader(true))
	if err := cw.Write(rec); err != nil {
		return err
	}
	if err := cw.Flush(); err != nil {
		return err
	}
	return cw.Error()
}

// WriteCSVFile writes the table to path.
func (t *Table) WriteCSVFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := t.WriteCSV(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
