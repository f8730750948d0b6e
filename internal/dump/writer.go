// Package dump writes scanned elements to parquet files
package dump

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	"github.com/wegman-software/osmindex/internal/element"
)

// Schema is the column layout of every dump file. lat and lon are null for
// ways and relations; refs is null for nodes.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
	{Name: "kind", Type: arrow.BinaryTypes.String, Nullable: false},
	{Name: "tags", Type: arrow.BinaryTypes.String, Nullable: false},
	{Name: "lat", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "lon", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "refs", Type: arrow.BinaryTypes.String, Nullable: true},
}, nil)

// TagsToJSON converts tags to a JSON object string
func TagsToJSON(tags element.Tags) string {
	if len(tags) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(tags)
	return string(b)
}

type memberJSON struct {
	Type string `json:"type"`
	Ref  int64  `json:"ref"`
	Role string `json:"role,omitempty"`
}

// RefsToJSON returns the node ids of a way or the members of a relation as
// a JSON array, and false for nodes
func RefsToJSON(e element.Element) (string, bool) {
	var v any
	switch e := e.(type) {
	case *element.Way:
		v = e.NodeIDs
	case *element.Relation:
		members := make([]memberJSON, len(e.Members))
		for i, m := range e.Members {
			members[i] = memberJSON{Type: m.Kind.Short(), Ref: m.ID, Role: m.Role}
		}
		v = members
	default:
		return "", false
	}
	b, _ := json.Marshal(v)
	return string(b), true
}

// ElementWriter writes elements of any kind to one parquet file
type ElementWriter struct {
	file      *os.File
	writer    *pqarrow.FileWriter
	builder   *array.RecordBuilder
	batchSize int
	count     int
	rows      int64
}

// NewElementWriter creates a new element parquet writer
func NewElementWriter(path string, batchSize int) (*ElementWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Zstd),
		parquet.WithDictionaryDefault(false),
	)

	writer, err := pqarrow.NewFileWriter(Schema, f, writerProps, pqarrow.DefaultWriterProps())
	if err != nil {
		f.Close()
		return nil, err
	}

	builder := array.NewRecordBuilder(memory.DefaultAllocator, Schema)

	return &ElementWriter{
		file:      f,
		writer:    writer,
		builder:   builder,
		batchSize: batchSize,
	}, nil
}

// Write writes one element
func (w *ElementWriter) Write(e element.Element) error {
	w.builder.Field(0).(*array.Int64Builder).Append(e.ElementID())
	w.builder.Field(1).(*array.StringBuilder).Append(e.Kind().String())
	w.builder.Field(2).(*array.StringBuilder).Append(TagsToJSON(e.ElementTags()))

	lat := w.builder.Field(3).(*array.Float64Builder)
	lon := w.builder.Field(4).(*array.Float64Builder)
	if n, ok := e.(*element.Node); ok {
		lat.Append(n.Lat)
		lon.Append(n.Lon)
	} else {
		lat.AppendNull()
		lon.AppendNull()
	}

	refs := w.builder.Field(5).(*array.StringBuilder)
	if s, ok := RefsToJSON(e); ok {
		refs.Append(s)
	} else {
		refs.AppendNull()
	}

	w.count++
	w.rows++
	if w.count >= w.batchSize {
		return w.flush()
	}
	return nil
}

// Rows returns the number of elements written
func (w *ElementWriter) Rows() int64 {
	return w.rows
}

func (w *ElementWriter) flush() error {
	if w.count == 0 {
		return nil
	}
	rec := w.builder.NewRecord()
	defer rec.Release()
	err := w.writer.Write(rec)
	w.count = 0
	return err
}

// Close closes the writer
func (w *ElementWriter) Close() error {
	if err := w.flush(); err != nil {
		return err
	}
	w.builder.Release()
	if err := w.writer.Close(); err != nil {
		return err
	}
	// the parquet writer may already have closed the file
	if err := w.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}
