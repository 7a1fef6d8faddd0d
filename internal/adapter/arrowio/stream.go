// Package arrowio encodes sampled point clouds as Arrow IPC streams.
package arrowio

import (
	"fmt"
	"io"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"go.ngs.io/gridview-api/internal/domain"
)

// ContentType is the media type of an Arrow IPC stream.
const ContentType = "application/vnd.apache.arrow.stream"

// Schema metadata keys.
const (
	MetaVariable    = "variable"
	MetaUnits       = "units"
	MetaMin         = "min"
	MetaMax         = "max"
	MetaMean        = "mean"
	MetaCount       = "count"
	MetaTotalPoints = "totalPoints"
	MetaSampleRate  = "sampleRate"
)

// Header describes the variable a stream was sampled from.
type Header struct {
	Variable string
	Units    string
}

// Schema returns the stream schema: float64 lat, lon and value columns, with
// the statistics carried as schema metadata.
func Schema(h Header, stats domain.Statistics) *arrow.Schema {
	md := arrow.NewMetadata(
		[]string{MetaVariable, MetaUnits, MetaMin, MetaMax, MetaMean, MetaCount, MetaTotalPoints, MetaSampleRate},
		[]string{
			h.Variable,
			h.Units,
			formatFloat(stats.Min),
			formatFloat(stats.Max),
			formatFloat(stats.Mean),
			strconv.Itoa(stats.Count),
			strconv.Itoa(stats.TotalPoints),
			strconv.Itoa(stats.SampleRate),
		},
	)
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "lat", Type: arrow.PrimitiveTypes.Float64},
			{Name: "lon", Type: arrow.PrimitiveTypes.Float64},
			{Name: "value", Type: arrow.PrimitiveTypes.Float64},
		},
		&md,
	)
}

// WriteStream writes points as a single record batch.
func WriteStream(w io.Writer, h Header, points []domain.SampledPoint, stats domain.Statistics) error {
	pool := memory.NewGoAllocator()
	schema := Schema(h, stats)

	latBuilder := array.NewFloat64Builder(pool)
	lonBuilder := array.NewFloat64Builder(pool)
	valueBuilder := array.NewFloat64Builder(pool)
	defer latBuilder.Release()
	defer lonBuilder.Release()
	defer valueBuilder.Release()

	latBuilder.Reserve(len(points))
	lonBuilder.Reserve(len(points))
	valueBuilder.Reserve(len(points))
	for _, p := range points {
		latBuilder.Append(p.Lat)
		lonBuilder.Append(p.Lon)
		valueBuilder.Append(p.Value)
	}

	latArr := latBuilder.NewArray()
	lonArr := lonBuilder.NewArray()
	valueArr := valueBuilder.NewArray()
	defer latArr.Release()
	defer lonArr.Release()
	defer valueArr.Release()

	rec := array.NewRecordBatch(schema, []arrow.Array{latArr, lonArr, valueArr}, int64(len(points)))
	defer rec.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(pool))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to write arrow record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close arrow stream: %w", err)
	}
	return nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
