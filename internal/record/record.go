// Package record defines the data model shared by every layer of the
// storage-group engine: samples, per-measurement schema, and the insert
// plans the storage-group processor routes.
package record

import (
	"errors"
	"fmt"
)

// DataType identifies the wire/value type of a measurement's samples.
type DataType uint8

const (
	Int32 DataType = iota
	Int64
	Float
	Double
	Bool
	Text
)

func (t DataType) String() string {
	switch t {
	case Int32:
		return "INT32"
	case Int64:
		return "INT64"
	case Float:
		return "FLOAT"
	case Double:
		return "DOUBLE"
	case Bool:
		return "BOOLEAN"
	case Text:
		return "TEXT"
	default:
		return fmt.Sprintf("DataType(%d)", uint8(t))
	}
}

// Encoding identifies how a column of samples is encoded within a page.
// The schema/metadata manager (an external collaborator) assigns this per
// measurement; this module only honors what it's told.
type Encoding uint8

const (
	Plain Encoding = iota
	RLE
	TS2Diff
	Dictionary
)

// Compression identifies the page/chunk-level compressor.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
)

// Schema is what the external schema/metadata manager returns for a path:
// a lookup oracle, never inferred or persisted by this module beyond the
// self-describing fields embedded in a chunk header.
type Schema struct {
	Measurement string
	DataType    DataType
	Encoding    Encoding
	Compression Compression
}

var (
	ErrTypeMismatch = errors.New("record: value kind does not match schema data type")
)

// Value is a tagged union over the six supported sample value kinds.
// Exactly one of the typed fields is meaningful, selected by Kind.
type Value struct {
	Kind   DataType
	I64    int64   // Int32 (sign-extended) and Int64
	F64    float64 // Float (narrowed on read) and Double
	Bool   bool
	Text   []byte
}

func Int32Value(v int32) Value  { return Value{Kind: Int32, I64: int64(v)} }
func Int64Value(v int64) Value  { return Value{Kind: Int64, I64: v} }
func FloatValue(v float32) Value { return Value{Kind: Float, F64: float64(v)} }
func DoubleValue(v float64) Value { return Value{Kind: Double, F64: v} }
func BoolValue(v bool) Value    { return Value{Kind: Bool, Bool: v} }
func TextValue(v []byte) Value  { return Value{Kind: Text, Text: v} }

// Validate checks the value's kind against the schema's declared data type.
func (v Value) Validate(schema Schema) error {
	if v.Kind != schema.DataType {
		return fmt.Errorf("%w: measurement %q wants %s, got %s",
			ErrTypeMismatch, schema.Measurement, schema.DataType, v.Kind)
	}
	return nil
}

// Sample is a single (timestamp, value) pair for one measurement.
type Sample struct {
	Timestamp int64
	Value     Value
}

// Point is one measurement's sample within a single-row insert.
type Point struct {
	Measurement string
	Schema      Schema
	Value       Value
}

// InsertPlan is a single-row insert: one device, one timestamp, many
// measurements. This is the unit the storage-group processor's insert
// operation (spec §4.5) consumes.
type InsertPlan struct {
	Device    string
	Timestamp int64
	Points    []Point
}

// TabletColumn is one measurement's column within a multi-row tablet
// insert: parallel to TabletPlan.Timestamps.
type TabletColumn struct {
	Measurement string
	Schema      Schema
	Values      []Value // len == len(TabletPlan.Timestamps)
}

// TabletPlan is a multi-row insert for one device (spec §4.5 insertTablet):
// a column-oriented batch of samples sharing one timestamp column.
type TabletPlan struct {
	Device     string
	Timestamps []int64
	Columns    []TabletColumn
}

// RowCount returns the number of rows (timestamps) in the tablet.
func (p TabletPlan) RowCount() int { return len(p.Timestamps) }

// RowResult is the per-row outcome of an insertTablet call.
type RowResult struct {
	Row int
	Err error
}
