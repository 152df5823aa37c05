package record

import (
	"errors"
	"testing"
)

func TestValueConstructorsSetKind(t *testing.T) {
	cases := []struct {
		name string
		v    Value
		kind DataType
	}{
		{"int32", Int32Value(7), Int32},
		{"int64", Int64Value(7), Int64},
		{"float", FloatValue(1.5), Float},
		{"double", DoubleValue(1.5), Double},
		{"bool", BoolValue(true), Bool},
		{"text", TextValue([]byte("x")), Text},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if c.v.Kind != c.kind {
				t.Errorf("Kind = %v, want %v", c.v.Kind, c.kind)
			}
		})
	}
}

func TestValueValidateMismatch(t *testing.T) {
	schema := Schema{Measurement: "temp", DataType: Double}
	v := Int64Value(3)
	err := v.Validate(schema)
	if !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("Validate() = %v, want ErrTypeMismatch", err)
	}
}

func TestValueValidateMatch(t *testing.T) {
	schema := Schema{Measurement: "temp", DataType: Double}
	v := DoubleValue(98.6)
	if err := v.Validate(schema); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestTabletPlanRowCount(t *testing.T) {
	p := TabletPlan{Timestamps: []int64{1, 2, 3}}
	if got := p.RowCount(); got != 3 {
		t.Errorf("RowCount() = %d, want 3", got)
	}
}

func TestDataTypeString(t *testing.T) {
	if got := Int32.String(); got != "INT32" {
		t.Errorf("Int32.String() = %q, want INT32", got)
	}
	if got := DataType(255).String(); got == "" {
		t.Errorf("unknown DataType.String() should not be empty")
	}
}
