package engine

import (
	"fmt"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
)

// GoToValue converts a plain Go scalar to a cty value.
func GoToValue(v interface{}) (cty.Value, error) {
	if cv, ok := v.(cty.Value); ok {
		return cv, nil
	}
	ty, err := gocty.ImpliedType(v)
	if err != nil {
		return cty.NilVal, fmt.Errorf("unsupported value %v (%T): %w", v, v, err)
	}
	if !IsScalarType(ty) {
		return cty.NilVal, fmt.Errorf("unsupported value %v (%T): not a scalar", v, v)
	}
	return gocty.ToCtyValue(v, ty)
}

// ValueToGo converts a scalar cty value to float64, string or bool.
// Null and unknown values become nil.
func ValueToGo(v cty.Value) interface{} {
	if v.IsNull() || !v.IsKnown() {
		return nil
	}
	switch {
	case v.Type().Equals(cty.Number):
		var f float64
		if err := gocty.FromCtyValue(v, &f); err != nil {
			return v.AsBigFloat().String()
		}
		return f
	case v.Type().Equals(cty.String):
		return v.AsString()
	case v.Type().Equals(cty.Bool):
		return v.True()
	default:
		return v.GoString()
	}
}

// FormatValue renders a scalar value for humans.
func FormatValue(v cty.Value) string {
	switch g := ValueToGo(v).(type) {
	case nil:
		return "null"
	case float64:
		return fmt.Sprintf("%g", g)
	case string:
		return fmt.Sprintf("%q", g)
	default:
		return fmt.Sprintf("%v", g)
	}
}
