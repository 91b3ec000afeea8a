package hcl

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/vk/beamgridgo/internal/ctxlog"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/gocty"
)

var numberList = cty.List(cty.Number)

// decodeNumbers evaluates a list attribute without variables and converts it
// to []float64. A missing optional attribute decodes to nil.
func decodeNumbers(ctx context.Context, e hcl.Expression, what string) ([]float64, error) {
	logger := ctxlog.FromContext(ctx)
	if e == nil {
		return nil, nil
	}
	val, diags := e.Value(nil)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%s: %w", what, diags)
	}
	if val.IsNull() {
		return nil, nil
	}

	converted, err := convert.Convert(val, numberList)
	if err != nil {
		return nil, fmt.Errorf("%s: cannot convert %s to a list of numbers: %w", what, val.Type().FriendlyName(), err)
	}
	if !val.Type().Equals(converted.Type()) {
		logger.Debug("Implicitly converted value type.",
			"attribute", what,
			"from", val.Type().FriendlyName(),
			"to", converted.Type().FriendlyName(),
		)
	}

	var out []float64
	if err := gocty.FromCtyValue(converted, &out); err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	if out == nil {
		out = []float64{}
	}
	return out, nil
}

// numbersValue is the inverse of decodeNumbers.
func numbersValue(v []float64) (cty.Value, error) {
	if len(v) == 0 {
		return cty.ListValEmpty(cty.Number), nil
	}
	return gocty.ToCtyValue(v, numberList)
}
