package csvcodec

import (
	"fmt"
	"sort"
	"strconv"
)

// MaxFieldSize and MaxLineSize bound a single field and a single encoded
// row; rows or fields exceeding these are rejected rather than silently
// truncated, matching the worker's own result-row limits.
const (
	MaxFieldSize = 1 << 20   // 1 MiB
	MaxLineSize  = 64 << 20  // 64 MiB
)

// Editor maps input field names to positional indices and re-projects rows
// onto an output column list, applying an input/output Dialect pair.
type Editor struct {
	In, Out     Dialect
	inputFields map[string]int
	outputOrder []string
}

// NewEditor builds an Editor over the given input field names, in order.
func NewEditor(in, out Dialect, inputFields []string) *Editor {
	idx := make(map[string]int, len(inputFields))
	for i, name := range inputFields {
		idx[name] = i
	}
	return &Editor{In: in, Out: out, inputFields: idx}
}

// SelectOutput fixes the output column order by input field name.
func (e *Editor) SelectOutput(fields []string) error {
	for _, f := range fields {
		if _, ok := e.inputFields[f]; !ok {
			return fmt.Errorf("csvcodec: unknown output field %q", f)
		}
	}
	e.outputOrder = fields
	return nil
}

// FieldIndex returns the positional index of an input field name.
func (e *Editor) FieldIndex(name string) (int, bool) {
	i, ok := e.inputFields[name]
	return i, ok
}

// DecodeRow splits a wire-encoded line into raw field values under e.In.
func (e *Editor) DecodeRow(line []byte) ([][]byte, []bool, error) {
	if len(line) > MaxLineSize {
		return nil, nil, fmt.Errorf("csvcodec: line of %d bytes exceeds MaxLineSize", len(line))
	}
	var values [][]byte
	var nulls []bool
	rest := line
	for {
		value, isNull, consumed, err := e.In.Decode(rest)
		if err != nil {
			return nil, nil, err
		}
		if len(value) > MaxFieldSize {
			return nil, nil, fmt.Errorf("csvcodec: field of %d bytes exceeds MaxFieldSize", len(value))
		}
		values = append(values, value)
		nulls = append(nulls, isNull)
		rest = rest[consumed:]
		if len(rest) == 0 {
			break
		}
		if rest[0] == e.In.Delimiter {
			rest = rest[1:]
			if len(rest) == 0 {
				values = append(values, nil)
				nulls = append(nulls, false)
				break
			}
			continue
		}
		break
	}
	return values, nulls, nil
}

// EncodeRow projects the decoded fields of one input row onto the output
// column order and re-encodes it under e.Out.
func (e *Editor) EncodeRow(values [][]byte, nulls []bool) ([]byte, error) {
	order := e.outputOrder
	if order == nil {
		order = make([]string, 0, len(e.inputFields))
		for name := range e.inputFields {
			order = append(order, name)
		}
		sort.Slice(order, func(a, b int) bool { return e.inputFields[order[a]] < e.inputFields[order[b]] })
	}
	var out []byte
	for i, name := range order {
		idx, ok := e.inputFields[name]
		if !ok || idx >= len(values) {
			return nil, fmt.Errorf("csvcodec: output field %q not present in input row", name)
		}
		if i > 0 {
			out = append(out, e.Out.Delimiter)
		}
		out = append(out, e.Out.Encode(values[idx], nulls[idx])...)
	}
	if len(out) > MaxLineSize {
		return nil, fmt.Errorf("csvcodec: encoded row of %d bytes exceeds MaxLineSize", len(out))
	}
	return out, nil
}

// ParseInt64 parses a decoded field into an int64 with range checking.
func ParseInt64(value []byte, isNull bool) (int64, bool, error) {
	if isNull {
		return 0, true, nil
	}
	n, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("csvcodec: %q is not a valid int64: %w", value, err)
	}
	return n, false, nil
}

// ParseFloat64 parses a decoded field into a float64, round-trip-safe to
// 17 significant digits.
func ParseFloat64(value []byte, isNull bool) (float64, bool, error) {
	if isNull {
		return 0, true, nil
	}
	f, err := strconv.ParseFloat(string(value), 64)
	if err != nil {
		return 0, false, fmt.Errorf("csvcodec: %q is not a valid float64: %w", value, err)
	}
	return f, false, nil
}

// FormatFloat64 renders f with the 17 significant digits needed for an
// exact round trip through ParseFloat64.
func FormatFloat64(f float64) string {
	return strconv.FormatFloat(f, 'g', 17, 64)
}
