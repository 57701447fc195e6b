// Package chain computes the tamper-evident hash chain of audit events.
//
// The canonical encoding is type-tagged so distinct values never share an
// encoding:
//
//	null    n
//	bool    t | f
//	integer i<decimal>;
//	number  d<mantissa>e<exponent>;    non-integral, exact decimal
//	string  s<byte length>:<bytes>
//	bytes   b<byte length>:<bytes>
//	array   a<count>[<elem>...]
//	object  o<count>{<key><value>...}   keys sorted by codepoint
//
// Numbers are encoded exactly from their decimal form. Integral values of any
// Go numeric kind or JSON spelling (1, 1.0, 1e0) share the integer tag.
//
// Values implementing json.Marshaler are canonicalized through their JSON
// form, so opaque documents hash by content rather than by formatting.
package chain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

var ErrNotSerializable = errors.New("not_serializable")

const (
	maxDepth = 64
	// bounds the magnitude of encodable numbers, in decimal digits
	maxNumberDigits = 1024
	maxExponent     = 1 << 20
)

var (
	jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	timeType          = reflect.TypeOf(time.Time{})
	rawMessageType    = reflect.TypeOf(json.RawMessage(nil))
)

// Canonicalize returns the canonical encoding of v.
func Canonicalize(v any) ([]byte, error) {
	enc := &encoder{seen: map[uintptr]struct{}{}}
	if err := enc.encode(reflect.ValueOf(v), 0); err != nil {
		return nil, err
	}
	return enc.buf.Bytes(), nil
}

type encoder struct {
	buf  bytes.Buffer
	seen map[uintptr]struct{}
}

func notSerializable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotSerializable, fmt.Sprintf(format, args...))
}

func (e *encoder) encode(v reflect.Value, depth int) error {
	if depth > maxDepth {
		return notSerializable("nesting deeper than %d", maxDepth)
	}
	if !v.IsValid() {
		e.buf.WriteByte('n')
		return nil
	}

	if v.Type() == timeType {
		t := v.Interface().(time.Time)
		e.writeString(t.UTC().Format(time.RFC3339Nano))
		return nil
	}
	if v.Type() == rawMessageType {
		return e.encodeJSON(v.Bytes(), depth)
	}
	if marshaled, ok, err := e.marshalJSON(v); ok {
		if err != nil {
			return err
		}
		return e.encodeJSON(marshaled, depth)
	}

	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			e.buf.WriteByte('t')
		} else {
			e.buf.WriteByte('f')
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.writeInt(strconv.FormatInt(v.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		e.writeInt(strconv.FormatUint(v.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		return e.writeFloat(v.Float())
	case reflect.String:
		if n, ok := v.Interface().(json.Number); ok {
			return e.writeNumber(n)
		}
		e.writeString(v.String())
	case reflect.Interface:
		if v.IsNil() {
			e.buf.WriteByte('n')
			return nil
		}
		return e.encode(v.Elem(), depth+1)
	case reflect.Pointer:
		if v.IsNil() {
			e.buf.WriteByte('n')
			return nil
		}
		return e.withCycleCheck(v.Pointer(), func() error {
			return e.encode(v.Elem(), depth+1)
		})
	case reflect.Slice:
		if v.IsNil() {
			e.buf.WriteByte('n')
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			e.writeBytes(v.Bytes())
			return nil
		}
		return e.withCycleCheck(v.Pointer(), func() error {
			return e.encodeArray(v, depth)
		})
	case reflect.Array:
		return e.encodeArray(v, depth)
	case reflect.Map:
		if v.IsNil() {
			e.buf.WriteByte('n')
			return nil
		}
		return e.withCycleCheck(v.Pointer(), func() error {
			return e.encodeMap(v, depth)
		})
	case reflect.Struct:
		return e.encodeStruct(v, depth)
	default:
		return notSerializable("unsupported kind %s", v.Kind())
	}
	return nil
}

func (e *encoder) withCycleCheck(ptr uintptr, fn func() error) error {
	if _, ok := e.seen[ptr]; ok {
		return notSerializable("cyclic reference")
	}
	e.seen[ptr] = struct{}{}
	err := fn()
	delete(e.seen, ptr)
	return err
}

func (e *encoder) marshalJSON(v reflect.Value) ([]byte, bool, error) {
	if v.Kind() == reflect.Interface || (v.Kind() == reflect.Pointer && v.IsNil()) {
		return nil, false, nil
	}
	var m json.Marshaler
	switch {
	case v.Type().Implements(jsonMarshalerType):
		m = v.Interface().(json.Marshaler)
	case v.CanAddr() && v.Addr().Type().Implements(jsonMarshalerType):
		m = v.Addr().Interface().(json.Marshaler)
	case reflect.PointerTo(v.Type()).Implements(jsonMarshalerType):
		ptr := reflect.New(v.Type())
		ptr.Elem().Set(v)
		m = ptr.Interface().(json.Marshaler)
	default:
		return nil, false, nil
	}
	out, err := m.MarshalJSON()
	if err != nil {
		return nil, true, notSerializable("marshal %s: %v", v.Type(), err)
	}
	return out, true, nil
}

func (e *encoder) encodeJSON(raw []byte, depth int) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		e.buf.WriteByte('n')
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return notSerializable("invalid json document: %v", err)
	}
	if dec.More() {
		return notSerializable("trailing data after json document")
	}
	return e.encode(reflect.ValueOf(decoded), depth+1)
}

func (e *encoder) encodeArray(v reflect.Value, depth int) error {
	n := v.Len()
	e.buf.WriteString("a" + strconv.Itoa(n) + "[")
	for i := 0; i < n; i++ {
		if err := e.encode(v.Index(i), depth+1); err != nil {
			return err
		}
	}
	e.buf.WriteByte(']')
	return nil
}

func (e *encoder) encodeMap(v reflect.Value, depth int) error {
	if v.Type().Key().Kind() != reflect.String {
		return notSerializable("map key type %s", v.Type().Key())
	}
	keys := make([]string, 0, v.Len())
	values := make(map[string]reflect.Value, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		k := iter.Key().String()
		keys = append(keys, k)
		values[k] = iter.Value()
	}
	return e.writeObject(keys, values, depth)
}

func (e *encoder) encodeStruct(v reflect.Value, depth int) error {
	values := map[string]reflect.Value{}
	if err := collectFields(v, values); err != nil {
		return err
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	return e.writeObject(keys, values, depth)
}

// collectFields follows encoding/json naming: tags rename, "-" skips,
// omitempty drops zero values and untagged embedded structs are flattened.
func collectFields(v reflect.Value, out map[string]reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		fv := v.Field(i)

		if field.Anonymous && name == "" {
			ft := field.Type
			if ft.Kind() == reflect.Pointer {
				if fv.IsNil() {
					continue
				}
				fv = fv.Elem()
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				if err := collectFields(fv, out); err != nil {
					return err
				}
				continue
			}
		}
		if !field.IsExported() {
			continue
		}
		if name == "" {
			name = field.Name
		}
		if strings.Contains(opts, "omitempty") && fv.IsZero() {
			continue
		}
		out[name] = fv
	}
	return nil
}

func (e *encoder) writeObject(keys []string, values map[string]reflect.Value, depth int) error {
	sort.Strings(keys)
	e.buf.WriteString("o" + strconv.Itoa(len(keys)) + "{")
	for _, k := range keys {
		e.writeString(k)
		if err := e.encode(values[k], depth+1); err != nil {
			return err
		}
	}
	e.buf.WriteByte('}')
	return nil
}

func (e *encoder) writeString(s string) {
	e.buf.WriteString("s" + strconv.Itoa(len(s)) + ":")
	e.buf.WriteString(s)
}

func (e *encoder) writeBytes(b []byte) {
	e.buf.WriteString("b" + strconv.Itoa(len(b)) + ":")
	e.buf.Write(b)
}

func (e *encoder) writeInt(decimal string) {
	e.buf.WriteString("i" + decimal + ";")
}

// writeFloat encodes f through its shortest decimal form, so a float and
// the JSON number it prints as share an encoding.
func (e *encoder) writeFloat(f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return notSerializable("non-finite number")
	}
	return e.writeDecimal(strconv.FormatFloat(f, 'g', -1, 64))
}

func (e *encoder) writeNumber(n json.Number) error {
	return e.writeDecimal(n.String())
}

// writeDecimal encodes a JSON number exactly. Integral values become
// i<digits>; and the rest d<mantissa>e<exponent>; with the mantissa
// stripped of leading and trailing zeros.
func (e *encoder) writeDecimal(s string) error {
	neg, digits, exp, ok := parseDecimal(s)
	if !ok {
		return notSerializable("invalid number %q", s)
	}
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		e.writeInt("0")
		return nil
	}
	trimmed := strings.TrimRight(digits, "0")
	exp += len(digits) - len(trimmed)
	digits = trimmed

	if exp+len(digits) > maxNumberDigits || exp < -maxNumberDigits {
		return notSerializable("number %q out of range", s)
	}

	sign := ""
	if neg {
		sign = "-"
	}
	if exp >= 0 {
		e.writeInt(sign + digits + strings.Repeat("0", exp))
		return nil
	}
	e.buf.WriteString("d" + sign + digits + "e" + strconv.Itoa(exp) + ";")
	return nil
}

// parseDecimal splits a JSON number into sign, significant digits and a
// base-10 exponent such that value = digits * 10^exp.
func parseDecimal(s string) (neg bool, digits string, exp int, ok bool) {
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	mantissa, exponent, hasExp := strings.Cut(strings.ToLower(s), "e")
	intPart, frac, hasFrac := strings.Cut(mantissa, ".")
	if intPart == "" || !allDigits(intPart) || (hasFrac && (frac == "" || !allDigits(frac))) {
		return false, "", 0, false
	}
	if hasExp {
		exponent = strings.TrimPrefix(exponent, "+")
		v, err := strconv.Atoi(exponent)
		if err != nil || exponent[0] == '+' || v > maxExponent || v < -maxExponent {
			return false, "", 0, false
		}
		exp = v
	}
	return neg, intPart + frac, exp - len(frac), true
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
