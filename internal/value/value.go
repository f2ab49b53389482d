package value

import (
	"bytes"
	"cmp"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Value is a sealed interface over the scalar types a relation can hold.
// Only Null, Integer, Real, Text, Blob and NotFound implement it.
//
// Values are totally ordered across variants:
// null < integer < real < text < blob < notFound.
type Value interface {
	relationValue() // Sealed
	Kind() Kind
	String() string
}

// Kind identifies a Value variant. Kinds are declared in cross-variant
// sort order.
type Kind int

const (
	KindNull Kind = iota
	KindInteger
	KindReal
	KindText
	KindBlob
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInteger:
		return "integer"
	case KindReal:
		return "real"
	case KindText:
		return "text"
	case KindBlob:
		return "blob"
	case KindNotFound:
		return "notFound"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Null is the SQL-style absent value.
type Null struct{}

func (Null) relationValue() {}
func (Null) Kind() Kind { return KindNull }
func (Null) String() string { return "NULL" }

// Integer is a signed 64-bit integer.
type Integer int64

func (Integer) relationValue() {}
func (Integer) Kind() Kind { return KindInteger }
func (i Integer) String() string { return strconv.FormatInt(int64(i), 10) }

// Real is a 64-bit float.
type Real float64

func (Real) relationValue() {}
func (Real) Kind() Kind { return KindReal }
func (r Real) String() string { return strconv.FormatFloat(float64(r), 'g', -1, 64) }

// Text is a UTF-8 string. Comparison and hashing use the NFC form.
type Text string

func (Text) relationValue() {}
func (Text) Kind() Kind { return KindText }
func (t Text) String() string { return string(t) }

// Blob is an opaque byte string. Blobs must not be mutated once wrapped.
type Blob []byte

func (Blob) relationValue() {}
func (Blob) Kind() Kind { return KindBlob }
func (b Blob) String() string { return fmt.Sprintf("<%d bytes>", len(b)) }

// NotFound is returned when a row has no value for an attribute.
type NotFound struct{}

func (NotFound) relationValue() {}
func (NotFound) Kind() Kind { return KindNotFound }
func (NotFound) String() string { return "<not found>" }

// True and False are the integer truth values produced by comparisons.
var (
	True  Value = Integer(1)
	False Value = Integer(0)
)

// FromBool converts a Go bool into Integer(1) or Integer(0).
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// Truthy reports whether v counts as true. Every value except Integer(0)
// is true.
func Truthy(v Value) bool {
	i, ok := v.(Integer)
	return !ok || i != 0
}

// Compare returns -1, 0 or 1 ordering a before, equal to, or after b.
func Compare(a, b Value) int {
	ka, kb := kindOf(a), kindOf(b)
	if ka != kb {
		return cmp.Compare(ka, kb)
	}
	switch av := a.(type) {
	case Integer:
		return cmp.Compare(av, b.(Integer))
	case Real:
		return cmp.Compare(float64(av), float64(b.(Real)))
	case Text:
		return strings.Compare(norm.NFC.String(string(av)), norm.NFC.String(string(b.(Text))))
	case Blob:
		return bytes.Compare(av, b.(Blob))
	default:
		// Null and NotFound carry no payload.
		return 0
	}
}

// Equal reports whether a and b are the same value.
func Equal(a, b Value) bool {
	return Compare(a, b) == 0
}

// kindOf treats a nil interface as Null so zero Rows behave.
func kindOf(v Value) Kind {
	if v == nil {
		return KindNull
	}
	return v.Kind()
}

// Of converts a Go native value into a Value. It accepts the shapes that
// come out of YAML, JSON and CUE decoding.
func Of(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case bool:
		return FromBool(val), nil
	case int:
		return Integer(val), nil
	case int32:
		return Integer(val), nil
	case int64:
		return Integer(val), nil
	case uint:
		return Integer(val), nil
	case uint32:
		return Integer(val), nil
	case uint64:
		return Integer(val), nil
	case float32:
		return Real(val), nil
	case float64:
		return Real(val), nil
	case string:
		return Text(val), nil
	case []byte:
		return Blob(bytes.Clone(val)), nil
	default:
		return nil, fmt.Errorf("unsupported value type: %T", v)
	}
}

// MustOf is Of for literals in tests and fixtures.
func MustOf(v any) Value {
	out, err := Of(v)
	if err != nil {
		panic(err)
	}
	return out
}

// Native converts a Value back into the Go type Of would accept.
// NotFound maps to nil, same as Null.
func Native(v Value) any {
	switch val := v.(type) {
	case Integer:
		return int64(val)
	case Real:
		return float64(val)
	case Text:
		return string(val)
	case Blob:
		return []byte(val)
	default:
		return nil
	}
}
