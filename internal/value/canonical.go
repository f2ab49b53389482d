package value

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Key tags. The tag byte keeps encodings of different kinds disjoint.
const (
	tagNull     byte = 'n'
	tagInteger  byte = 'i'
	tagReal     byte = 'r'
	tagText     byte = 't'
	tagBlob     byte = 'b'
	tagNotFound byte = 'x'
)

// AppendKey appends the canonical binary encoding of v to buf. Two values
// produce the same encoding iff Equal reports true for them.
//
// CRITICAL: text is NFC-normalized and -0.0 folds into 0.0, matching
// Compare. Anything that keys maps by value must go through here.
func AppendKey(buf []byte, v Value) []byte {
	switch val := v.(type) {
	case nil, Null:
		return append(buf, tagNull)
	case Integer:
		buf = append(buf, tagInteger)
		return binary.BigEndian.AppendUint64(buf, uint64(val))
	case Real:
		f := float64(val)
		if f == 0 {
			f = 0
		}
		if math.IsNaN(f) {
			f = math.NaN()
		}
		buf = append(buf, tagReal)
		return binary.BigEndian.AppendUint64(buf, math.Float64bits(f))
	case Text:
		s := norm.NFC.String(string(val))
		buf = append(buf, tagText)
		buf = binary.AppendUvarint(buf, uint64(len(s)))
		return append(buf, s...)
	case Blob:
		buf = append(buf, tagBlob)
		buf = binary.AppendUvarint(buf, uint64(len(val)))
		return append(buf, val...)
	default:
		return append(buf, tagNotFound)
	}
}

// Key returns the canonical encoding of the row. Equal rows have equal
// keys, so Key is what RowSet and Delta index by.
func (r Row) Key() string {
	buf := make([]byte, 0, 16*len(r.attrs))
	for i, a := range r.attrs {
		buf = binary.AppendUvarint(buf, uint64(len(a)))
		buf = append(buf, a...)
		buf = AppendKey(buf, r.vals[i])
	}
	return string(buf)
}

// MarshalJSON renders the row as canonical JSON: sorted keys, no HTML
// escaping, NFC-normalized strings. Reals always carry a fractional part
// or exponent so they do not read back as integers.
func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, a := range r.attrs {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonicalString(&buf, string(a)); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := writeCanonicalValue(&buf, r.vals[i]); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalValueJSON renders a single value the way Row.MarshalJSON does.
func MarshalValueJSON(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonicalValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonicalValue(buf *bytes.Buffer, v Value) error {
	switch val := v.(type) {
	case Integer:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case Real:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			// JSON has no encoding for these.
			return writeCanonicalString(buf, strconv.FormatFloat(f, 'g', -1, 64))
		}
		s := strconv.FormatFloat(f, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		buf.WriteString(s)
	case Text:
		return writeCanonicalString(buf, string(val))
	case Blob:
		buf.WriteString(`{"blob":"`)
		buf.WriteString(base64.StdEncoding.EncodeToString(val))
		buf.WriteString(`"}`)
	case NotFound:
		buf.WriteString(`{"notFound":true}`)
	default:
		buf.WriteString("null")
	}
	return nil
}

// writeCanonicalString writes s NFC-normalized with HTML escaping off.
func writeCanonicalString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false) // CRITICAL: <, >, & must NOT be escaped
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return err
	}
	// json.Encoder adds a trailing newline.
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'}))
	return nil
}
