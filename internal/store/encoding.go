package store

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/roach88/relflow/internal/value"
)

// encodeRow writes row as a msgpack array of [attribute, kind, value]
// triples in attribute order. The kind keeps integers, reals, text and
// blobs apart on the way back.
func encodeRow(row value.Row) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	enc.Reset(&buf)
	enc.SetSortMapKeys(true)

	if err := enc.EncodeArrayLen(row.Len()); err != nil {
		return nil, err
	}
	for a, v := range row.Fields() {
		if err := encodeField(enc, a, v); err != nil {
			return nil, fmt.Errorf("failed to encode %s using MsgPack: %w", a, err)
		}
	}
	return buf.Bytes(), nil
}

func encodeField(enc *msgpack.Encoder, a value.Attribute, v value.Value) error {
	if err := enc.EncodeArrayLen(3); err != nil {
		return err
	}
	if err := enc.EncodeString(string(a)); err != nil {
		return err
	}
	if v == nil {
		v = value.Null{}
	}
	if err := enc.EncodeUint8(uint8(v.Kind())); err != nil {
		return err
	}
	switch val := v.(type) {
	case value.Null:
		return enc.EncodeNil()
	case value.Integer:
		return enc.EncodeInt(int64(val))
	case value.Real:
		return enc.EncodeFloat64(float64(val))
	case value.Text:
		return enc.EncodeString(string(val))
	case value.Blob:
		return enc.EncodeBytes([]byte(val))
	default:
		return fmt.Errorf("%s cannot be stored", v)
	}
}

// decodeRow reverses encodeRow.
func decodeRow(buf []byte) (value.Row, error) {
	var r bytes.Reader
	r.Reset(buf)
	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)
	dec.Reset(&r)

	n, err := dec.DecodeArrayLen()
	if err != nil {
		return value.Row{}, fmt.Errorf("failed to decode row header: %w", err)
	}
	fields := make(map[value.Attribute]value.Value, max(n, 0))
	for range n {
		a, v, err := decodeField(dec)
		if err != nil {
			return value.Row{}, fmt.Errorf("failed to decode row: %w", err)
		}
		fields[a] = v
	}
	return value.RowFromMap(fields), nil
}

func decodeField(dec *msgpack.Decoder) (value.Attribute, value.Value, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return "", nil, err
	}
	if n != 3 {
		return "", nil, fmt.Errorf("field has %d elements, want 3", n)
	}
	name, err := dec.DecodeString()
	if err != nil {
		return "", nil, err
	}
	kind, err := dec.DecodeUint8()
	if err != nil {
		return "", nil, err
	}
	a := value.Attribute(name)
	switch value.Kind(kind) {
	case value.KindNull:
		return a, value.Null{}, dec.DecodeNil()
	case value.KindInteger:
		i, err := dec.DecodeInt64()
		return a, value.Integer(i), err
	case value.KindReal:
		f, err := dec.DecodeFloat64()
		return a, value.Real(f), err
	case value.KindText:
		s, err := dec.DecodeString()
		return a, value.Text(s), err
	case value.KindBlob:
		b, err := dec.DecodeBytes()
		return a, value.Blob(b), err
	default:
		return "", nil, fmt.Errorf("attribute %s: unknown kind %d", name, kind)
	}
}

// rowKey is the bolt key of row: the xxhash of its canonical encoding
// followed by the encoding itself. The hash spreads keys across pages;
// the suffix keeps them unique.
func rowKey(row value.Row) []byte {
	k := row.Key()
	buf := make([]byte, 8, 8+len(k))
	binary.BigEndian.PutUint64(buf, xxhash.Sum64String(k))
	return append(buf, k...)
}

// checksum fingerprints file content.
func checksum(data []byte) uint64 {
	return xxhash.Sum64(data)
}
