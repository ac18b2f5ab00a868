package value

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dreamware/subdb/internal/dberr"
)

// A Value is encoded as the msgpack array [kind, payload]. Tuple payloads are
// arrays of encoded Values; homogeneous arrays are arrays of bare
// primitives. Floats are always written as 8-byte IEEE 754 so the bit
// pattern survives the round trip.

var (
	_ msgpack.CustomEncoder = Value{}
	_ msgpack.CustomDecoder = (*Value)(nil)
)

// Encode serializes v.
func Encode(v Value) ([]byte, error) {
	if !v.IsValid() {
		return nil, errors.Wrap(dberr.ErrMalformedValue, "cannot encode invalid value")
	}
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	enc.Reset(&buf)
	err := v.EncodeMsgpack(enc)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses a Value produced by Encode. Any structural problem,
// including trailing bytes, yields dberr.ErrMalformedValue.
func Decode(b []byte) (Value, error) {
	r := bytes.NewReader(b)
	dec := msgpack.GetDecoder()
	dec.Reset(r)
	var v Value
	err := v.DecodeMsgpack(dec)
	msgpack.PutDecoder(dec)
	if err != nil {
		return Value{}, err
	}
	if r.Len() != 0 {
		return Value{}, errors.Wrapf(dberr.ErrMalformedValue, "%d trailing bytes", r.Len())
	}
	return v, nil
}

// EncodeMsgpack implements msgpack.CustomEncoder.
func (v Value) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeUint8(uint8(v.kind)); err != nil {
		return err
	}
	switch v.kind {
	case KindInt:
		return enc.EncodeInt(v.i)
	case KindFloat:
		return enc.EncodeFloat64(v.f)
	case KindBool:
		return enc.EncodeBool(v.b)
	case KindText:
		return enc.EncodeString(v.s)
	case KindTuple:
		if err := enc.EncodeArrayLen(len(v.tuple)); err != nil {
			return err
		}
		for _, e := range v.tuple {
			if err := e.EncodeMsgpack(enc); err != nil {
				return err
			}
		}
		return nil
	case KindArrayBool:
		return encodeSlice(enc, v.bools, enc.EncodeBool)
	case KindArrayText:
		return encodeSlice(enc, v.texts, enc.EncodeString)
	case KindArrayInt:
		return encodeSlice(enc, v.ints, enc.EncodeInt)
	case KindArrayFloat:
		return encodeSlice(enc, v.floats, enc.EncodeFloat64)
	}
	return errors.Wrapf(dberr.ErrMalformedValue, "cannot encode %s", v.kind)
}

func encodeSlice[T any](enc *msgpack.Encoder, xs []T, put func(T) error) error {
	if err := enc.EncodeArrayLen(len(xs)); err != nil {
		return err
	}
	for _, x := range xs {
		if err := put(x); err != nil {
			return err
		}
	}
	return nil
}

// DecodeMsgpack implements msgpack.CustomDecoder.
func (v *Value) DecodeMsgpack(dec *msgpack.Decoder) error {
	decoded, err := decodeValue(dec, true)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

func decodeValue(dec *msgpack.Decoder, allowComposite bool) (Value, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return Value{}, malformed(err, "value header")
	}
	if n != 2 {
		return Value{}, errors.Wrapf(dberr.ErrMalformedValue, "value header has %d fields", n)
	}
	k, err := dec.DecodeUint8()
	if err != nil {
		return Value{}, malformed(err, "discriminant")
	}
	kind := Kind(k)
	if !allowComposite && !kind.Primitive() {
		return Value{}, errors.Wrapf(dberr.ErrMalformedValue, "%s inside tuple", kind)
	}

	v := Value{kind: kind}
	switch kind {
	case KindInt:
		v.i, err = dec.DecodeInt64()
	case KindFloat:
		v.f, err = dec.DecodeFloat64()
	case KindBool:
		v.b, err = dec.DecodeBool()
	case KindText:
		v.s, err = dec.DecodeString()
	case KindTuple:
		v.tuple, err = decodeSlice(dec, func() (Value, error) { return decodeValue(dec, false) })
	case KindArrayBool:
		v.bools, err = decodeSlice(dec, dec.DecodeBool)
	case KindArrayText:
		v.texts, err = decodeSlice(dec, dec.DecodeString)
	case KindArrayInt:
		v.ints, err = decodeSlice(dec, dec.DecodeInt64)
	case KindArrayFloat:
		v.floats, err = decodeSlice(dec, dec.DecodeFloat64)
	default:
		return Value{}, errors.Wrapf(dberr.ErrMalformedValue, "unknown discriminant %d", k)
	}
	if err != nil {
		return Value{}, malformed(err, kind.String()+" payload")
	}
	return v, nil
}

// maxPrealloc bounds the capacity reserved from an array header.
const maxPrealloc = 1024

func decodeSlice[T any](dec *msgpack.Decoder, next func() (T, error)) ([]T, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, errors.Wrap(dberr.ErrMalformedValue, "nil array")
	}
	// The header is untrusted: grow with the input instead of trusting n.
	out := make([]T, 0, min(n, maxPrealloc))
	for i := 0; i < n; i++ {
		x, err := next()
		if err != nil {
			return nil, errors.WithMessagef(err, "element %d of %d", i, n)
		}
		out = append(out, x)
	}
	return out, nil
}

func malformed(err error, what string) error {
	if errors.Is(err, dberr.ErrMalformedValue) {
		return err
	}
	return errors.Wrapf(dberr.ErrMalformedValue, "%s: %v", what, err)
}
