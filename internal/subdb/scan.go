package subdb

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Direction is the traversal order of a scan.
type Direction uint8

const (
	Forward Direction = iota
	Backward
)

// String returns "fwd" or "bwd".
func (d Direction) String() string {
	if d == Backward {
		return "bwd"
	}
	return "fwd"
}

// ParseDirection accepts "fwd" and "bwd".
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "fwd", "":
		return Forward, nil
	case "bwd":
		return Backward, nil
	}
	return Forward, fmt.Errorf("unknown scan direction %q", s)
}

// ScanOptions bounds a scan. Both bounds are inclusive.
type ScanOptions struct {
	Dir        Direction `msgpack:"dir"`
	LowerBound string    `msgpack:"lo"`
	UpperBound string    `msgpack:"hi"`
	Limit      int       `msgpack:"limit"`
}

// ScanResult is one page of a scan. NextKey is set iff more entries exist
// within the bounds; it is the first key not returned, in traversal order.
// To fetch the next page pass it back as LowerBound (Forward) or UpperBound
// (Backward).
type ScanResult struct {
	Results []Entry `msgpack:"results"`
	NextKey *string `msgpack:"nextKey,omitempty"`
}

// Next returns the options for the page after r, or false when r was the
// last page.
func (o ScanOptions) Next(r ScanResult) (ScanOptions, bool) {
	if r.NextKey == nil {
		return o, false
	}
	next := o
	if o.Dir == Backward {
		next.UpperBound = *r.NextKey
	} else {
		next.LowerBound = *r.NextKey
	}
	return next, true
}

// Scan returns up to opts.Limit entries with LowerBound <= key <= UpperBound.
func (s *SubDB) Scan(opts ScanOptions) ScanResult {
	res := ScanResult{Results: []Entry{}}
	if opts.LowerBound > opts.UpperBound || opts.Limit < 0 {
		return res
	}

	visit := func(e Entry) bool {
		if len(res.Results) == opts.Limit {
			k := e.Key
			res.NextKey = &k
			return false
		}
		res.Results = append(res.Results, e)
		return true
	}

	if opts.Dir == Backward {
		s.entries.DescendLessOrEqual(Entry{Key: opts.UpperBound}, func(e Entry) bool {
			if e.Key < opts.LowerBound {
				return false
			}
			return visit(e)
		})
	} else {
		s.entries.AscendGreaterOrEqual(Entry{Key: opts.LowerBound}, func(e Entry) bool {
			if e.Key > opts.UpperBound {
				return false
			}
			return visit(e)
		})
	}
	return res
}

var _ msgpack.CustomEncoder = Direction(0)

// EncodeMsgpack writes the direction as "fwd"/"bwd" so the wire form
// matches the names used in logs and flags.
func (d Direction) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.EncodeString(d.String())
}

// DecodeMsgpack accepts the names EncodeMsgpack writes.
func (d *Direction) DecodeMsgpack(dec *msgpack.Decoder) error {
	s, err := dec.DecodeString()
	if err != nil {
		return err
	}
	*d, err = ParseDirection(s)
	return err
}
