package index

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/dreamware/subdb/internal/cluster"
	"github.com/dreamware/subdb/internal/value"
)

// ItemsStream names the two sub-databases the index keeps as a log of live
// outer references. Both are ordinary sub-databases, so they are read with
// Scan and Get like any other.
//
//	Order    zero-padded sequence number → outer reference text
//	Reverse  outer reference text → sequence key in Order
type ItemsStream struct {
	Order   cluster.OuterRef `msgpack:"order"`
	Reverse cluster.OuterRef `msgpack:"reverse"`
}

const (
	streamOrderUserData   = "items-stream:order"
	streamReverseUserData = "items-stream:reverse"
)

// GetAllItemsStream returns the items stream, once Init has run.
func (i *Index) GetAllItemsStream() (ItemsStream, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stream == nil {
		return ItemsStream{}, false
	}
	return *i.stream, true
}

func (i *Index) initStream(ctx context.Context) error {
	order, err := i.createSubDB(ctx, streamOrderUserData, nil)
	if err != nil {
		return errors.WithMessage(err, "items stream order")
	}
	reverse, err := i.createSubDB(ctx, streamReverseUserData, nil)
	if err != nil {
		return errors.WithMessage(err, "items stream reverse")
	}
	i.mu.Lock()
	i.stream = &ItemsStream{Order: order.Outer, Reverse: reverse.Outer}
	i.mu.Unlock()
	return nil
}

func seqKey(seq uint64) string { return fmt.Sprintf("%020d", seq) }

// appendStream logs ref at the end of the items stream. Stream writes wait
// out a migration of the stream's own sub-databases.
func (i *Index) appendStream(ctx context.Context, ref cluster.OuterRef) error {
	st, ok := i.GetAllItemsStream()
	if !ok {
		return nil
	}
	i.mu.Lock()
	k := seqKey(i.streamSeq)
	i.streamSeq++
	i.mu.Unlock()

	if _, err := i.insert(ctx, i.latches.wait, st.Order, k, value.Text(ref.String()), nil); err != nil {
		return err
	}
	_, err := i.insert(ctx, i.latches.wait, st.Reverse, ref.String(), value.Text(k), nil)
	return err
}

func (i *Index) removeStream(ctx context.Context, ref cluster.OuterRef) error {
	st, ok := i.GetAllItemsStream()
	if !ok {
		return nil
	}
	v, ok, err := i.Get(ctx, st.Reverse, ref.String())
	if err != nil || !ok {
		return err
	}
	if k, ok := v.AsText(); ok {
		if err := i.delete(ctx, i.latches.wait, st.Order, k); err != nil {
			return err
		}
	}
	return i.delete(ctx, i.latches.wait, st.Reverse, ref.String())
}
