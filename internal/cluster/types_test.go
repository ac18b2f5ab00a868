package cluster

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dreamware/subdb/internal/dberr"
)

// TestRefStrings tests the textual form of references
func TestRefStrings(t *testing.T) {
	outer := OuterRef{Key: 42, Partition: "p-1"}
	assert.Equal(t, "p-1/42", outer.String())

	parsed, err := ParseOuterRef(outer.String())
	require.NoError(t, err)
	assert.Equal(t, outer, parsed)

	inner := InnerRef{Key: 3, Partition: "p-2"}
	assert.Equal(t, "p-2/3", inner.String())

	for _, bad := range []string{"", "42", "/42", "p-1/", "p-1/x"} {
		_, err := ParseOuterRef(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

// TestNewPartitionID tests that identities are unique
func TestNewPartitionID(t *testing.T) {
	seen := make(map[PartitionID]bool)
	for i := 0; i < 100; i++ {
		id := NewPartitionID()
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

// TestRegisterRequest tests the msgpack form of registration
func TestRegisterRequest(t *testing.T) {
	req := RegisterRequest{Node: NodeInfo{ID: "node-2", Addr: "http://localhost:8081"}}

	data, err := msgpack.Marshal(req)
	require.NoError(t, err)

	var decoded RegisterRequest
	require.NoError(t, msgpack.Unmarshal(data, &decoded))
	assert.Equal(t, req, decoded)
}

func testRelay() *Relay {
	r := NewRelay(time.Second, 3)
	r.interval = time.Millisecond
	return r
}

// TestRelayPost tests request and response encoding
func TestRelayPost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, ContentType, r.Header.Get("Content-Type"))

		var req Location
		assert.NoError(t, ReadMsgpack(r, &req))
		req.Inner.Key++
		assert.NoError(t, WriteMsgpack(w, http.StatusOK, req))
	}))
	defer server.Close()

	in := Location{Outer: 1, Inner: InnerRef{Key: 9, Partition: "p"}}
	var out Location
	require.NoError(t, testRelay().Post(context.Background(), server.URL, in, &out))

	assert.Equal(t, OuterKey(1), out.Outer)
	assert.Equal(t, InnerKey(10), out.Inner.Key)
}

// TestRelayErrorEnvelope tests that peer errors keep their taxonomy
func TestRelayErrorEnvelope(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		WriteError(w, errors.Wrap(dberr.ErrCapacityExceeded, "inner 4"))
	}))
	defer server.Close()

	err := testRelay().Post(context.Background(), server.URL, struct{}{}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, dberr.ErrCapacityExceeded), "got %v", err)
	assert.Contains(t, err.Error(), "inner 4")
	assert.Equal(t, int32(1), calls.Load(), "peer errors must not be retried")
}

// TestRelayInternalEnvelope tests that an internal error the peer reported
// is not mistaken for an unreachable peer
func TestRelayInternalEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, errors.New("already initialized"))
	}))
	defer server.Close()

	err := testRelay().Post(context.Background(), server.URL, struct{}{}, nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, dberr.ErrPartitionUnavailable), "got %v", err)
	assert.Contains(t, err.Error(), "already initialized")
}

// TestRelayRetries tests that transient failures are retried
func TestRelayRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = WriteMsgpack(w, http.StatusOK, NodeInfo{ID: "ok"})
	}))
	defer server.Close()

	var out NodeInfo
	require.NoError(t, testRelay().Get(context.Background(), server.URL, &out))
	assert.Equal(t, "ok", out.ID)
	assert.Equal(t, int32(3), calls.Load())
}

// TestRelayUnavailable tests that an unreachable peer maps to ErrPartitionUnavailable
func TestRelayUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	err := testRelay().Post(context.Background(), url, struct{}{}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, dberr.ErrPartitionUnavailable), "got %v", err)
}

// TestRelayClientError tests that 4xx without an envelope is not retried
func TestRelayClientError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer server.Close()

	err := testRelay().Get(context.Background(), server.URL, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(dberr.CodeNotFound))
	assert.Equal(t, http.StatusForbidden, statusFor(dberr.CodeUnauthorized))
	assert.Equal(t, http.StatusConflict, statusFor(dberr.CodeBusy))
	assert.Equal(t, http.StatusInternalServerError, statusFor(dberr.CodeInternal))
}
