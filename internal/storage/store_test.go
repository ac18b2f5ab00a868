package storage

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/subdb/internal/dberr"
)

func stores(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"bolt": func() Store {
			s, err := OpenBolt(filepath.Join(t.TempDir(), "snapshots.db"), BoltOptions{IsTesting: true})
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

// TestStore runs the same contract against every implementation
func TestStore(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("new store is empty", func(t *testing.T) {
				s := open()
				keys, err := s.List()
				require.NoError(t, err)
				assert.Empty(t, keys)

				_, err = s.Get("nonexistent")
				assert.True(t, errors.Is(err, ErrKeyNotFound))
				assert.True(t, errors.Is(err, dberr.ErrNotFound))
			})

			t.Run("put overwrite get", func(t *testing.T) {
				s := open()
				require.NoError(t, s.Put("k", []byte("v1")))
				require.NoError(t, s.Put("k", []byte("v2")))

				v, err := s.Get("k")
				require.NoError(t, err)
				assert.Equal(t, []byte("v2"), v)
			})

			t.Run("delete is idempotent", func(t *testing.T) {
				s := open()
				require.NoError(t, s.Put("k", []byte("v")))
				require.NoError(t, s.Delete("k"))
				require.NoError(t, s.Delete("k"))

				_, err := s.Get("k")
				assert.True(t, errors.Is(err, ErrKeyNotFound))
			})

			t.Run("list is sorted", func(t *testing.T) {
				s := open()
				for _, k := range []string{"partition/b", "index", "partition/a"} {
					require.NoError(t, s.Put(k, []byte(k)))
				}
				keys, err := s.List()
				require.NoError(t, err)
				assert.Equal(t, []string{"index", "partition/a", "partition/b"}, keys)
			})

			t.Run("values are copied", func(t *testing.T) {
				s := open()
				in := []byte("abc")
				require.NoError(t, s.Put("k", in))
				in[0] = 'x'

				out, err := s.Get("k")
				require.NoError(t, err)
				out[1] = 'y'

				again, err := s.Get("k")
				require.NoError(t, err)
				assert.Equal(t, []byte("abc"), again)
			})

			t.Run("stats", func(t *testing.T) {
				s := open()
				require.NoError(t, s.Put("a", []byte("12")))
				require.NoError(t, s.Put("b", []byte("345")))
				assert.Equal(t, StoreStats{Keys: 2, Bytes: 5}, s.Stats())
			})

			t.Run("concurrent access", func(t *testing.T) {
				s := open()
				var wg sync.WaitGroup
				for i := 0; i < 8; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						for j := 0; j < 20; j++ {
							key := fmt.Sprintf("k-%d-%d", i, j)
							assert.NoError(t, s.Put(key, []byte(key)))
							_, err := s.Get(key)
							assert.NoError(t, err)
						}
					}(i)
				}
				wg.Wait()
				assert.Equal(t, 160, s.Stats().Keys)
			})
		})
	}
}

type snapshot struct {
	Name  string            `msgpack:"name"`
	Items map[string]uint64 `msgpack:"items"`
}

func TestSaveLoad(t *testing.T) {
	s := NewMemoryStore()
	in := snapshot{Name: "index", Items: map[string]uint64{"a": 1, "b": 2}}
	require.NoError(t, Save(s, "index", in))

	var out snapshot
	require.NoError(t, Load(s, "index", &out))
	assert.Equal(t, in, out)

	assert.True(t, errors.Is(Load(s, "missing", &out), ErrKeyNotFound))

	require.NoError(t, s.Put("garbage", []byte{0xc1}))
	assert.Error(t, Load(s, "garbage", &out))
}

func TestBoltReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.db")
	s, err := OpenBolt(path, BoltOptions{IsTesting: true})
	require.NoError(t, err)
	require.NoError(t, s.Put("index", []byte("state")))
	require.NoError(t, s.Close())

	s, err = OpenBolt(path, BoltOptions{})
	require.NoError(t, err)
	defer s.Close()

	v, err := s.Get("index")
	require.NoError(t, err)
	assert.Equal(t, []byte("state"), v)
}
