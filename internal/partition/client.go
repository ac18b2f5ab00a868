package partition

import (
	"context"

	"github.com/dreamware/subdb/internal/auth"
	"github.com/dreamware/subdb/internal/cluster"
	"github.com/dreamware/subdb/internal/subdb"
	"github.com/dreamware/subdb/internal/value"
)

// Client is every entry point of a partition. *Partition implements it
// in-process; transport.PartitionClient implements it over HTTP.
//
// Reads report absence with a found flag. Mutating calls take the caller's
// key material and fail with dberr.ErrUnauthorized before touching state.
type Client interface {
	ID() cluster.PartitionID

	GetByInner(ctx context.Context, key cluster.InnerKey, sk string) (value.Value, bool, error)
	HasByInner(ctx context.Context, key cluster.InnerKey, sk string) (bool, error)
	HasSubDBByInner(ctx context.Context, key cluster.InnerKey) (bool, error)
	SubDBSizeByInner(ctx context.Context, key cluster.InnerKey) (int, bool, error)
	SuperDBSize(ctx context.Context) (int, error)
	IsOverflowed(ctx context.Context) (bool, error)
	RawGetSubDB(ctx context.Context, key cluster.InnerKey) (subdb.RawSubDB, bool, error)
	ScanLimitInner(ctx context.Context, key cluster.InnerKey, opts subdb.ScanOptions) (subdb.ScanResult, error)
	ScanSubDBs(ctx context.Context) ([]cluster.Location, error)
	InnerKeys(ctx context.Context) ([]cluster.InnerKey, error)
	GetInner(ctx context.Context, outer cluster.OuterKey) (cluster.InnerRef, bool, error)
	Info(ctx context.Context) (Info, error)

	CreateSubDB(ctx context.Context, cred []byte, userData string, hardCap *int) (cluster.InnerKey, error)
	// InsertInner reports whether the partition is overflowed after the
	// call, whether or not the insert itself succeeded. A non-nil hardCap
	// replaces the stored cap first, and the new cap stays in place even
	// when the insert is then rejected with dberr.ErrCapacityExceeded.
	InsertInner(ctx context.Context, cred []byte, key cluster.InnerKey, sk string, v value.Value, hardCap *int) (bool, error)
	DeleteInner(ctx context.Context, cred []byte, key cluster.InnerKey, sk string) error
	DeleteSubDBInner(ctx context.Context, cred []byte, key cluster.InnerKey) error
	RawInsertSubDB(ctx context.Context, cred []byte, raw subdb.RawSubDB, key *cluster.InnerKey) (cluster.InnerKey, error)
	RawInsertSubDBAndSetOuter(ctx context.Context, cred []byte, raw subdb.RawSubDB, key *cluster.InnerKey, outer cluster.OuterKey) (cluster.InnerKey, error)
	RawDeleteSubDB(ctx context.Context, cred []byte, key cluster.InnerKey) error
	GetSubDBUserDataInner(ctx context.Context, cred []byte, key cluster.InnerKey) (string, bool, error)

	CreateOuter(ctx context.Context, cred []byte, outer cluster.OuterKey, inner cluster.InnerRef) error
	PutLocation(ctx context.Context, cred []byte, outer cluster.OuterKey, inner cluster.InnerRef) error
	DeleteSubDBOuter(ctx context.Context, cred []byte, outer cluster.OuterKey) error
	GetByOuter(ctx context.Context, cred []byte, outer cluster.OuterKey, sk string) (value.Value, bool, error)
	GetOuter(ctx context.Context, cred []byte, ref cluster.OuterRef, sk string) (value.Value, bool, error)
	HasByOuter(ctx context.Context, cred []byte, outer cluster.OuterKey, sk string) (bool, error)
	HasSubDBByOuter(ctx context.Context, cred []byte, outer cluster.OuterKey) (bool, error)
	SubDBSizeByOuter(ctx context.Context, cred []byte, outer cluster.OuterKey) (int, bool, error)
	SubDBSizeOuterImpl(ctx context.Context, cred []byte, ref cluster.OuterRef) (int, bool, error)
	GetSubDBUserDataOuter(ctx context.Context, cred []byte, outer cluster.OuterKey) (string, bool, error)
	ScanLimitOuter(ctx context.Context, cred []byte, outer cluster.OuterKey, opts subdb.ScanOptions) (subdb.ScanResult, error)

	SetOwners(ctx context.Context, cred []byte, owners []auth.Identity) error
	Upgrade(ctx context.Context, cred []byte, version uint64) error
}

// Directory finds the client for a partition by identity. Outer-relayed
// calls use it to reach the partition holding the sub-database.
type Directory interface {
	Lookup(ctx context.Context, id cluster.PartitionID) (Client, error)
}

// Info summarizes a partition's occupancy and the limits it is held to.
type Info struct {
	ID            cluster.PartitionID `msgpack:"id"`
	SubDBs        int                 `msgpack:"subdbs"`
	Entries       int                 `msgpack:"entries"`
	Bytes         int                 `msgpack:"bytes"`
	Overflowed    bool                `msgpack:"overflowed"`
	Limits        Limits              `msgpack:"limits"`
	SchemaVersion uint64              `msgpack:"schemaVersion"`
	Ops           OperationStats      `msgpack:"ops"`
}

// OperationStats tracks operation counts
type OperationStats struct {
	Reads   uint64 `msgpack:"reads"`
	Writes  uint64 `msgpack:"writes"`
	Deletes uint64 `msgpack:"deletes"`
	Relays  uint64 `msgpack:"relays"`
}
