package transport

import (
	"github.com/dreamware/subdb/internal/cluster"
	"github.com/dreamware/subdb/internal/partition"
	"github.com/dreamware/subdb/internal/subdb"
	"github.com/dreamware/subdb/internal/value"
)

// Method names, the last path segment of /p/{id}/rpc/{method}.
const (
	MethodGetByInner                = "getByInner"
	MethodHasByInner                = "hasByInner"
	MethodHasSubDBByInner           = "hasSubDBByInner"
	MethodSubDBSizeByInner          = "subDBSizeByInner"
	MethodSuperDBSize               = "superDBSize"
	MethodIsOverflowed              = "isOverflowed"
	MethodRawGetSubDB               = "rawGetSubDB"
	MethodScanLimitInner            = "scanLimitInner"
	MethodScanSubDBs                = "scanSubDBs"
	MethodInnerKeys                 = "innerKeys"
	MethodGetInner                  = "getInner"
	MethodInfo                      = "info"
	MethodCreateSubDB               = "createSubDB"
	MethodInsertInner               = "insertInner"
	MethodDeleteInner               = "deleteInner"
	MethodDeleteSubDBInner          = "deleteSubDBInner"
	MethodRawInsertSubDB            = "rawInsertSubDB"
	MethodRawInsertSubDBAndSetOuter = "rawInsertSubDBAndSetOuter"
	MethodRawDeleteSubDB            = "rawDeleteSubDB"
	MethodGetSubDBUserDataInner     = "getSubDBUserDataInner"
	MethodCreateOuter               = "createOuter"
	MethodPutLocation               = "putLocation"
	MethodDeleteSubDBOuter          = "deleteSubDBOuter"
	MethodGetByOuter                = "getByOuter"
	MethodGetOuter                  = "getOuter"
	MethodHasByOuter                = "hasByOuter"
	MethodHasSubDBByOuter           = "hasSubDBByOuter"
	MethodSubDBSizeByOuter          = "subDBSizeByOuter"
	MethodSubDBSizeOuterImpl        = "subDBSizeOuterImpl"
	MethodGetSubDBUserDataOuter     = "getSubDBUserDataOuter"
	MethodScanLimitOuter            = "scanLimitOuter"
	MethodSetOwners                 = "setOwners"
	MethodUpgrade                   = "upgrade"
)

// request carries the arguments of any partition call. Each method reads
// only the fields it needs.
type request struct {
	Cred     []byte            `msgpack:"cred,omitempty"`
	Inner    cluster.InnerKey  `msgpack:"inner"`
	Key      *cluster.InnerKey `msgpack:"key,omitempty"`
	Outer    cluster.OuterKey  `msgpack:"outer"`
	OuterRef cluster.OuterRef  `msgpack:"outerRef"`
	Ref      cluster.InnerRef  `msgpack:"ref"`
	SK       string            `msgpack:"sk"`
	Value    *value.Value      `msgpack:"value,omitempty"`
	HardCap  *int              `msgpack:"hardCap,omitempty"`
	UserData string            `msgpack:"userData"`
	Raw      *subdb.RawSubDB   `msgpack:"raw,omitempty"`
	Scan     subdb.ScanOptions `msgpack:"scan"`
	Owners   []string          `msgpack:"owners,omitempty"`
	Version  uint64            `msgpack:"version"`
}

// response carries the results of any partition call. A call that reached
// the partition answers 200 even when the partition returned an error, so
// that results reported alongside an error (the overflow flag of a rejected
// insert) survive the trip.
type response struct {
	Found     bool                   `msgpack:"found"`
	Overflow  bool                   `msgpack:"overflow"`
	Value     *value.Value           `msgpack:"value,omitempty"`
	Inner     cluster.InnerKey       `msgpack:"inner"`
	Ref       cluster.InnerRef       `msgpack:"ref"`
	N         int                    `msgpack:"n"`
	Text      string                 `msgpack:"text"`
	Raw       *subdb.RawSubDB        `msgpack:"raw,omitempty"`
	Scan      *subdb.ScanResult      `msgpack:"scan,omitempty"`
	Locations []cluster.Location     `msgpack:"locations,omitempty"`
	Keys      []cluster.InnerKey     `msgpack:"keys,omitempty"`
	Info      *partition.Info        `msgpack:"info,omitempty"`
	Err       *cluster.ErrorResponse `msgpack:"err,omitempty"`
}

func valuePtr(v value.Value, found bool) *value.Value {
	if !found || !v.IsValid() {
		return nil
	}
	return &v
}
