package transport

import (
	"context"
	"net/url"

	"github.com/pkg/errors"

	"github.com/dreamware/subdb/internal/auth"
	"github.com/dreamware/subdb/internal/cluster"
	"github.com/dreamware/subdb/internal/dberr"
	"github.com/dreamware/subdb/internal/partition"
	"github.com/dreamware/subdb/internal/subdb"
	"github.com/dreamware/subdb/internal/value"
)

var _ partition.Client = (*PartitionClient)(nil)

// PartitionClient is a partition.Client for a partition hosted on another
// node. Every call is one msgpack POST to the node's RPC handler.
type PartitionClient struct {
	id    cluster.PartitionID
	addr  string
	relay *cluster.Relay
	// stale runs when a call cannot get through to the node
	stale func()
}

// NewPartitionClient returns a client for partition id on the node at addr
// (scheme and host, no trailing slash).
func NewPartitionClient(id cluster.PartitionID, addr string, relay *cluster.Relay) *PartitionClient {
	return &PartitionClient{id: id, addr: addr, relay: relay}
}

// ID implements partition.Client.
func (c *PartitionClient) ID() cluster.PartitionID { return c.id }

func (c *PartitionClient) call(ctx context.Context, method string, req request) (response, error) {
	var resp response
	u := c.addr + "/p/" + url.PathEscape(string(c.id)) + "/rpc/" + method
	if err := c.relay.Post(ctx, u, req, &resp); err != nil {
		if c.stale != nil && dberr.IsRetryable(err) {
			c.stale()
		}
		return response{}, err
	}
	if resp.Err != nil {
		return resp, dberr.FromCode(resp.Err.Code, resp.Err.Message)
	}
	return resp, nil
}

func valueOf(resp response) (value.Value, bool) {
	if !resp.Found || resp.Value == nil {
		return value.Value{}, false
	}
	return *resp.Value, true
}

// GetByInner implements partition.Client.
func (c *PartitionClient) GetByInner(ctx context.Context, key cluster.InnerKey, sk string) (value.Value, bool, error) {
	resp, err := c.call(ctx, MethodGetByInner, request{Inner: key, SK: sk})
	if err != nil {
		return value.Value{}, false, err
	}
	v, ok := valueOf(resp)
	return v, ok, nil
}

// HasByInner implements partition.Client.
func (c *PartitionClient) HasByInner(ctx context.Context, key cluster.InnerKey, sk string) (bool, error) {
	resp, err := c.call(ctx, MethodHasByInner, request{Inner: key, SK: sk})
	return resp.Found, err
}

// HasSubDBByInner implements partition.Client.
func (c *PartitionClient) HasSubDBByInner(ctx context.Context, key cluster.InnerKey) (bool, error) {
	resp, err := c.call(ctx, MethodHasSubDBByInner, request{Inner: key})
	return resp.Found, err
}

// SubDBSizeByInner implements partition.Client.
func (c *PartitionClient) SubDBSizeByInner(ctx context.Context, key cluster.InnerKey) (int, bool, error) {
	resp, err := c.call(ctx, MethodSubDBSizeByInner, request{Inner: key})
	return resp.N, resp.Found, err
}

// SuperDBSize implements partition.Client.
func (c *PartitionClient) SuperDBSize(ctx context.Context) (int, error) {
	resp, err := c.call(ctx, MethodSuperDBSize, request{})
	return resp.N, err
}

// IsOverflowed implements partition.Client.
func (c *PartitionClient) IsOverflowed(ctx context.Context) (bool, error) {
	resp, err := c.call(ctx, MethodIsOverflowed, request{})
	return resp.Overflow, err
}

// RawGetSubDB implements partition.Client.
func (c *PartitionClient) RawGetSubDB(ctx context.Context, key cluster.InnerKey) (subdb.RawSubDB, bool, error) {
	resp, err := c.call(ctx, MethodRawGetSubDB, request{Inner: key})
	if err != nil || !resp.Found || resp.Raw == nil {
		return subdb.RawSubDB{}, false, err
	}
	return *resp.Raw, true, nil
}

func scanOf(resp response) subdb.ScanResult {
	if resp.Scan == nil {
		return subdb.ScanResult{Results: []subdb.Entry{}}
	}
	if resp.Scan.Results == nil {
		resp.Scan.Results = []subdb.Entry{}
	}
	return *resp.Scan
}

// ScanLimitInner implements partition.Client.
func (c *PartitionClient) ScanLimitInner(ctx context.Context, key cluster.InnerKey, opts subdb.ScanOptions) (subdb.ScanResult, error) {
	resp, err := c.call(ctx, MethodScanLimitInner, request{Inner: key, Scan: opts})
	if err != nil {
		return subdb.ScanResult{}, err
	}
	return scanOf(resp), nil
}

// ScanSubDBs implements partition.Client.
func (c *PartitionClient) ScanSubDBs(ctx context.Context) ([]cluster.Location, error) {
	resp, err := c.call(ctx, MethodScanSubDBs, request{})
	return resp.Locations, err
}

// InnerKeys implements partition.Client.
func (c *PartitionClient) InnerKeys(ctx context.Context) ([]cluster.InnerKey, error) {
	resp, err := c.call(ctx, MethodInnerKeys, request{})
	return resp.Keys, err
}

// GetInner implements partition.Client.
func (c *PartitionClient) GetInner(ctx context.Context, outer cluster.OuterKey) (cluster.InnerRef, bool, error) {
	resp, err := c.call(ctx, MethodGetInner, request{Outer: outer})
	return resp.Ref, resp.Found, err
}

// Info implements partition.Client.
func (c *PartitionClient) Info(ctx context.Context) (partition.Info, error) {
	resp, err := c.call(ctx, MethodInfo, request{})
	if err != nil || resp.Info == nil {
		return partition.Info{ID: c.id}, err
	}
	return *resp.Info, nil
}

// CreateSubDB implements partition.Client.
func (c *PartitionClient) CreateSubDB(ctx context.Context, cred []byte, userData string, hardCap *int) (cluster.InnerKey, error) {
	resp, err := c.call(ctx, MethodCreateSubDB, request{Cred: cred, UserData: userData, HardCap: hardCap})
	return resp.Inner, err
}

// InsertInner implements partition.Client.
func (c *PartitionClient) InsertInner(ctx context.Context, cred []byte, key cluster.InnerKey, sk string, v value.Value, hardCap *int) (bool, error) {
	if !v.IsValid() {
		return false, errors.Wrapf(dberr.ErrMalformedValue, "insert %q", sk)
	}
	resp, err := c.call(ctx, MethodInsertInner, request{Cred: cred, Inner: key, SK: sk, Value: &v, HardCap: hardCap})
	return resp.Overflow, err
}

// DeleteInner implements partition.Client.
func (c *PartitionClient) DeleteInner(ctx context.Context, cred []byte, key cluster.InnerKey, sk string) error {
	_, err := c.call(ctx, MethodDeleteInner, request{Cred: cred, Inner: key, SK: sk})
	return err
}

// DeleteSubDBInner implements partition.Client.
func (c *PartitionClient) DeleteSubDBInner(ctx context.Context, cred []byte, key cluster.InnerKey) error {
	_, err := c.call(ctx, MethodDeleteSubDBInner, request{Cred: cred, Inner: key})
	return err
}

// RawInsertSubDB implements partition.Client.
func (c *PartitionClient) RawInsertSubDB(ctx context.Context, cred []byte, raw subdb.RawSubDB, key *cluster.InnerKey) (cluster.InnerKey, error) {
	resp, err := c.call(ctx, MethodRawInsertSubDB, request{Cred: cred, Raw: &raw, Key: key})
	return resp.Inner, err
}

// RawInsertSubDBAndSetOuter implements partition.Client.
func (c *PartitionClient) RawInsertSubDBAndSetOuter(ctx context.Context, cred []byte, raw subdb.RawSubDB, key *cluster.InnerKey, outer cluster.OuterKey) (cluster.InnerKey, error) {
	resp, err := c.call(ctx, MethodRawInsertSubDBAndSetOuter, request{Cred: cred, Raw: &raw, Key: key, Outer: outer})
	return resp.Inner, err
}

// RawDeleteSubDB implements partition.Client.
func (c *PartitionClient) RawDeleteSubDB(ctx context.Context, cred []byte, key cluster.InnerKey) error {
	_, err := c.call(ctx, MethodRawDeleteSubDB, request{Cred: cred, Inner: key})
	return err
}

// GetSubDBUserDataInner implements partition.Client.
func (c *PartitionClient) GetSubDBUserDataInner(ctx context.Context, cred []byte, key cluster.InnerKey) (string, bool, error) {
	resp, err := c.call(ctx, MethodGetSubDBUserDataInner, request{Cred: cred, Inner: key})
	return resp.Text, resp.Found, err
}

// CreateOuter implements partition.Client.
func (c *PartitionClient) CreateOuter(ctx context.Context, cred []byte, outer cluster.OuterKey, inner cluster.InnerRef) error {
	_, err := c.call(ctx, MethodCreateOuter, request{Cred: cred, Outer: outer, Ref: inner})
	return err
}

// PutLocation implements partition.Client.
func (c *PartitionClient) PutLocation(ctx context.Context, cred []byte, outer cluster.OuterKey, inner cluster.InnerRef) error {
	_, err := c.call(ctx, MethodPutLocation, request{Cred: cred, Outer: outer, Ref: inner})
	return err
}

// DeleteSubDBOuter implements partition.Client.
func (c *PartitionClient) DeleteSubDBOuter(ctx context.Context, cred []byte, outer cluster.OuterKey) error {
	_, err := c.call(ctx, MethodDeleteSubDBOuter, request{Cred: cred, Outer: outer})
	return err
}

// GetByOuter implements partition.Client.
func (c *PartitionClient) GetByOuter(ctx context.Context, cred []byte, outer cluster.OuterKey, sk string) (value.Value, bool, error) {
	resp, err := c.call(ctx, MethodGetByOuter, request{Cred: cred, Outer: outer, SK: sk})
	if err != nil {
		return value.Value{}, false, err
	}
	v, ok := valueOf(resp)
	return v, ok, nil
}

// GetOuter implements partition.Client.
func (c *PartitionClient) GetOuter(ctx context.Context, cred []byte, ref cluster.OuterRef, sk string) (value.Value, bool, error) {
	resp, err := c.call(ctx, MethodGetOuter, request{Cred: cred, OuterRef: ref, SK: sk})
	if err != nil {
		return value.Value{}, false, err
	}
	v, ok := valueOf(resp)
	return v, ok, nil
}

// HasByOuter implements partition.Client.
func (c *PartitionClient) HasByOuter(ctx context.Context, cred []byte, outer cluster.OuterKey, sk string) (bool, error) {
	resp, err := c.call(ctx, MethodHasByOuter, request{Cred: cred, Outer: outer, SK: sk})
	return resp.Found, err
}

// HasSubDBByOuter implements partition.Client.
func (c *PartitionClient) HasSubDBByOuter(ctx context.Context, cred []byte, outer cluster.OuterKey) (bool, error) {
	resp, err := c.call(ctx, MethodHasSubDBByOuter, request{Cred: cred, Outer: outer})
	return resp.Found, err
}

// SubDBSizeByOuter implements partition.Client.
func (c *PartitionClient) SubDBSizeByOuter(ctx context.Context, cred []byte, outer cluster.OuterKey) (int, bool, error) {
	resp, err := c.call(ctx, MethodSubDBSizeByOuter, request{Cred: cred, Outer: outer})
	return resp.N, resp.Found, err
}

// SubDBSizeOuterImpl implements partition.Client.
func (c *PartitionClient) SubDBSizeOuterImpl(ctx context.Context, cred []byte, ref cluster.OuterRef) (int, bool, error) {
	resp, err := c.call(ctx, MethodSubDBSizeOuterImpl, request{Cred: cred, OuterRef: ref})
	return resp.N, resp.Found, err
}

// GetSubDBUserDataOuter implements partition.Client.
func (c *PartitionClient) GetSubDBUserDataOuter(ctx context.Context, cred []byte, outer cluster.OuterKey) (string, bool, error) {
	resp, err := c.call(ctx, MethodGetSubDBUserDataOuter, request{Cred: cred, Outer: outer})
	return resp.Text, resp.Found, err
}

// ScanLimitOuter implements partition.Client.
func (c *PartitionClient) ScanLimitOuter(ctx context.Context, cred []byte, outer cluster.OuterKey, opts subdb.ScanOptions) (subdb.ScanResult, error) {
	resp, err := c.call(ctx, MethodScanLimitOuter, request{Cred: cred, Outer: outer, Scan: opts})
	if err != nil {
		return subdb.ScanResult{}, err
	}
	return scanOf(resp), nil
}

// SetOwners implements partition.Client.
func (c *PartitionClient) SetOwners(ctx context.Context, cred []byte, owners []auth.Identity) error {
	_, err := c.call(ctx, MethodSetOwners, request{Cred: cred, Owners: auth.Strings(owners)})
	return err
}

// Upgrade implements partition.Client.
func (c *PartitionClient) Upgrade(ctx context.Context, cred []byte, version uint64) error {
	_, err := c.call(ctx, MethodUpgrade, request{Cred: cred, Version: version})
	return err
}
