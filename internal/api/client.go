package api

import (
	"context"
	"strings"
	"time"

	"github.com/dreamware/subdb/internal/cluster"
	"github.com/dreamware/subdb/internal/index"
	"github.com/dreamware/subdb/internal/subdb"
	"github.com/dreamware/subdb/internal/value"
)

// Client calls a coordinator. Errors the coordinator reports come back as
// their dberr sentinels, so callers can match them with errors.Is.
type Client struct {
	base  string
	relay *cluster.Relay
}

// NewClient returns a client for the coordinator at base, e.g.
// "http://localhost:8080".
func NewClient(base string, timeout time.Duration, maxRetries uint64) *Client {
	return &Client{
		base:  strings.TrimRight(base, "/"),
		relay: cluster.NewRelay(timeout, maxRetries),
	}
}

func (c *Client) post(ctx context.Context, path string, req, out any) error {
	return c.relay.Post(ctx, c.base+path, req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.relay.Get(ctx, c.base+path, out)
}

// Health reports whether the coordinator answers.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/health", nil)
}

// Init sets the first owners. An empty list means the coordinator's
// configured owners.
func (c *Client) Init(ctx context.Context, owners []string) error {
	return c.post(ctx, "/init", InitRequest{Owners: owners}, nil)
}

// Owners returns the current owner identities.
func (c *Client) Owners(ctx context.Context) ([]string, error) {
	var resp OwnersResponse
	err := c.get(ctx, "/owners", &resp)
	return resp.Owners, err
}

// SetOwners replaces the owner set. cred must belong to a current owner.
func (c *Client) SetOwners(ctx context.Context, cred []byte, owners []string) error {
	return c.post(ctx, "/owners", OwnersRequest{Cred: cred, Owners: owners}, nil)
}

// CreatePartition provisions an empty partition.
func (c *Client) CreatePartition(ctx context.Context, cred []byte) (cluster.PartitionID, error) {
	var resp cluster.CreatePartitionResponse
	err := c.post(ctx, "/createPartition", CredRequest{Cred: cred}, &resp)
	return resp.ID, err
}

// CreateSubDB creates a sub-database and returns both its references.
func (c *Client) CreateSubDB(ctx context.Context, cred []byte, userData string, hardCap *int) (cluster.Refs, error) {
	var refs cluster.Refs
	err := c.post(ctx, "/createSubDB", CreateSubDBRequest{Cred: cred, UserData: userData, HardCap: hardCap}, &refs)
	return refs, err
}

// Insert writes sk in the sub-database and returns where it lives now.
func (c *Client) Insert(ctx context.Context, cred []byte, ref cluster.OuterRef, sk string, v value.Value, hardCap *int) (cluster.InnerRef, error) {
	var resp InsertResponse
	err := c.post(ctx, "/insert", InsertRequest{Cred: cred, Ref: ref, SK: sk, Value: v, HardCap: hardCap}, &resp)
	return resp.Inner, err
}

// Get reads sk. Absence is reported with found false, not an error.
func (c *Client) Get(ctx context.Context, ref cluster.OuterRef, sk string) (value.Value, bool, error) {
	var resp GetResponse
	if err := c.post(ctx, "/get", KeyRequest{Ref: ref, SK: sk}, &resp); err != nil {
		return value.Value{}, false, err
	}
	if !resp.Found || resp.Value == nil {
		return value.Value{}, false, nil
	}
	return *resp.Value, true, nil
}

// Has reports whether sk is present.
func (c *Client) Has(ctx context.Context, ref cluster.OuterRef, sk string) (bool, error) {
	var resp HasResponse
	err := c.post(ctx, "/has", KeyRequest{Ref: ref, SK: sk}, &resp)
	return resp.Found, err
}

// HasSubDB reports whether ref names a live sub-database.
func (c *Client) HasSubDB(ctx context.Context, ref cluster.OuterRef) (bool, error) {
	var resp HasResponse
	err := c.post(ctx, "/hasSubDB", KeyRequest{Ref: ref}, &resp)
	return resp.Found, err
}

// Scan fetches one page; pass the result to ScanOptions.Next for the next.
func (c *Client) Scan(ctx context.Context, ref cluster.OuterRef, opts subdb.ScanOptions) (subdb.ScanResult, error) {
	var res subdb.ScanResult
	err := c.post(ctx, "/scan", ScanRequest{Ref: ref, Options: opts}, &res)
	return res, err
}

// Size returns the number of entries behind ref.
func (c *Client) Size(ctx context.Context, ref cluster.OuterRef) (int, bool, error) {
	var resp SizeResponse
	err := c.post(ctx, "/size", KeyRequest{Ref: ref}, &resp)
	return resp.Size, resp.Found, err
}

// UserData returns the user data ref was created with.
func (c *Client) UserData(ctx context.Context, ref cluster.OuterRef) (string, bool, error) {
	var resp UserDataResponse
	err := c.post(ctx, "/userData", KeyRequest{Ref: ref}, &resp)
	return resp.UserData, resp.Found, err
}

// Delete removes sk. Deleting an absent key succeeds.
func (c *Client) Delete(ctx context.Context, cred []byte, ref cluster.OuterRef, sk string) error {
	return c.post(ctx, "/delete", KeyRequest{Cred: cred, Ref: ref, SK: sk}, nil)
}

// DeleteSubDB deletes the sub-database and retires ref.
func (c *Client) DeleteSubDB(ctx context.Context, cred []byte, ref cluster.OuterRef) error {
	return c.post(ctx, "/deleteSubDB", KeyRequest{Cred: cred, Ref: ref}, nil)
}

// Upgrade upgrades the partitions at positions [start, end). Failures of
// single partitions are in the report, not the error.
func (c *Client) Upgrade(ctx context.Context, cred []byte, start, end int, version uint64) (index.UpgradeReport, error) {
	var rep index.UpgradeReport
	err := c.post(ctx, "/upgrade", UpgradeRequest{Cred: cred, Start: start, End: end, Version: version}, &rep)
	return rep, err
}

// Stream locates the items stream sub-databases.
func (c *Client) Stream(ctx context.Context) (index.ItemsStream, bool, error) {
	var resp StreamResponse
	if err := c.get(ctx, "/stream", &resp); err != nil {
		return index.ItemsStream{}, false, err
	}
	return index.ItemsStream{Order: resp.Order, Reverse: resp.Reverse}, resp.Found, nil
}

// Integrity runs the coordinator's consistency check.
func (c *Client) Integrity(ctx context.Context) (index.IntegrityReport, error) {
	var rep index.IntegrityReport
	err := c.get(ctx, "/integrity", &rep)
	return rep, err
}

// Nodes lists registered nodes with their health.
func (c *Client) Nodes(ctx context.Context) ([]NodeStatus, error) {
	var resp NodesResponse
	err := c.get(ctx, "/nodes", &resp)
	return resp.Nodes, err
}

// Partitions lists partitions, their placement and which are unavailable.
func (c *Client) Partitions(ctx context.Context) (PartitionsResponse, error) {
	var resp PartitionsResponse
	err := c.get(ctx, "/partitions", &resp)
	return resp, err
}
