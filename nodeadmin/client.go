package nodeadmin

import (
	"context"
	"net/http"
	"net/url"

	"github.com/ryedb/shardadmin/pkg/adminhttp"
	"github.com/ryedb/shardadmin/topology"
)

type HTTPClientOptions struct {
	HTTPClient *http.Client
}

type HTTPClient struct {
	client *adminhttp.Client
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(opts HTTPClientOptions) *HTTPClient {
	return &HTTPClient{
		client: adminhttp.NewClient(adminhttp.ClientOptions{
			HTTPClient: opts.HTTPClient,
		}),
	}
}

func dbPath(db string) string {
	return "/v1/dbs/" + url.PathEscape(db)
}

func (c *HTTPClient) Handshake(ctx context.Context, addr topology.NodeAddr) (topology.Handshake, error) {
	var resp HandshakeResponse
	err := c.client.Do(ctx, http.MethodGet, addr.String(), "/v1/handshake", nil, &resp)
	if err != nil {
		return topology.Handshake{}, err
	}

	return topology.Handshake{
		Addr:    addr,
		Version: resp.Version,
		Status:  resp.Status,
	}, nil
}

func (c *HTTPClient) ListInstances(ctx context.Context, addr topology.NodeAddr) ([]topology.Instance, error) {
	var resp InstancesResponse
	err := c.client.Do(ctx, http.MethodGet, addr.String(), "/v1/instances", nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Instances, nil
}

func (c *HTTPClient) PushFile(ctx context.Context, addr topology.NodeAddr, name string, data []byte) error {
	return c.client.Do(ctx, http.MethodPost, addr.String(), "/v1/files", &PushFileRequest{
		Name: name,
		Data: data,
	}, nil)
}

func (c *HTTPClient) RemoveFile(ctx context.Context, addr topology.NodeAddr, name string) error {
	return c.client.Do(ctx, http.MethodDelete, addr.String(), "/v1/files/"+url.PathEscape(name), nil, nil)
}

func (c *HTTPClient) CreateDbDir(ctx context.Context, addr topology.NodeAddr, db string) error {
	return c.client.Do(ctx, http.MethodPost, addr.String(), dbPath(db), nil, nil)
}

func (c *HTTPClient) RemoveDbDir(ctx context.Context, addr topology.NodeAddr, db string) error {
	return c.client.Do(ctx, http.MethodDelete, addr.String(), dbPath(db), nil, nil)
}

func (c *HTTPClient) StartInstance(ctx context.Context, addr topology.NodeAddr, req StartInstanceRequest) error {
	return c.client.Do(ctx, http.MethodPost, addr.String(), dbPath(req.LocalDbName)+"/instance", &req, nil)
}

func (c *HTTPClient) StopInstance(ctx context.Context, addr topology.NodeAddr, db string) error {
	return c.client.Do(ctx, http.MethodDelete, addr.String(), dbPath(db)+"/instance", nil, nil)
}
