package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/disposer"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/transport"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/transport/dto"
)

var (
	_ transport.ClusterCommunicator = (*ClusterClient)(nil)
	_ disposer.Releaser             = (*Releaser)(nil)
)

// ClusterClient implements ClusterCommunicator over HTTP JSON.
type ClusterClient struct {
	*client
}

// NewClusterClient creates a client for executor clusters.
func NewClusterClient(opts Options) (*ClusterClient, error) {
	c, err := newClient(opts)
	if err != nil {
		return nil, err
	}
	return &ClusterClient{client: c}, nil
}

func (c *ClusterClient) UtilizeAgent(ctx context.Context, baseURL string, msg *dto.UtilizeAgent) error {
	url := strings.TrimRight(baseURL, "/") + APIPrefix + "/utilizeAgent"
	return c.call(ctx, "utilizeAgent", http.MethodPost, url, msg, nil)
}

func (c *ClusterClient) Discover(ctx context.Context, baseURL string, req *dto.DiscoverRequest) (*dto.DiscoverResponse, error) {
	url := strings.TrimRight(baseURL, "/") + APIPrefix + "/discover"
	var resp dto.DiscoverResponse
	if err := c.call(ctx, "discover", http.MethodPost, url, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Releaser posts disposal tokens to an inventory backend.
type Releaser struct {
	*client
	url string
}

// NewReleaser creates a Releaser posting to url.
func NewReleaser(url string, opts Options) (*Releaser, error) {
	c, err := newClient(opts)
	if err != nil {
		return nil, err
	}
	return &Releaser{client: c, url: url}, nil
}

// ReleaseToInventory implements disposer.Releaser.
func (r *Releaser) ReleaseToInventory(ctx context.Context, t disposer.Token) error {
	return r.call(ctx, "releaseToInventory", http.MethodPost, r.url, t, nil)
}
