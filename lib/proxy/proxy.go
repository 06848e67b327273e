// Package proxy implements the poolable outbound proxy: an HTTP client
// whose requests are routed through one upstream proxy. Descriptors beyond
// the pool's size wait as backups until an active proxy is discarded.
package proxy

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-i2p/psnpool/lib/resilience"
)

// Descriptor names one upstream proxy.
type Descriptor struct {
	// Address is the proxy URL, e.g. "http://10.0.0.1:3128".
	Address string `json:"address" yaml:"address" toml:"address"`
	// Username and Password are sent as basic proxy credentials when set.
	Username string `json:"username,omitempty" yaml:"username,omitempty" toml:"username,omitempty"`
	Password string `json:"-" yaml:"password,omitempty" toml:"password,omitempty"`
}

// String returns the address without credentials.
func (d Descriptor) String() string {
	return d.Address
}

// URL parses the descriptor into a proxy URL carrying its credentials.
func (d Descriptor) URL() (*url.URL, error) {
	u, err := url.Parse(d.Address)
	if err != nil {
		return nil, fmt.Errorf("proxy: invalid address %q: %w", d.Address, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("proxy: invalid address %q: missing scheme or host", d.Address)
	}
	if d.Username != "" {
		u.User = url.UserPassword(d.Username, d.Password)
	}
	return u, nil
}

// errProxyAuth is recorded when the proxy refuses our credentials.
var errProxyAuth = errors.New("proxy: authentication required")

// Client is a connected proxy.
type Client struct {
	desc      Descriptor
	http      *http.Client
	transport *http.Transport
	breaker   *resilience.Breaker
}

func newClient(d Descriptor, timeout time.Duration, breaker *resilience.Breaker) (*Client, error) {
	u, err := d.URL()
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		Proxy: http.ProxyURL(u),
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	return &Client{
		desc:      d,
		http:      &http.Client{Transport: transport, Timeout: timeout},
		transport: transport,
		breaker:   breaker,
	}, nil
}

// Descriptor returns the proxy this client routes through.
func (c *Client) Descriptor() Descriptor {
	return c.desc
}

// HTTP returns the underlying client. Requests made through it directly
// are not recorded on the proxy's breaker.
func (c *Client) HTTP() *http.Client {
	return c.http
}

// Do sends req through the proxy and records transport failures against it.
// A proxy whose breaker is open is not dialed at all.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.breaker != nil && !c.breaker.Allow() {
		return nil, fmt.Errorf("proxy: %s: %w", c.desc, resilience.ErrCircuitOpen)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.record(err)
		return nil, err
	}
	if resp.StatusCode == http.StatusProxyAuthRequired {
		c.record(errProxyAuth)
	} else {
		c.record(nil)
	}
	return resp, nil
}

func (c *Client) record(err error) {
	if c.breaker != nil {
		c.breaker.Record(err)
	}
}

// Tripped reports whether the proxy's breaker gave up on it.
func (c *Client) Tripped() bool {
	return c.breaker != nil && c.breaker.Tripped()
}

func (c *Client) close() {
	c.transport.CloseIdleConnections()
}
