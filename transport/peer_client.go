package transport

import (
	"bytes"
	"context"
	"io/ioutil"
	"net"
	"net/http"
	"time"

	. "github.com/PelionIoT/chanmesh/logging"
	"github.com/PelionIoT/chanmesh/pool"
)

const (
	DefaultRequestTimeout      = time.Second * 10
	DefaultDialTimeout         = time.Second * 2
	DefaultMaxIdleConnsPerHost = 16
)

type PeerClientConfig struct {
	Timeout             time.Duration
	DialTimeout         time.Duration
	MaxIdleConnsPerHost int
	// Headers are attached to every request sent through clients in the pool
	Headers map[string]string
}

func (config *PeerClientConfig) setDefaults() {
	if config.Timeout == 0 {
		config.Timeout = DefaultRequestTimeout
	}

	if config.DialTimeout == 0 {
		config.DialTimeout = DefaultDialTimeout
	}

	if config.MaxIdleConnsPerHost == 0 {
		config.MaxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
	}
}

// PeerClient is a reusable connection to one peer address. It keeps its own
// set of keep-alive connections and is safe for concurrent use.
type PeerClient struct {
	address    string
	httpClient *http.Client
	headers    map[string]string
}

// Dial builds a PeerClient for address. The address is dialed once so that an
// unreachable peer is reported at build time instead of on first use.
func Dial(ctx context.Context, address string, config PeerClientConfig) (*PeerClient, error) {
	config.setDefaults()

	dialer := &net.Dialer{
		Timeout:   config.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	conn, err := dialer.DialContext(ctx, "tcp", address)

	if err != nil {
		prometheusRecordDial(address, false)

		return nil, &NetworkError{Address: address, Err: err}
	}

	conn.Close()
	prometheusRecordDial(address, true)

	Log.Debugf("Built peer client for %s", address)

	return &PeerClient{
		address: address,
		headers: config.Headers,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				MaxIdleConnsPerHost: config.MaxIdleConnsPerHost,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

// NewPeerPool returns a pool that lazily dials one PeerClient per address.
func NewPeerPool(config PeerClientConfig) *pool.Pool[*PeerClient] {
	config.setDefaults()

	peerPool := pool.New[*PeerClient](func(ctx context.Context, address string) (*PeerClient, error) {
		return Dial(ctx, address, config)
	})

	peerPool.SetBuildTimeout(config.DialTimeout)

	return peerPool
}

func (peerClient *PeerClient) Address() string {
	return peerClient.address
}

func (peerClient *PeerClient) URL(endpoint string) string {
	return "http://" + peerClient.address + endpoint
}

func (peerClient *PeerClient) Post(ctx context.Context, endpoint string, body []byte) ([]byte, error) {
	return peerClient.sendRequest(ctx, "POST", endpoint, body)
}

func (peerClient *PeerClient) Get(ctx context.Context, endpoint string) ([]byte, error) {
	return peerClient.sendRequest(ctx, "GET", endpoint, nil)
}

func (peerClient *PeerClient) Delete(ctx context.Context, endpoint string) ([]byte, error) {
	return peerClient.sendRequest(ctx, "DELETE", endpoint, nil)
}

func (peerClient *PeerClient) sendRequest(ctx context.Context, httpVerb string, endpoint string, body []byte) ([]byte, error) {
	request, err := http.NewRequest(httpVerb, peerClient.URL(endpoint), bytes.NewReader(body))

	if err != nil {
		return nil, err
	}

	request = request.WithContext(ctx)

	for header, value := range peerClient.headers {
		request.Header.Set(header, value)
	}

	resp, err := peerClient.httpClient.Do(request)

	if err != nil {
		if netErr, ok := err.(net.Error); (ok && netErr.Timeout()) || ctx.Err() == context.DeadlineExceeded {
			return nil, &NetworkError{Address: peerClient.address, Err: ETimeout}
		}

		return nil, &NetworkError{Address: peerClient.address, Err: err}
	}

	defer resp.Body.Close()

	responseBody, err := ioutil.ReadAll(resp.Body)

	if err != nil {
		return nil, &NetworkError{Address: peerClient.address, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newRemoteError(peerClient.address, resp.StatusCode, responseBody)
	}

	return responseBody, nil
}
