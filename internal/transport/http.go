package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/praxis/a2a-fabric/internal/a2a"
	"github.com/praxis/a2a-fabric/internal/config"
)

type httpTransport struct {
	cfg     config.TransportConfig
	auth    *authMaterial
	counter byteCounter

	client  *http.Client
	baseURL string
	alive   atomic.Bool
}

func newHTTPTransport(cfg config.TransportConfig, auth *authMaterial, counter byteCounter) *httpTransport {
	scheme := "http"
	if cfg.Secure {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: hostPort(cfg), Path: basePath(cfg.Path)}

	rt := http.DefaultTransport.(*http.Transport).Clone()
	rt.TLSClientConfig = auth.tlsConfig()
	rt.DisableCompression = !cfg.Compression
	if !cfg.KeepAlive {
		rt.IdleConnTimeout = timeoutOf(cfg)
	}

	return &httpTransport{
		cfg:     cfg,
		auth:    auth,
		counter: counter,
		client:  &http.Client{Transport: rt},
		baseURL: u.String(),
	}
}

func (t *httpTransport) Protocol() string { return config.ProtocolHTTP }

func (t *httpTransport) do(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	authz, err := t.auth.authorizationHeader()
	if err != nil {
		return nil, err
	}
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	t.counter.AddBytes("out", len(body))
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		return nil, a2a.Errorf(a2a.KindAuthenticationFailed, "%s %s rejected: %s", method, target, resp.Status)
	}
	return resp, nil
}

// Connect checks the endpoint with HEAD so reachability and credentials are
// checked before the connection is handed out.
func (t *httpTransport) Connect(ctx context.Context) error {
	resp, err := t.do(ctx, http.MethodHead, t.baseURL, nil)
	if err != nil {
		return connectFailure(t.Protocol(), t.baseURL, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return a2a.Errorf(a2a.KindHTTPConnectFailed, "HEAD %s: %s", t.baseURL, resp.Status)
	}
	t.alive.Store(true)
	return nil
}

func (t *httpTransport) Send(ctx context.Context, msg *a2a.Message) (*a2a.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, a2a.Wrap(a2a.KindInvalidJSONRPCFormat, err, "encode %s", msg.ID)
	}
	resp, err := t.do(ctx, http.MethodPost, t.baseURL, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageSize))
	if err != nil {
		return nil, err
	}
	t.counter.AddBytes("in", len(data))
	if resp.StatusCode != http.StatusOK {
		return nil, a2a.Errorf(a2a.KindHTTPConnectFailed, "POST %s: %s", t.baseURL, resp.Status)
	}

	var out a2a.Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, a2a.Wrap(a2a.KindInvalidJSONRPCFormat, err, "decode response to %s", msg.ID)
	}
	return &out, nil
}

func (t *httpTransport) Notify(ctx context.Context, msg *a2a.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return a2a.Wrap(a2a.KindInvalidJSONRPCFormat, err, "encode %s", msg.ID)
	}
	resp, err := t.do(ctx, http.MethodPost, t.baseURL+notifySuffix, body)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s%s: %s", t.baseURL, notifySuffix, resp.Status)
	}
	return nil
}

func (t *httpTransport) Ping(ctx context.Context) error {
	resp, err := t.do(ctx, http.MethodHead, t.baseURL, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("HEAD %s: %s", t.baseURL, resp.Status)
	}
	return nil
}

// Connected is true until Close; HTTP has no persistent session to lose.
func (t *httpTransport) Connected() bool { return t.alive.Load() }

func (t *httpTransport) RemoteAddr() string { return t.baseURL }

func (t *httpTransport) Close() error {
	t.alive.Store(false)
	t.client.CloseIdleConnections()
	return nil
}
