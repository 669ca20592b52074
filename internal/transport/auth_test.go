package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxis/a2a-fabric/internal/a2a"
	"github.com/praxis/a2a-fabric/internal/config"
)

const testSecret = "s3cret-signing-key"

func TestTokenAuthAcrossProtocols(t *testing.T) {
	srv := startServer(t, testSecret, echoHandler())
	good, err := SignToken([]byte(testSecret), "client-agent", time.Hour)
	require.NoError(t, err)
	forged, err := SignToken([]byte("other-secret"), "client-agent", time.Hour)
	require.NoError(t, err)

	for _, protocol := range []string{config.ProtocolHTTP, config.ProtocolWebSocket, config.ProtocolGRPC, config.ProtocolTCP} {
		t.Run(protocol, func(t *testing.T) {
			m := newTestManager(t, config.TransportLayerConfig{})

			cfg := profileFor(srv, protocol)
			cfg.Auth = config.AuthConfig{Type: config.AuthToken, Credentials: map[string]string{"token": good}}
			conn, err := m.Connect(context.Background(), "server-agent", cfg)
			require.NoError(t, err)
			_, err = m.SendMessage(context.Background(), conn.ID, request(t, "echo"))
			require.NoError(t, err)

			cfg.Auth.Credentials = map[string]string{"token": forged}
			_, err = m.Connect(context.Background(), "server-agent", cfg)
			require.Error(t, err)
			assert.True(t, a2a.IsKind(err, a2a.KindAuthenticationFailed), "got %v", err)

			cfg.Auth = config.AuthConfig{}
			_, err = m.Connect(context.Background(), "server-agent", cfg)
			require.Error(t, err)
			assert.True(t, a2a.IsKind(err, a2a.KindAuthenticationFailed), "got %v", err)
		})
	}
}

func TestExpiredTokenRejectedBeforeDial(t *testing.T) {
	expired, err := SignToken([]byte(testSecret), "client-agent", -time.Hour)
	require.NoError(t, err)

	_, err = resolveAuth(context.Background(), config.TransportConfig{
		Protocol: config.ProtocolHTTP,
		Host:     "127.0.0.1",
		Auth:     config.AuthConfig{Type: config.AuthToken, Credentials: map[string]string{"token": expired}},
	})
	require.Error(t, err)
	assert.True(t, a2a.IsKind(err, a2a.KindAuthenticationFailed))

	// Opaque tokens are left to the peer.
	m, err := resolveAuth(context.Background(), config.TransportConfig{
		Auth: config.AuthConfig{Type: config.AuthToken, Credentials: map[string]string{"token": "opaque"}},
	})
	require.NoError(t, err)
	header, err := m.authorizationHeader()
	require.NoError(t, err)
	assert.Equal(t, "Bearer opaque", header)
}

func TestOAuth2ClientCredentials(t *testing.T) {
	srv := startServer(t, testSecret, echoHandler())
	issued, err := SignToken([]byte(testSecret), "client-agent", time.Hour)
	require.NoError(t, err)

	var calls atomic.Int32
	tokenEndpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("grant_type") != "client_credentials" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		id, secret, ok := r.BasicAuth()
		if !ok {
			id, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
		}
		if id != "fabric" || secret != "pw" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_client"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": issued,
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	}))
	defer tokenEndpoint.Close()

	m := newTestManager(t, config.TransportLayerConfig{})
	cfg := profileFor(srv, config.ProtocolHTTP)
	cfg.Auth = config.AuthConfig{Type: config.AuthOAuth2, Credentials: map[string]string{
		"client_id":     "fabric",
		"client_secret": "pw",
		"token_url":     tokenEndpoint.URL,
	}}
	conn, err := m.Connect(context.Background(), "server-agent", cfg)
	require.NoError(t, err)
	_, err = m.SendMessage(context.Background(), conn.ID, request(t, "echo"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls.Load(), int32(1))

	cfg.Auth.Credentials["client_secret"] = "wrong"
	_, err = m.Connect(context.Background(), "server-agent", cfg)
	require.Error(t, err)
	assert.True(t, a2a.IsKind(err, a2a.KindAuthenticationFailed), "got %v", err)
}

func TestVerifyBearer(t *testing.T) {
	tok, err := SignToken([]byte(testSecret), "agent-7", time.Minute)
	require.NoError(t, err)

	sub, err := verifyBearer([]byte(testSecret), "Bearer "+tok)
	require.NoError(t, err)
	assert.Equal(t, "agent-7", sub)

	_, err = verifyBearer([]byte(testSecret), tok)
	assert.True(t, a2a.IsKind(err, a2a.KindAuthenticationFailed))
	_, err = verifyBearer([]byte("nope"), "Bearer "+tok)
	assert.True(t, a2a.IsKind(err, a2a.KindAuthenticationFailed))
}

func TestCertificateAuthMissingFiles(t *testing.T) {
	_, err := resolveAuth(context.Background(), config.TransportConfig{
		Protocol: config.ProtocolTCP,
		Host:     "127.0.0.1",
		Auth: config.AuthConfig{Type: config.AuthCertificate, Credentials: map[string]string{
			"cert": "/nonexistent/cert.pem",
			"key":  "/nonexistent/key.pem",
		}},
	})
	require.Error(t, err)
	assert.True(t, a2a.IsKind(err, a2a.KindCertificateInvalid))
}
