package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/praxis/a2a-fabric/internal/a2a"
	"github.com/praxis/a2a-fabric/internal/config"
)

// authMaterial is what a transport presents to its peer.
type authMaterial struct {
	tls         *tls.Config
	tokenSource oauth2.TokenSource
}

func (a *authMaterial) tlsConfig() *tls.Config {
	if a == nil {
		return nil
	}
	return a.tls
}

// bearer returns the current bearer token, "" when the profile carries none.
func (a *authMaterial) bearer() (string, error) {
	if a == nil || a.tokenSource == nil {
		return "", nil
	}
	tok, err := a.tokenSource.Token()
	if err != nil {
		return "", a2a.Wrap(a2a.KindAuthenticationFailed, err, "obtain bearer token")
	}
	return tok.AccessToken, nil
}

func (a *authMaterial) authorizationHeader() (string, error) {
	tok, err := a.bearer()
	if err != nil || tok == "" {
		return "", err
	}
	return "Bearer " + tok, nil
}

// resolveAuth builds TLS settings and the bearer token source of a profile.
func resolveAuth(ctx context.Context, cfg config.TransportConfig) (*authMaterial, error) {
	m := &authMaterial{}

	if cfg.Secure || cfg.Auth.Type == config.AuthCertificate {
		tc, err := clientTLS(cfg)
		if err != nil {
			return nil, err
		}
		m.tls = tc
	}

	switch cfg.Auth.Type {
	case "", config.AuthNone, config.AuthCertificate:
	case config.AuthToken:
		token := cfg.Auth.Credentials["token"]
		if err := checkToken(token); err != nil {
			return nil, err
		}
		m.tokenSource = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	case config.AuthOAuth2:
		cc := &clientcredentials.Config{
			ClientID:     cfg.Auth.Credentials["client_id"],
			ClientSecret: cfg.Auth.Credentials["client_secret"],
			TokenURL:     cfg.Auth.Credentials["token_url"],
		}
		if scopes := cfg.Auth.Credentials["scopes"]; scopes != "" {
			for _, s := range strings.Split(scopes, ",") {
				cc.Scopes = append(cc.Scopes, strings.TrimSpace(s))
			}
		}
		first, err := cc.Token(ctx)
		if err != nil {
			if isTimeout(err) {
				return nil, a2a.Wrap(a2a.KindConnectTimeout, err, "oauth2 token endpoint")
			}
			return nil, a2a.Wrap(a2a.KindAuthenticationFailed, err, "oauth2 client credentials")
		}
		// Refreshes outlive the connect deadline.
		m.tokenSource = oauth2.ReuseTokenSource(first, cc.TokenSource(context.WithoutCancel(ctx)))
	default:
		return nil, a2a.Errorf(a2a.KindConfigInvalid, "unknown auth type %q", cfg.Auth.Type)
	}
	return m, nil
}

// checkToken rejects expired or not-yet-valid JWTs. Opaque tokens pass through;
// the peer is the authority on them.
func checkToken(token string) error {
	if token == "" {
		return a2a.Errorf(a2a.KindAuthenticationFailed, "empty bearer token")
	}
	if strings.Count(token, ".") != 2 {
		return nil
	}
	if _, err := jwt.Parse([]byte(token), jwt.WithVerify(false), jwt.WithValidate(true), jwt.WithAcceptableSkew(30*time.Second)); err != nil {
		return a2a.Wrap(a2a.KindAuthenticationFailed, err, "bearer token rejected")
	}
	return nil
}

func clientTLS(cfg config.TransportConfig) (*tls.Config, error) {
	tc := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: cfg.Host,
	}
	t := cfg.TLS
	if t != nil {
		if t.ServerName != "" {
			tc.ServerName = t.ServerName
		}
		tc.InsecureSkipVerify = !t.VerifyPeer()
		if t.CA != "" {
			pool, err := loadCertPool(t.CA)
			if err != nil {
				return nil, err
			}
			tc.RootCAs = pool
		}
	}
	if cfg.Auth.Type == config.AuthCertificate {
		certFile, keyFile := cfg.Auth.Credentials["cert"], cfg.Auth.Credentials["key"]
		if t != nil {
			if certFile == "" {
				certFile = t.Cert
			}
			if keyFile == "" {
				keyFile = t.Key
			}
		}
		pair, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, a2a.Wrap(a2a.KindCertificateInvalid, err, "load client certificate")
		}
		tc.Certificates = []tls.Certificate{pair}
	}
	return tc, nil
}

// ServerTLS builds the listener TLS config. When a CA is given, client
// certificates are required and verified against it.
func ServerTLS(t *config.TLSConfig) (*tls.Config, error) {
	if t == nil {
		return nil, nil
	}
	pair, err := tls.LoadX509KeyPair(t.Cert, t.Key)
	if err != nil {
		return nil, a2a.Wrap(a2a.KindCertificateInvalid, err, "load server certificate")
	}
	tc := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{pair},
	}
	if t.CA != "" {
		pool, err := loadCertPool(t.CA)
		if err != nil {
			return nil, err
		}
		tc.ClientCAs = pool
		tc.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tc, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, a2a.Wrap(a2a.KindCertificateInvalid, err, "read CA bundle %s", path)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, a2a.Errorf(a2a.KindCertificateInvalid, "no certificates in CA bundle %s", path)
	}
	return pool, nil
}

// SignToken mints an HS256 bearer token accepted by a Server configured with
// the same secret.
func SignToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	tok, err := jwt.NewBuilder().
		Subject(subject).
		IssuedAt(now).
		NotBefore(now).
		Expiration(now.Add(ttl)).
		Build()
	if err != nil {
		return "", fmt.Errorf("build token: %w", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return string(signed), nil
}

// verifyBearer checks an Authorization header value against secret.
func verifyBearer(secret []byte, header string) (string, error) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", a2a.Errorf(a2a.KindAuthenticationFailed, "missing bearer token")
	}
	return verifyToken(secret, token)
}

func verifyToken(secret []byte, token string) (string, error) {
	parsed, err := jwt.Parse([]byte(token), jwt.WithKey(jwa.HS256, secret), jwt.WithValidate(true))
	if err != nil {
		return "", a2a.Wrap(a2a.KindAuthenticationFailed, err, "invalid bearer token")
	}
	return parsed.Subject(), nil
}
