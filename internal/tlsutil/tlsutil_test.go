package tlsutil

import (
	"crypto/tls"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_AEADOnly(t *testing.T) {
	cfg := Config()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	require.NotEmpty(t, cfg.CipherSuites)

	insecure := make(map[uint16]bool)
	for _, cs := range tls.InsecureCipherSuites() {
		insecure[cs.ID] = true
	}
	for _, id := range cfg.CipherSuites {
		assert.False(t, insecure[id], "insecure suite %s", tls.CipherSuiteName(id))
		assert.NotContains(t, tls.CipherSuiteName(id), "CBC")
	}
}

func TestHTTPClient(t *testing.T) {
	c := HTTPClient(5 * time.Second)
	assert.Equal(t, 5*time.Second, c.Timeout)

	tr, ok := c.Transport.(*http.Transport)
	require.True(t, ok)
	assert.NotNil(t, tr.Proxy)
	assert.Equal(t, uint16(tls.VersionTLS12), tr.TLSClientConfig.MinVersion)
	assert.False(t, tr.TLSClientConfig.InsecureSkipVerify)
	assert.Equal(t, defaultIdleConnsPerHost, tr.MaxIdleConnsPerHost)
}

func TestHTTPClient_PlainHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	resp, err := HTTPClient(time.Second).Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func newTLSServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeCA(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ca.pem")
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestNewHTTPClient_SelfSignedCollector(t *testing.T) {
	srv := newTLSServer(t)

	tests := []struct {
		name    string
		opts    func(t *testing.T) Options
		wantErr bool
	}{
		{
			name:    "system roots reject self-signed",
			opts:    func(*testing.T) Options { return Options{} },
			wantErr: true,
		},
		{
			name: "trusted CA file",
			opts: func(t *testing.T) Options {
				return Options{CAFile: writeCA(t, srv), ServerName: "example.com"}
			},
		},
		{
			name: "verification disabled",
			opts: func(*testing.T) Options { return Options{InsecureSkipVerify: true} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewHTTPClient(time.Second, tt.opts(t))
			require.NoError(t, err)

			resp, err := c.Get(srv.URL)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		})
	}
}

func TestNewHTTPClient_BadCAFile(t *testing.T) {
	_, err := NewHTTPClient(time.Second, Options{CAFile: filepath.Join(t.TempDir(), "missing.pem")})
	assert.ErrorContains(t, err, "read CA file")

	junk := filepath.Join(t.TempDir(), "junk.pem")
	require.NoError(t, os.WriteFile(junk, []byte("not a certificate"), 0o600))
	_, err = NewHTTPClient(time.Second, Options{CAFile: junk})
	assert.ErrorContains(t, err, "no PEM certificates")
}

func TestNewHTTPClient_IdleConns(t *testing.T) {
	c, err := NewHTTPClient(0, Options{MaxIdleConnsPerHost: 3})
	require.NoError(t, err)
	tr := c.Transport.(*http.Transport)
	assert.Equal(t, 3, tr.MaxIdleConnsPerHost)
	assert.Equal(t, 6, tr.MaxIdleConns)
	assert.Zero(t, c.Timeout)
}
