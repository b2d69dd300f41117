package tlsutil

import (
	"crypto/tls"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTLSConfig(t *testing.T) {
	cfg := DefaultTLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Len(t, cfg.CipherSuites, 6)

	// 修改返回值不影响后续调用
	cfg.CipherSuites[0] = 0
	assert.NotEqual(t, uint16(0), DefaultTLSConfig().CipherSuites[0])
}

func TestServerTLSConfig(t *testing.T) {
	cfg := ServerTLSConfig()
	assert.Equal(t, []string{"h2", "http/1.1"}, cfg.NextProtos)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
}

func TestClientTLSConfig(t *testing.T) {
	assert.Equal(t, "redis.internal", ClientTLSConfig("redis.internal:6380").ServerName)
	assert.Equal(t, "redis.internal", ClientTLSConfig("redis.internal").ServerName)
}

func TestSecureHTTPClient(t *testing.T) {
	client := SecureHTTPClient(5 * time.Second)
	assert.Equal(t, 5*time.Second, client.Timeout)

	tr, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	require.NotNil(t, tr.TLSClientConfig)
	assert.Equal(t, uint16(tls.VersionTLS12), tr.TLSClientConfig.MinVersion)
}
