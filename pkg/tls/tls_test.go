// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCert(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "dev-1"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestClientConfig(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeCert(t, dir)
	garbage := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a cert"), 0o600))

	t.Run("system roots", func(t *testing.T) {
		cfg, err := ClientConfig(Config{ServerName: "hub.azure-devices.net"})
		require.NoError(t, err)
		assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
		assert.Nil(t, cfg.RootCAs)
		assert.Equal(t, "hub.azure-devices.net", cfg.ServerName)
		assert.Equal(t, "TLS", SecurityStatus(cfg))
	})

	t.Run("client certificate and CA", func(t *testing.T) {
		cfg, err := ClientConfig(Config{CAFile: certFile, CertFile: certFile, KeyFile: keyFile})
		require.NoError(t, err)
		assert.Len(t, cfg.Certificates, 1)
		assert.NotNil(t, cfg.RootCAs)
		assert.Equal(t, "TLS with client certificate", SecurityStatus(cfg))
	})

	t.Run("partial pair", func(t *testing.T) {
		_, err := ClientConfig(Config{CertFile: certFile})
		assert.ErrorIs(t, err, errPartialCert)
	})

	t.Run("missing CA", func(t *testing.T) {
		_, err := ClientConfig(Config{CAFile: filepath.Join(dir, "missing.pem")})
		assert.ErrorIs(t, err, errLoadCA)
	})

	t.Run("bad CA", func(t *testing.T) {
		_, err := ClientConfig(Config{CAFile: garbage})
		assert.ErrorIs(t, err, errAppendCA)
	})

	assert.Equal(t, "no TLS", SecurityStatus(nil))
}
