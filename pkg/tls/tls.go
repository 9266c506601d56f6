// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"
)

var (
	errLoadCerts   = errors.New("failed to load certificates")
	errLoadCA      = errors.New("failed to load CA")
	errAppendCA    = errors.New("failed to append root ca tls.Config")
	errPartialCert = errors.New("cert_file and key_file must be set together")
)

type Config struct {
	CAFile             string `yaml:"ca_file" env:"IOTDEVICE_TLS_CA_FILE"`
	CertFile           string `yaml:"cert_file" env:"IOTDEVICE_TLS_CERT_FILE"`
	KeyFile            string `yaml:"key_file" env:"IOTDEVICE_TLS_KEY_FILE"`
	ServerName         string `yaml:"server_name" env:"IOTDEVICE_TLS_SERVER_NAME"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" env:"IOTDEVICE_TLS_INSECURE_SKIP_VERIFY"`
}

// ClientConfig returns a TLS configuration for dialing the hub or the
// provisioning service. Without a CA file the system roots are used.
func ClientConfig(c Config) (*tls.Config, error) {
	config := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}

	switch {
	case c.CertFile != "" && c.KeyFile != "":
		certificate, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, errors.Join(errLoadCerts, err)
		}
		config.Certificates = []tls.Certificate{certificate}
	case c.CertFile != "" || c.KeyFile != "":
		return nil, errPartialCert
	}

	rootCA, err := loadCertFile(c.CAFile)
	if err != nil {
		return nil, errors.Join(errLoadCA, err)
	}
	if len(rootCA) > 0 {
		config.RootCAs = x509.NewCertPool()
		if !config.RootCAs.AppendCertsFromPEM(rootCA) {
			return nil, errAppendCA
		}
	}

	return config, nil
}

// SecurityStatus returns log message from TLS config.
func SecurityStatus(c *tls.Config) string {
	switch {
	case c == nil:
		return "no TLS"
	case c.InsecureSkipVerify:
		return "TLS without server verification"
	case len(c.Certificates) > 0:
		return "TLS with client certificate"
	default:
		return "TLS"
	}
}

func loadCertFile(certFile string) ([]byte, error) {
	if certFile != "" {
		return os.ReadFile(certFile)
	}
	return []byte{}, nil
}
