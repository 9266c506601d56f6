// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sas builds shared access signature tokens.
package sas

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// RegistrationKeyName is the policy name used for provisioning tokens.
const RegistrationKeyName = "registration"

// StringToSign returns the string whose HMAC forms the signature.
func StringToSign(resourceURI string, expiry time.Time) string {
	return url.QueryEscape(resourceURI) + "\n" + strconv.FormatInt(expiry.Unix(), 10)
}

// Sign computes the HMAC-SHA256 of data with key.
func Sign(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

// Format assembles a token from an already computed signature. An empty
// keyName omits skn.
func Format(resourceURI string, signature []byte, expiry time.Time, keyName string) string {
	var b strings.Builder
	b.WriteString("SharedAccessSignature sr=")
	b.WriteString(url.QueryEscape(resourceURI))
	b.WriteString("&sig=")
	b.WriteString(url.QueryEscape(base64.StdEncoding.EncodeToString(signature)))
	b.WriteString("&se=")
	b.WriteString(strconv.FormatInt(expiry.Unix(), 10))
	if keyName != "" {
		b.WriteString("&skn=")
		b.WriteString(url.QueryEscape(keyName))
	}
	return b.String()
}

// Token signs resourceURI with key until expiry.
func Token(resourceURI string, key []byte, keyName string, expiry time.Time) string {
	return Format(resourceURI, Sign(key, StringToSign(resourceURI, expiry)), expiry, keyName)
}

// DeriveKey returns the device key of registrationID within an enrollment
// group whose key is groupKey.
func DeriveKey(groupKey []byte, registrationID string) []byte {
	return Sign(groupKey, registrationID)
}

// DecodeKey decodes a base64 shared access key.
func DecodeKey(key string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(key)
}
