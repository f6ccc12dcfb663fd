// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package certs verifies user-supplied certificate material before it is
// written into the server configuration.
package certs

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
)

var (
	// ErrKeyMismatch is returned when the private key does not belong to the
	// certificate.
	ErrKeyMismatch = errors.New("private key does not match certificate")

	// ErrExpired is returned for a certificate past its NotAfter.
	ErrExpired = errors.New("certificate has expired")

	// ErrNotYetValid is returned for a certificate before its NotBefore.
	ErrNotYetValid = errors.New("certificate is not yet valid")
)

// Info summarises a verified certificate.
type Info struct {
	Subject   string
	DNSNames  []string
	NotBefore time.Time
	NotAfter  time.Time
	KeyType   certcrypto.KeyType
}

// VerifyFiles reads a PEM certificate and key from disk and verifies them.
func VerifyFiles(certPath, keyPath string, now time.Time) (Info, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return Info{}, fmt.Errorf("read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return Info{}, fmt.Errorf("read private key: %w", err)
	}
	return Verify(certPEM, keyPEM, now)
}

// Verify parses the pair, checks that the key matches the certificate's
// public key, and that now lies inside the validity window.
func Verify(certPEM, keyPEM []byte, now time.Time) (Info, error) {
	cert, err := certcrypto.ParsePEMCertificate(certPEM)
	if err != nil {
		return Info{}, fmt.Errorf("parse certificate: %w", err)
	}
	key, err := certcrypto.ParsePEMPrivateKey(keyPEM)
	if err != nil {
		return Info{}, fmt.Errorf("parse private key: %w", err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return Info{}, fmt.Errorf("%w: unsupported key type %T", ErrKeyMismatch, key)
	}
	pub, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(cert.PublicKey) {
		return Info{}, ErrKeyMismatch
	}

	info := Info{
		Subject:   cert.Subject.CommonName,
		DNSNames:  cert.DNSNames,
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
		KeyType:   KeyTypeOf(cert.PublicKey),
	}
	if now.After(cert.NotAfter) {
		return info, fmt.Errorf("%w on %s", ErrExpired, cert.NotAfter.Format(time.DateOnly))
	}
	if now.Before(cert.NotBefore) {
		return info, fmt.Errorf("%w until %s", ErrNotYetValid, cert.NotBefore.Format(time.DateOnly))
	}
	return info, nil
}

// KeyTypeOf maps a public key to the matching certcrypto.KeyType, or ""
// when there is none.
func KeyTypeOf(pub crypto.PublicKey) certcrypto.KeyType {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		switch k.N.BitLen() {
		case 2048:
			return certcrypto.RSA2048
		case 3072:
			return certcrypto.RSA3072
		case 4096:
			return certcrypto.RSA4096
		case 8192:
			return certcrypto.RSA8192
		}
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256():
			return certcrypto.EC256
		case elliptic.P384():
			return certcrypto.EC384
		}
	}
	return ""
}
