// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package settings

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

// ErrWrongVariant is returned when a key belongs to a variant other than the
// one currently selected, e.g. setting certificate.email while SelfSigned.
var ErrWrongVariant = errors.New("key does not apply to the selected variant")

type setter func(s *Store, value string) error

var setters = map[string]setter{
	"deployment_tier": func(s *Store, v string) error { return s.Tier.UnmarshalText([]byte(v)) },
	"security_level":  func(s *Store, v string) error { return s.Security.UnmarshalText([]byte(v)) },
	"compliance":      func(s *Store, v string) error { return s.Compliance.UnmarshalText([]byte(v)) },

	"certificate.strategy": func(s *Store, v string) error {
		var strategy CertificateStrategy
		if err := strategy.UnmarshalText([]byte(v)); err != nil {
			return err
		}
		if s.Certificate != nil && s.Certificate.Strategy() == strategy {
			return nil
		}
		switch strategy {
		case CertManagedACME:
			s.Certificate = ManagedACME{}
		case CertCustomImport:
			s.Certificate = CustomImport{}
		default:
			s.Certificate = SelfSigned{}
		}
		return nil
	},
	"certificate.email": func(s *Store, v string) error {
		c, ok := s.Certificate.(ManagedACME)
		if !ok {
			return wrongVariant("certificate.email", CertManagedACME)
		}
		c.Email = v
		s.Certificate = c
		return nil
	},
	"certificate.domain": func(s *Store, v string) error {
		c, ok := s.Certificate.(ManagedACME)
		if !ok {
			return wrongVariant("certificate.domain", CertManagedACME)
		}
		c.Domain = v
		s.Certificate = c
		return nil
	},
	"certificate.cert_path": func(s *Store, v string) error {
		c, ok := s.Certificate.(CustomImport)
		if !ok {
			return wrongVariant("certificate.cert_path", CertCustomImport)
		}
		c.CertPath = v
		s.Certificate = c
		return nil
	},
	"certificate.key_path": func(s *Store, v string) error {
		c, ok := s.Certificate.(CustomImport)
		if !ok {
			return wrongVariant("certificate.key_path", CertCustomImport)
		}
		c.KeyPath = v
		s.Certificate = c
		return nil
	},

	"network.bind_address": func(s *Store, v string) error { s.Network.BindAddress = v; return nil },
	"network.port": func(s *Store, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("network.port must be numeric: %w", err)
		}
		s.Network.Port = n
		return nil
	},
	"network.dns_servers": func(s *Store, v string) error { s.Network.DNSServers = splitList(v); return nil },
	"network.proxy": func(s *Store, v string) error {
		if strings.TrimSpace(v) == "" || strings.EqualFold(v, "none") {
			s.Network.Proxy = nil
			return nil
		}
		host, portText, err := net.SplitHostPort(v)
		if err != nil {
			return fmt.Errorf("network.proxy must be host:port: %w", err)
		}
		port, err := strconv.Atoi(portText)
		if err != nil {
			return fmt.Errorf("network.proxy port must be numeric: %w", err)
		}
		s.Network.Proxy = &ProxySettings{Host: host, Port: port}
		return nil
	},
	"network.proxy.host": func(s *Store, v string) error {
		if s.Network.Proxy == nil {
			s.Network.Proxy = &ProxySettings{}
		}
		s.Network.Proxy.Host = v
		return nil
	},
	"network.proxy.port": func(s *Store, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("network.proxy.port must be numeric: %w", err)
		}
		if s.Network.Proxy == nil {
			s.Network.Proxy = &ProxySettings{}
		}
		s.Network.Proxy.Port = n
		return nil
	},

	"sso.provider": func(s *Store, v string) error {
		var p SSOProvider
		if err := p.UnmarshalText([]byte(v)); err != nil {
			return err
		}
		if s.SSO != nil && s.SSO.Provider() == p {
			return nil
		}
		switch p {
		case SSOSAML:
			s.SSO = SAML{}
		case SSOOAuth:
			s.SSO = OAuth{}
		case SSOActiveDirectory:
			s.SSO = ActiveDirectory{}
		default:
			s.SSO = NoSSO{}
		}
		return nil
	},
	"sso.endpoint_url": func(s *Store, v string) error {
		if _, ok := s.SSO.(SAML); !ok {
			return wrongVariant("sso.endpoint_url", SSOSAML)
		}
		s.SSO = SAML{EndpointURL: v}
		return nil
	},
	"sso.client_id": func(s *Store, v string) error {
		o, ok := s.SSO.(OAuth)
		if !ok {
			return wrongVariant("sso.client_id", SSOOAuth)
		}
		o.ClientID = v
		s.SSO = o
		return nil
	},
	"sso.client_secret": func(s *Store, v string) error {
		o, ok := s.SSO.(OAuth)
		if !ok {
			return wrongVariant("sso.client_secret", SSOOAuth)
		}
		o.ClientSecret = v
		s.SSO = o
		return nil
	},
	"sso.domain": func(s *Store, v string) error {
		if _, ok := s.SSO.(ActiveDirectory); !ok {
			return wrongVariant("sso.domain", SSOActiveDirectory)
		}
		s.SSO = ActiveDirectory{Domain: v}
		return nil
	},

	"artifact_packs":        func(s *Store, v string) error { s.ArtifactPacks = NewPackSet(splitList(v)...); return nil },
	"artifact_packs.add":    func(s *Store, v string) error { s.ArtifactPacks = s.ArtifactPacks.With(v); return nil },
	"artifact_packs.remove": func(s *Store, v string) error { s.ArtifactPacks = s.ArtifactPacks.Without(v); return nil },

	"credentials.username": func(s *Store, v string) error { s.Credentials.Username = v; return nil },
	"credentials.password": func(s *Store, v string) error {
		s.Credentials.Password = CustomPassword{Value: v}
		return nil
	},
	"credentials.generate": func(s *Store, _ string) error {
		s.Credentials.Password = GeneratedPassword{}
		return nil
	},

	"install.install_dir":          func(s *Store, v string) error { s.Install.InstallDir = v; return nil },
	"install.datastore_dir":        func(s *Store, v string) error { s.Install.DatastoreDir = v; return nil },
	"install.service_mode":         func(s *Store, v string) error { return s.Install.ServiceMode.UnmarshalText([]byte(v)) },
	"install.release_manifest_url": func(s *Store, v string) error { s.Install.ReleaseManifestURL = v; return nil },
}

// Set assigns value to the dotted key path on s.
//
// Selecting a variant ("certificate.strategy", "sso.provider") resets its
// fields unless the same variant is already selected. Variant fields can
// only be set while their variant is selected.
func Set(s *Store, key, value string) error {
	fn, ok := setters[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return fn(s, strings.TrimSpace(value))
}

// Keys lists every key accepted by Set, sorted.
func Keys() []string {
	keys := make([]string, 0, len(setters))
	for k := range setters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func wrongVariant(key string, want fmt.Stringer) error {
	return fmt.Errorf("%w: %s requires %s", ErrWrongVariant, key, want)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
