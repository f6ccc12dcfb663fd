// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package settings holds every user-adjustable installer option.

Each configuration domain is a single mutually-exclusive choice. Plain
choices are enums (DeploymentTier, SecurityLevel, ComplianceFramework,
ServiceMode); choices that carry data are sealed interfaces whose variants
hold only the fields relevant to them:

	Certificate: SelfSigned | ManagedACME{Email, Domain} | CustomImport{CertPath, KeyPath}
	SSO:         NoSSO | SAML{EndpointURL} | OAuth{ClientID, ClientSecret} | ActiveDirectory{Domain}
	Password:    GeneratedPassword{Value} | CustomPassword{Value}

A Store is a plain value. The Controller owns the live copy, funnels every
mutation through Update, and hands out deep-copied snapshots so a running
installation never observes a later edit.
*/
package settings

import (
	"errors"
	"slices"
	"strings"
)

var (
	// ErrUnknownValue is returned when an enum or variant name is not recognised.
	ErrUnknownValue = errors.New("unknown value")

	// ErrUnknownKey is returned by Set for a key path that does not exist.
	ErrUnknownKey = errors.New("unknown settings key")
)

// Defaults used by Default.
const (
	DefaultBindAddress        = "0.0.0.0"
	DefaultPort               = 8889
	DefaultUsername           = "admin"
	DefaultInstallDir         = "/opt/velociraptor"
	DefaultReleaseManifestURL = "https://api.github.com/repos/Velocidex/velociraptor/releases/latest"
)

// =============================================================================
// Certificate variants
// =============================================================================

// Certificate is the selected certificate strategy and its inputs.
type Certificate interface {
	Strategy() CertificateStrategy
	isCertificate()
}

// SelfSigned lets the server generate its own certificate.
type SelfSigned struct{}

// ManagedACME obtains a certificate from an ACME CA for Domain.
type ManagedACME struct {
	Email  string
	Domain string
}

// CustomImport uses an existing PEM certificate and key from disk.
type CustomImport struct {
	CertPath string
	KeyPath  string
}

func (SelfSigned) Strategy() CertificateStrategy   { return CertSelfSigned }
func (ManagedACME) Strategy() CertificateStrategy  { return CertManagedACME }
func (CustomImport) Strategy() CertificateStrategy { return CertCustomImport }
func (SelfSigned) isCertificate()                  {}
func (ManagedACME) isCertificate()                 {}
func (CustomImport) isCertificate()                {}

// =============================================================================
// SSO variants
// =============================================================================

// SSO is the selected single sign-on provider and its inputs.
type SSO interface {
	Provider() SSOProvider
	isSSO()
}

// NoSSO uses the server's built-in basic authentication.
type NoSSO struct{}

// SAML authenticates against an identity provider endpoint.
type SAML struct {
	EndpointURL string
}

// OAuth authenticates with an OAuth2 client registration.
type OAuth struct {
	ClientID     string
	ClientSecret string
}

// ActiveDirectory authenticates against a Windows domain.
type ActiveDirectory struct {
	Domain string
}

func (NoSSO) Provider() SSOProvider           { return SSONone }
func (SAML) Provider() SSOProvider            { return SSOSAML }
func (OAuth) Provider() SSOProvider           { return SSOOAuth }
func (ActiveDirectory) Provider() SSOProvider { return SSOActiveDirectory }
func (NoSSO) isSSO()                          {}
func (SAML) isSSO()                           {}
func (OAuth) isSSO()                          {}
func (ActiveDirectory) isSSO()                {}

// =============================================================================
// Credentials
// =============================================================================

// Password is either generated by the installer or supplied by the user.
type Password interface {
	Secret() string
	IsCustom() bool
}

// GeneratedPassword is filled by the Controller the first time it is seen
// empty, then persisted so repeated runs reuse the same value.
type GeneratedPassword struct {
	Value string
}

// CustomPassword is a user-supplied administrator password.
type CustomPassword struct {
	Value string
}

func (p GeneratedPassword) Secret() string { return p.Value }
func (p CustomPassword) Secret() string    { return p.Value }
func (GeneratedPassword) IsCustom() bool   { return false }
func (CustomPassword) IsCustom() bool      { return true }

// Credentials identify the initial administrator account.
type Credentials struct {
	Username string
	Password Password
}

// =============================================================================
// Network, install and pack selection
// =============================================================================

// ProxySettings is an outbound HTTP proxy used for release discovery and
// download. A nil *ProxySettings means no proxy.
type ProxySettings struct {
	Host string
	Port int
}

// NetworkSettings controls where the GUI listens.
type NetworkSettings struct {
	BindAddress string
	Port        int
	DNSServers  []string
	Proxy       *ProxySettings
}

// InstallSettings controls where files go and how the server is run.
type InstallSettings struct {
	InstallDir         string
	DatastoreDir       string
	ServiceMode        ServiceMode
	ReleaseManifestURL string
}

// PackSet is a set of artifact pack names kept sorted and unique.
type PackSet []string

// NewPackSet builds a PackSet from names, dropping blanks and duplicates.
func NewPackSet(names ...string) PackSet {
	var out PackSet
	for _, n := range names {
		out = out.With(n)
	}
	return out
}

// With returns a copy of the set including name.
func (p PackSet) With(name string) PackSet {
	name = strings.TrimSpace(name)
	if name == "" {
		return slices.Clone(p)
	}
	i, found := slices.BinarySearch(p, name)
	out := slices.Clone(p)
	if found {
		return out
	}
	return slices.Insert(out, i, name)
}

// Without returns a copy of the set excluding name.
func (p PackSet) Without(name string) PackSet {
	out := slices.Clone(p)
	if i, found := slices.BinarySearch(out, strings.TrimSpace(name)); found {
		out = slices.Delete(out, i, i+1)
	}
	return out
}

// Contains reports whether name is in the set.
func (p PackSet) Contains(name string) bool {
	_, found := slices.BinarySearch(p, name)
	return found
}

// =============================================================================
// Store
// =============================================================================

// Store is the aggregate of every user-adjustable option.
type Store struct {
	Tier          DeploymentTier
	Security      SecurityLevel
	Compliance    ComplianceFramework
	Certificate   Certificate
	Network       NetworkSettings
	SSO           SSO
	ArtifactPacks PackSet
	Credentials   Credentials
	Install       InstallSettings
}

// Default returns the settings a fresh installation starts from.
func Default() Store {
	return Store{
		Tier:        TierStandalone,
		Security:    SecurityStandard,
		Compliance:  ComplianceNone,
		Certificate: SelfSigned{},
		Network: NetworkSettings{
			BindAddress: DefaultBindAddress,
			Port:        DefaultPort,
		},
		SSO: NoSSO{},
		Credentials: Credentials{
			Username: DefaultUsername,
			Password: GeneratedPassword{},
		},
		Install: InstallSettings{
			InstallDir:         DefaultInstallDir,
			ServiceMode:        ServiceAuto,
			ReleaseManifestURL: DefaultReleaseManifestURL,
		},
	}
}

// Clone returns a deep copy of s. Variant values are immutable structs so
// copying the interface value is sufficient; slices and pointers are copied.
func (s Store) Clone() Store {
	out := s
	out.Network.DNSServers = slices.Clone(s.Network.DNSServers)
	if s.Network.Proxy != nil {
		p := *s.Network.Proxy
		out.Network.Proxy = &p
	}
	out.ArtifactPacks = slices.Clone(s.ArtifactPacks)
	return out
}

// RedactedSecret replaces secrets in Redacted output.
const RedactedSecret = "********"

// Redacted returns a copy of s safe to print: a set administrator password
// and OAuth client secret are replaced with RedactedSecret.
func (s Store) Redacted() Store {
	out := s.Normalized()
	switch p := out.Credentials.Password.(type) {
	case GeneratedPassword:
		if p.Value != "" {
			out.Credentials.Password = GeneratedPassword{Value: RedactedSecret}
		}
	case CustomPassword:
		if p.Value != "" {
			out.Credentials.Password = CustomPassword{Value: RedactedSecret}
		}
	}
	if o, ok := out.SSO.(OAuth); ok && o.ClientSecret != "" {
		o.ClientSecret = RedactedSecret
		out.SSO = o
	}
	return out
}

// Normalized returns a deep copy of s with nil variants replaced by their
// zero choice and the pack set sorted and de-duplicated.
func (s Store) Normalized() Store {
	out := s.Clone()
	out.normalize()
	return out
}

// normalize fills nil variants with their zero choice so downstream code
// never has to nil-check a domain.
func (s *Store) normalize() {
	if s.Certificate == nil {
		s.Certificate = SelfSigned{}
	}
	if s.SSO == nil {
		s.SSO = NoSSO{}
	}
	if s.Credentials.Password == nil {
		s.Credentials.Password = GeneratedPassword{}
	}
	s.ArtifactPacks = NewPackSet(s.ArtifactPacks...)
}

// ResolvedServiceMode returns ServiceSystem or ServiceProcess, resolving
// ServiceAuto by deployment tier.
func (s Store) ResolvedServiceMode() ServiceMode {
	if s.Install.ServiceMode != ServiceAuto {
		return s.Install.ServiceMode
	}
	if s.Tier == TierStandalone {
		return ServiceProcess
	}
	return ServiceSystem
}
