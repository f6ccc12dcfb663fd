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
Package derive turns a settings.Store into the EffectiveConfiguration used by
one installation run.

# Precedence

Four lookup tables contribute values, merged left to right with later
stages winning on overlapping keys:

	tier → security → compliance → certificate → user overrides

When a compliance framework is selected its mfa_required, tls_version and
session_timeout_hours always replace the security level's values. The user
stage only carries credential material (custom password, imported
certificate paths); no table row contains those keys, so an explicit user
credential is never replaced by compliance and compliance is never
weakened by a user choice.

Derive has no side effects and reads no clock, file or random source:
calling it twice on the same Store yields equal values.
*/
package derive

import (
	"crypto/tls"
	"maps"
	"path/filepath"
	"slices"

	"github.com/go-acme/lego/v4/certcrypto"

	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/artifacts"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/settings"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/validation"
)

// Source names the merge stage that supplied a value.
type Source string

const (
	SourceDefault     Source = "default"
	SourceTier        Source = "tier"
	SourceSecurity    Source = "security"
	SourceCompliance  Source = "compliance"
	SourceCertificate Source = "certificate"
	SourceUser        Source = "user"
	SourceGenerated   Source = "generated"
)

// Keys recorded in the provenance map.
const (
	KeyCollectorCount      = "collector_count"
	KeyMaxClients          = "max_clients"
	KeyDatastoreEngine     = "datastore_engine"
	KeyClusteringEnabled   = "clustering_enabled"
	KeyPasswordComplexity  = "password_complexity"
	KeySessionTimeoutHours = "session_timeout_hours"
	KeyTLSVersion          = "tls_version"
	KeyAuditLogging        = "audit_logging"
	KeyMFARequired         = "mfa_required"
	KeyRetentionDays       = "retention_days"
	KeyAccessControlLevel  = "access_control_level"
	KeyCertAlgorithm       = "certificate.algorithm"
	KeyCertAutoRenewal     = "certificate.auto_renewal"
	KeyCertValidityDays    = "certificate.validity_days"
	KeyCertPath            = "certificate.cert_path"
	KeyKeyPath             = "certificate.key_path"
	KeyAdminPassword       = "admin.password"
)

// File names inside the install directory.
const (
	BinaryName     = "velociraptor"
	ConfigFileName = "server.config.yaml"
)

// CertificatePlan describes how the server obtains its TLS certificate.
type CertificatePlan struct {
	Strategy     settings.CertificateStrategy
	Algorithm    certcrypto.KeyType
	AutoRenewal  bool
	ValidityDays int

	// Set for CustomImport.
	CertPath string
	KeyPath  string

	// Set for ManagedACME.
	ACMEEmail  string
	ACMEDomain string
}

// AdminAccount is the initial administrator created by the pipeline.
type AdminAccount struct {
	Username string
	Password string
	Custom   bool
}

// Paths are the on-disk locations used by the installation.
type Paths struct {
	InstallDir   string
	BinaryPath   string
	ConfigPath   string
	DatastoreDir string
	LogDir       string
}

// Network is the listener and outbound proxy configuration.
type Network struct {
	BindAddress string
	Port        int
	DNSServers  []string
	Proxy       *settings.ProxySettings
}

// EffectiveConfiguration is the resolved, precedence-merged configuration
// for one installation run. It is built by Derive and never modified
// afterwards; a new run always derives a fresh value.
type EffectiveConfiguration struct {
	Tier       settings.DeploymentTier
	Security   settings.SecurityLevel
	Compliance settings.ComplianceFramework

	CollectorCount    int
	MaxClients        int
	DatastoreEngine   string
	ClusteringEnabled bool

	PasswordComplexity  string
	SessionTimeoutHours int
	TLSVersion          string
	AuditLogging        bool
	MFARequired         bool
	RetentionDays       int
	AccessControlLevel  string

	Certificate CertificatePlan
	Network     Network
	SSO         settings.SSO
	Admin       AdminAccount

	ArtifactPacks []string
	Artifacts     []string

	Paths              Paths
	ServiceMode        settings.ServiceMode
	ReleaseManifestURL string

	provenance map[string]Source
}

// SourceOf reports which stage supplied key, or "" if key is unknown.
func (c EffectiveConfiguration) SourceOf(key string) Source {
	return c.provenance[key]
}

// Provenance returns a copy of the key → source map.
func (c EffectiveConfiguration) Provenance() map[string]Source {
	return maps.Clone(c.provenance)
}

// TLSMinVersion maps TLSVersion to a crypto/tls constant, defaulting to 1.2.
func (c EffectiveConfiguration) TLSMinVersion() uint16 {
	if c.TLSVersion == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// RunsAsService reports whether the pipeline registers a system service.
func (c EffectiveConfiguration) RunsAsService() bool {
	return c.ServiceMode == settings.ServiceSystem
}

// =============================================================================
// Engine
// =============================================================================

// Engine derives configurations against an artifact catalog.
type Engine struct {
	catalog   artifacts.Catalog
	validator *validation.Validator
}

// NewEngine creates an Engine using catalog for pack expansion and validation.
func NewEngine(catalog artifacts.Catalog) *Engine {
	return &Engine{catalog: catalog, validator: validation.New(catalog)}
}

var defaultEngine = NewEngine(artifacts.Default())

// Derive derives with the built-in artifact catalog.
func Derive(s settings.Store) EffectiveConfiguration {
	return defaultEngine.Derive(s)
}

// Resolve validates then derives with the built-in artifact catalog.
func Resolve(s settings.Store) (EffectiveConfiguration, validation.Errors) {
	return defaultEngine.Resolve(s)
}

// Resolve validates s and, only when it is valid, derives its configuration.
func (e *Engine) Resolve(s settings.Store) (EffectiveConfiguration, validation.Errors) {
	if errs := e.validator.Validate(s); len(errs) > 0 {
		return EffectiveConfiguration{}, errs
	}
	return e.Derive(s), nil
}

// mergeFunc is one precedence stage. It receives the configuration built so
// far and returns it with its own domain applied.
type mergeFunc func(cfg EffectiveConfiguration, s settings.Store) EffectiveConfiguration

var stages = []mergeFunc{
	mergeTier,
	mergeSecurity,
	mergeCompliance,
	mergeCertificate,
	mergeUser,
}

// Derive builds the EffectiveConfiguration for s.
//
// Derive assumes s has been validated; unknown artifact packs are skipped
// rather than reported.
func (e *Engine) Derive(s settings.Store) EffectiveConfiguration {
	s = s.Normalized()
	cfg := base(s)
	for _, stage := range stages {
		cfg = stage(cfg, s)
	}
	cfg.ArtifactPacks, cfg.Artifacts = e.expandPacks(s.ArtifactPacks)
	return cfg
}

func (e *Engine) expandPacks(packs settings.PackSet) ([]string, []string) {
	known := make([]string, 0, len(packs))
	for _, p := range packs {
		if e.catalog.Known(p) {
			known = append(known, p)
		}
	}
	// Every name in known exists, so Resolve cannot fail.
	ids, _ := e.catalog.Resolve(known)
	return known, ids
}

// base carries the fields that are copied straight from settings.
func base(s settings.Store) EffectiveConfiguration {
	install := s.Install.InstallDir
	datastore := s.Install.DatastoreDir
	if datastore == "" {
		datastore = filepath.Join(install, "datastore")
	}
	cfg := EffectiveConfiguration{
		Tier:       s.Tier,
		Security:   s.Security,
		Compliance: s.Compliance,
		Network: Network{
			BindAddress: s.Network.BindAddress,
			Port:        s.Network.Port,
			DNSServers:  slices.Clone(s.Network.DNSServers),
			Proxy:       s.Network.Proxy,
		},
		SSO: s.SSO,
		Paths: Paths{
			InstallDir:   install,
			BinaryPath:   filepath.Join(install, BinaryName),
			ConfigPath:   filepath.Join(install, ConfigFileName),
			DatastoreDir: datastore,
			LogDir:       filepath.Join(datastore, "logs"),
		},
		ServiceMode:        s.ResolvedServiceMode(),
		ReleaseManifestURL: s.Install.ReleaseManifestURL,
		RetentionDays:      DefaultRetentionDays,
		AccessControlLevel: DefaultAccessControlLevel,
		provenance:         make(map[string]Source),
	}
	cfg.provenance[KeyRetentionDays] = SourceDefault
	cfg.provenance[KeyAccessControlLevel] = SourceDefault
	return cfg
}

func (c *EffectiveConfiguration) mark(src Source, keys ...string) {
	for _, k := range keys {
		c.provenance[k] = src
	}
}

func mergeTier(cfg EffectiveConfiguration, s settings.Store) EffectiveConfiguration {
	p := TierProfileFor(s.Tier)
	cfg.CollectorCount = p.CollectorCount
	cfg.MaxClients = p.MaxClients
	cfg.DatastoreEngine = p.DatastoreEngine
	cfg.ClusteringEnabled = p.ClusteringEnabled
	cfg.mark(SourceTier, KeyCollectorCount, KeyMaxClients, KeyDatastoreEngine, KeyClusteringEnabled)
	return cfg
}

func mergeSecurity(cfg EffectiveConfiguration, s settings.Store) EffectiveConfiguration {
	p := SecurityProfileFor(s.Security)
	cfg.PasswordComplexity = p.PasswordComplexity
	cfg.SessionTimeoutHours = p.SessionTimeoutHours
	cfg.TLSVersion = p.TLSVersion
	cfg.AuditLogging = p.AuditLogging
	cfg.MFARequired = p.MFARequired
	cfg.mark(SourceSecurity, KeyPasswordComplexity, KeySessionTimeoutHours, KeyTLSVersion, KeyAuditLogging, KeyMFARequired)
	return cfg
}

func mergeCompliance(cfg EffectiveConfiguration, s settings.Store) EffectiveConfiguration {
	p, ok := ComplianceProfileFor(s.Compliance)
	if !ok {
		return cfg
	}
	cfg.AuditLogging = p.AuditRequired
	cfg.RetentionDays = p.RetentionDays
	cfg.AccessControlLevel = p.AccessControlLevel
	cfg.MFARequired = p.MFARequired
	cfg.TLSVersion = p.TLSVersion
	cfg.SessionTimeoutHours = p.SessionTimeoutHours
	cfg.mark(SourceCompliance, KeyAuditLogging, KeyRetentionDays, KeyAccessControlLevel,
		KeyMFARequired, KeyTLSVersion, KeySessionTimeoutHours)
	return cfg
}

func mergeCertificate(cfg EffectiveConfiguration, s settings.Store) EffectiveConfiguration {
	strategy := s.Certificate.Strategy()
	p := CertificateProfileFor(strategy)
	cfg.Certificate = CertificatePlan{
		Strategy:     strategy,
		Algorithm:    p.Algorithm,
		AutoRenewal:  p.AutoRenewal,
		ValidityDays: p.ValidityDays,
	}
	if acme, ok := s.Certificate.(settings.ManagedACME); ok {
		cfg.Certificate.ACMEEmail = acme.Email
		cfg.Certificate.ACMEDomain = acme.Domain
	}
	cfg.mark(SourceCertificate, KeyCertAlgorithm, KeyCertAutoRenewal, KeyCertValidityDays)
	return cfg
}

func mergeUser(cfg EffectiveConfiguration, s settings.Store) EffectiveConfiguration {
	cfg.Admin = AdminAccount{Username: s.Credentials.Username}
	if s.Credentials.Password != nil {
		cfg.Admin.Password = s.Credentials.Password.Secret()
		cfg.Admin.Custom = s.Credentials.Password.IsCustom()
	}
	if cfg.Admin.Custom {
		cfg.mark(SourceUser, KeyAdminPassword)
	} else {
		cfg.mark(SourceGenerated, KeyAdminPassword)
	}

	if ci, ok := s.Certificate.(settings.CustomImport); ok {
		cfg.Certificate.CertPath = ci.CertPath
		cfg.Certificate.KeyPath = ci.KeyPath
		cfg.mark(SourceUser, KeyCertPath, KeyKeyPath)
	}
	return cfg
}
