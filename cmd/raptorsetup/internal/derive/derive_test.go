// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package derive

import (
	"crypto/tls"
	"testing"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/artifacts"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/settings"
)

func store() settings.Store {
	s := settings.Default()
	s.Credentials.Password = settings.GeneratedPassword{Value: "generated-pw"}
	return s
}

func TestDerive_StandaloneDefaults(t *testing.T) {
	s := store()
	s.Network.Port = 8889

	cfg := Derive(s)

	assert.Equal(t, 50, cfg.MaxClients)
	assert.Equal(t, 1, cfg.CollectorCount)
	assert.Equal(t, DatastoreFileBase, cfg.DatastoreEngine)
	assert.False(t, cfg.ClusteringEnabled)
	assert.Equal(t, "1.3", cfg.TLSVersion)
	assert.False(t, cfg.MFARequired)
	assert.Equal(t, 8, cfg.SessionTimeoutHours)
	assert.Equal(t, DefaultRetentionDays, cfg.RetentionDays)
	assert.Equal(t, AccessStandard, cfg.AccessControlLevel)
	assert.Equal(t, certcrypto.RSA2048, cfg.Certificate.Algorithm)
	assert.Equal(t, 3650, cfg.Certificate.ValidityDays)
	assert.Equal(t, settings.ServiceProcess, cfg.ServiceMode)
	assert.False(t, cfg.RunsAsService())
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.TLSMinVersion())
}

func TestDerive_HIPAAOverridesBasic(t *testing.T) {
	s := store()
	s.Security = settings.SecurityBasic

	basic := Derive(s)
	assert.False(t, basic.MFARequired)
	assert.Equal(t, 24, basic.SessionTimeoutHours)

	s.Compliance = settings.ComplianceHIPAA
	cfg := Derive(s)
	assert.True(t, cfg.MFARequired)
	assert.Equal(t, 2, cfg.SessionTimeoutHours)
	assert.Equal(t, "1.3", cfg.TLSVersion)
	assert.Equal(t, 2190, cfg.RetentionDays)
	assert.Equal(t, AccessStrict, cfg.AccessControlLevel)
	assert.Equal(t, "low", cfg.PasswordComplexity, "keys compliance does not own stay with security")
	assert.Equal(t, SourceCompliance, cfg.SourceOf(KeyMFARequired))
	assert.Equal(t, SourceSecurity, cfg.SourceOf(KeyPasswordComplexity))
}

func TestDerive_CompliancePrecedence_AllCombinations(t *testing.T) {
	levels := []settings.SecurityLevel{settings.SecurityBasic, settings.SecurityStandard, settings.SecurityMaximum}
	frameworks := []settings.ComplianceFramework{
		settings.ComplianceSOX, settings.ComplianceHIPAA, settings.CompliancePCIDSS, settings.ComplianceGDPR,
	}
	for _, level := range levels {
		for _, fw := range frameworks {
			t.Run(level.String()+"/"+fw.String(), func(t *testing.T) {
				s := store()
				s.Security = level
				s.Compliance = fw

				cfg := Derive(s)
				want, ok := ComplianceProfileFor(fw)
				require.True(t, ok)
				assert.Equal(t, want.MFARequired, cfg.MFARequired)
				assert.Equal(t, want.TLSVersion, cfg.TLSVersion)
				assert.Equal(t, want.SessionTimeoutHours, cfg.SessionTimeoutHours)
				assert.True(t, cfg.AuditLogging)
			})
		}
	}
}

func TestDerive_NoComplianceUsesSecurity(t *testing.T) {
	s := store()
	s.Security = settings.SecurityMaximum
	cfg := Derive(s)
	assert.True(t, cfg.MFARequired)
	assert.Equal(t, 4, cfg.SessionTimeoutHours)
	_, ok := ComplianceProfileFor(settings.ComplianceNone)
	assert.False(t, ok)
	assert.Equal(t, SourceDefault, cfg.SourceOf(KeyRetentionDays))
}

func TestDerive_Idempotent(t *testing.T) {
	s := store()
	s.Tier = settings.TierEnterprise
	s.Compliance = settings.CompliancePCIDSS
	s.ArtifactPacks = settings.NewPackSet("Windows.Triage", "Ransomware")
	s.Network.Proxy = &settings.ProxySettings{Host: "proxy", Port: 3128}

	a := Derive(s)
	b := Derive(s)
	assert.Equal(t, a, b)
}

func TestDerive_DoesNotAliasStore(t *testing.T) {
	s := store()
	s.Network.DNSServers = []string{"10.0.0.53"}
	s.Network.Proxy = &settings.ProxySettings{Host: "proxy", Port: 3128}

	cfg := Derive(s)
	s.Network.DNSServers[0] = "changed"
	s.Network.Proxy.Port = 1

	assert.Equal(t, "10.0.0.53", cfg.Network.DNSServers[0])
	assert.Equal(t, 3128, cfg.Network.Proxy.Port)
}

func TestDerive_Tiers(t *testing.T) {
	s := store()
	s.Tier = settings.TierEnterprise
	cfg := Derive(s)
	assert.Equal(t, 10000, cfg.MaxClients)
	assert.Equal(t, DatastoreMemcacheFile, cfg.DatastoreEngine)
	assert.True(t, cfg.ClusteringEnabled)
	assert.True(t, cfg.RunsAsService())

	s.Tier = settings.TierServer
	assert.Equal(t, 1000, Derive(s).MaxClients)
}

func TestDerive_UserOverrides(t *testing.T) {
	s := store()
	s.Compliance = settings.ComplianceSOX
	s.Credentials.Password = settings.CustomPassword{Value: "hunter2hunter2"}
	s.Certificate = settings.CustomImport{CertPath: "/etc/ssl/dfir.pem", KeyPath: "/etc/ssl/dfir.key"}

	cfg := Derive(s)
	assert.Equal(t, "hunter2hunter2", cfg.Admin.Password)
	assert.True(t, cfg.Admin.Custom)
	assert.Equal(t, "/etc/ssl/dfir.pem", cfg.Certificate.CertPath)
	assert.Equal(t, certcrypto.KeyType(""), cfg.Certificate.Algorithm)
	assert.Equal(t, SourceUser, cfg.SourceOf(KeyAdminPassword))
	assert.Equal(t, SourceUser, cfg.SourceOf(KeyCertPath))
	assert.True(t, cfg.MFARequired, "compliance still applies")
}

func TestDerive_GeneratedPasswordProvenance(t *testing.T) {
	cfg := Derive(store())
	assert.Equal(t, "generated-pw", cfg.Admin.Password)
	assert.Equal(t, SourceGenerated, cfg.SourceOf(KeyAdminPassword))
	assert.Equal(t, Source(""), cfg.SourceOf("nope"))
}

func TestDerive_ManagedACME(t *testing.T) {
	s := store()
	s.Certificate = settings.ManagedACME{Email: "ops@example.com", Domain: "dfir.example.com"}
	cfg := Derive(s)
	assert.Equal(t, certcrypto.EC256, cfg.Certificate.Algorithm)
	assert.True(t, cfg.Certificate.AutoRenewal)
	assert.Equal(t, "dfir.example.com", cfg.Certificate.ACMEDomain)
}

func TestDerive_ArtifactsDeduplicated(t *testing.T) {
	s := store()
	s.ArtifactPacks = settings.NewPackSet("Windows.Triage", "Windows.Persistence", "Unknown")

	cfg := Derive(s)
	assert.Equal(t, []string{"Windows.Persistence", "Windows.Triage"}, cfg.ArtifactPacks)
	assert.Len(t, cfg.Artifacts, 8)
	seen := map[string]bool{}
	for _, id := range cfg.Artifacts {
		assert.False(t, seen[id], "duplicate %s", id)
		seen[id] = true
	}
}

func TestDerive_Paths(t *testing.T) {
	s := store()
	s.Install.InstallDir = "/srv/vr"
	cfg := Derive(s)
	assert.Equal(t, "/srv/vr/velociraptor", cfg.Paths.BinaryPath)
	assert.Equal(t, "/srv/vr/server.config.yaml", cfg.Paths.ConfigPath)
	assert.Equal(t, "/srv/vr/datastore", cfg.Paths.DatastoreDir)
	assert.Equal(t, "/srv/vr/datastore/logs", cfg.Paths.LogDir)

	s.Install.DatastoreDir = "/data/vr"
	assert.Equal(t, "/data/vr", Derive(s).Paths.DatastoreDir)
}

func TestDerive_ZeroStore(t *testing.T) {
	cfg := Derive(settings.Store{})
	assert.Equal(t, settings.CertSelfSigned, cfg.Certificate.Strategy)
	assert.Equal(t, 50, cfg.MaxClients)
}

func TestResolve(t *testing.T) {
	s := store()
	s.Network.Port = 80
	_, errs := Resolve(s)
	require.Len(t, errs, 1)

	s.Network.Port = 8889
	cfg, errs := Resolve(s)
	assert.Empty(t, errs)
	assert.Equal(t, 8889, cfg.Network.Port)
}

func TestEngine_CustomCatalog(t *testing.T) {
	e := NewEngine(artifacts.Catalog{"Mine": {"A", "B"}, "Yours": {"B", "C"}})
	s := store()
	s.ArtifactPacks = settings.NewPackSet("Mine", "Yours")
	assert.Equal(t, []string{"A", "B", "C"}, e.Derive(s).Artifacts)

	s.ArtifactPacks = settings.NewPackSet("Windows.Triage")
	_, errs := e.Resolve(s)
	assert.Len(t, errs, 1, "validation uses the engine's catalog")
}

func TestProvenance_ReturnsCopy(t *testing.T) {
	cfg := Derive(store())
	p := cfg.Provenance()
	p[KeyMaxClients] = SourceUser
	assert.Equal(t, SourceTier, cfg.SourceOf(KeyMaxClients))
}
