// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package settings

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedPassword() string { return "generated-pw" }

// =============================================================================
// Enum Tests
// =============================================================================

func TestEnums_TextRoundTrip(t *testing.T) {
	var c ComplianceFramework
	for _, in := range []string{"PCI-DSS", "pci_dss", "pcidss"} {
		require.NoError(t, c.UnmarshalText([]byte(in)), in)
		assert.Equal(t, CompliancePCIDSS, c)
	}
	text, err := CompliancePCIDSS.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "PCI-DSS", string(text))

	var tier DeploymentTier
	err = tier.UnmarshalText([]byte("cluster"))
	assert.ErrorIs(t, err, ErrUnknownValue)

	_, err = DeploymentTier(7).MarshalText()
	assert.ErrorIs(t, err, ErrUnknownValue)
	assert.Equal(t, "Unknown(7)", DeploymentTier(7).String())
}

// =============================================================================
// Store Tests
// =============================================================================

func TestDefault(t *testing.T) {
	s := Default()
	assert.Equal(t, TierStandalone, s.Tier)
	assert.Equal(t, SecurityStandard, s.Security)
	assert.Equal(t, ComplianceNone, s.Compliance)
	assert.Equal(t, SelfSigned{}, s.Certificate)
	assert.Equal(t, NoSSO{}, s.SSO)
	assert.Equal(t, 8889, s.Network.Port)
	assert.Equal(t, "admin", s.Credentials.Username)
	assert.False(t, s.Credentials.Password.IsCustom())
	assert.Equal(t, ServiceProcess, s.ResolvedServiceMode())
}

func TestStore_Clone_IsDeep(t *testing.T) {
	s := Default()
	s.Network.DNSServers = []string{"1.1.1.1"}
	s.Network.Proxy = &ProxySettings{Host: "proxy", Port: 3128}
	s.ArtifactPacks = NewPackSet("Windows")

	c := s.Clone()
	c.Network.DNSServers[0] = "8.8.8.8"
	c.Network.Proxy.Port = 1
	c.ArtifactPacks[0] = "Linux"

	assert.Equal(t, "1.1.1.1", s.Network.DNSServers[0])
	assert.Equal(t, 3128, s.Network.Proxy.Port)
	assert.Equal(t, "Windows", s.ArtifactPacks[0])
}

func TestStore_Redacted(t *testing.T) {
	s := Default()
	s.Credentials.Password = CustomPassword{Value: "hunter2hunter2"}
	s.SSO = OAuth{ClientID: "id", ClientSecret: "shh"}

	r := s.Redacted()
	assert.Equal(t, CustomPassword{Value: RedactedSecret}, r.Credentials.Password)
	assert.Equal(t, OAuth{ClientID: "id", ClientSecret: RedactedSecret}, r.SSO)
	assert.Equal(t, "hunter2hunter2", s.Credentials.Password.Secret(), "original must be untouched")

	empty := Default().Redacted()
	assert.Equal(t, GeneratedPassword{}, empty.Credentials.Password, "an unset password stays empty")
}

func TestResolvedServiceMode(t *testing.T) {
	s := Default()
	s.Tier = TierServer
	assert.Equal(t, ServiceSystem, s.ResolvedServiceMode())

	s.Install.ServiceMode = ServiceProcess
	assert.Equal(t, ServiceProcess, s.ResolvedServiceMode())
}

func TestPackSet(t *testing.T) {
	p := NewPackSet("Windows", " Linux ", "Windows", "")
	assert.Equal(t, PackSet{"Linux", "Windows"}, p)
	assert.True(t, p.Contains("Linux"))

	q := p.With("Memory").Without("Linux")
	assert.Equal(t, PackSet{"Memory", "Windows"}, q)
	assert.Equal(t, PackSet{"Linux", "Windows"}, p, "original must not change")
}

// =============================================================================
// Controller Tests
// =============================================================================

func TestController_GeneratesPasswordOnce(t *testing.T) {
	calls := 0
	c := NewController(Default(), WithPasswordGenerator(func() string {
		calls++
		return "pw-1"
	}))

	assert.Equal(t, GeneratedPassword{Value: "pw-1"}, c.Snapshot().Credentials.Password)
	c.Update("touch", func(s *Store) { s.Network.Port = 9000 })
	assert.Equal(t, 1, calls, "password is generated once and kept")

	c.Update("custom", func(s *Store) { s.Credentials.Password = CustomPassword{Value: "hunter22"} })
	assert.Equal(t, 1, calls)
	assert.Equal(t, CustomPassword{Value: "hunter22"}, c.Snapshot().Credentials.Password)
}

func TestController_SnapshotIsolation(t *testing.T) {
	c := NewController(Default(), WithPasswordGenerator(fixedPassword))
	snap := c.Snapshot()

	c.Update("change tier", func(s *Store) {
		s.Tier = TierEnterprise
		s.ArtifactPacks = s.ArtifactPacks.With("Windows")
	})

	assert.Equal(t, TierStandalone, snap.Tier, "snapshot taken earlier must not change")
	assert.Empty(t, snap.ArtifactPacks)
	assert.Equal(t, TierEnterprise, c.Snapshot().Tier)
	assert.Equal(t, uint64(1), c.Revision())
}

func TestController_MutationOnPrivateCopy(t *testing.T) {
	c := NewController(Default(), WithPasswordGenerator(fixedPassword))
	var leaked *Store
	c.Update("leak", func(s *Store) { leaked = s })
	leaked.Network.Port = 1

	assert.Equal(t, DefaultPort, c.Snapshot().Network.Port)
}

func TestController_NormalizesNilVariants(t *testing.T) {
	c := NewController(Store{}, WithPasswordGenerator(fixedPassword))
	s := c.Snapshot()
	assert.Equal(t, SelfSigned{}, s.Certificate)
	assert.Equal(t, NoSSO{}, s.SSO)
	assert.Equal(t, GeneratedPassword{Value: "generated-pw"}, s.Credentials.Password)
}

func TestController_Subscribe(t *testing.T) {
	c := NewController(Default(), WithPasswordGenerator(fixedPassword))

	var got []DeploymentTier
	unsubscribe := c.Subscribe(func(s Store) { got = append(got, s.Tier) })

	c.Update("server", func(s *Store) { s.Tier = TierServer })
	unsubscribe()
	c.Update("enterprise", func(s *Store) { s.Tier = TierEnterprise })

	assert.Equal(t, []DeploymentTier{TierServer}, got)
}

func TestController_ConcurrentUpdates(t *testing.T) {
	c := NewController(Default(), WithPasswordGenerator(fixedPassword))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Update("inc", func(s *Store) { s.Network.Port++ })
			_ = c.Snapshot()
		}()
	}
	wg.Wait()

	assert.Equal(t, DefaultPort+50, c.Snapshot().Network.Port)
	assert.Equal(t, uint64(50), c.Revision())
}

// =============================================================================
// File Tests
// =============================================================================

func TestLoad_CreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.yaml")

	s, created, err := Load(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, TierStandalone, s.Tier)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	_, created, err = Load(path)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestSaveLoad_RoundTripVariants(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")

	in := Default()
	in.Tier = TierEnterprise
	in.Security = SecurityMaximum
	in.Compliance = ComplianceHIPAA
	in.Certificate = CustomImport{CertPath: "/etc/cert.pem", KeyPath: "/etc/key.pem"}
	in.SSO = OAuth{ClientID: "id", ClientSecret: "secret"}
	in.Network.Proxy = &ProxySettings{Host: "proxy.local", Port: 3128}
	in.Network.DNSServers = []string{"10.0.0.53"}
	in.ArtifactPacks = NewPackSet("Windows", "Linux")
	in.Credentials.Password = CustomPassword{Value: "correct horse"}
	in.Install.ServiceMode = ServiceSystem

	require.NoError(t, Save(path, in))
	out, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestUnmarshal_PartialFileKeepsDefaults(t *testing.T) {
	s, err := Unmarshal([]byte("deployment_tier: Server\nnetwork:\n  port: 9443\n"))
	require.NoError(t, err)
	assert.Equal(t, TierServer, s.Tier)
	assert.Equal(t, 9443, s.Network.Port)
	assert.Equal(t, DefaultInstallDir, s.Install.InstallDir)
	assert.Equal(t, SecurityStandard, s.Security)
}

func TestUnmarshal_UnknownEnum(t *testing.T) {
	_, err := Unmarshal([]byte("compliance: FedRAMP\n"))
	assert.ErrorIs(t, err, ErrUnknownValue)
}

// =============================================================================
// Set Tests
// =============================================================================

func TestSet(t *testing.T) {
	s := Default()

	require.NoError(t, Set(&s, "compliance", "hipaa"))
	require.NoError(t, Set(&s, "network.port", "9443"))
	require.NoError(t, Set(&s, "network.proxy", "proxy.local:3128"))
	require.NoError(t, Set(&s, "certificate.strategy", "ManagedACME"))
	require.NoError(t, Set(&s, "certificate.email", "ops@example.com"))
	require.NoError(t, Set(&s, "sso.provider", "ActiveDirectory"))
	require.NoError(t, Set(&s, "sso.domain", "corp.example.com"))
	require.NoError(t, Set(&s, "artifact_packs", "Windows, Linux"))
	require.NoError(t, Set(&s, "artifact_packs.add", "Memory"))
	require.NoError(t, Set(&s, "credentials.password", "hunter22"))

	assert.Equal(t, ComplianceHIPAA, s.Compliance)
	assert.Equal(t, 9443, s.Network.Port)
	assert.Equal(t, &ProxySettings{Host: "proxy.local", Port: 3128}, s.Network.Proxy)
	assert.Equal(t, ManagedACME{Email: "ops@example.com"}, s.Certificate)
	assert.Equal(t, ActiveDirectory{Domain: "corp.example.com"}, s.SSO)
	assert.Equal(t, PackSet{"Linux", "Memory", "Windows"}, s.ArtifactPacks)
	assert.Equal(t, CustomPassword{Value: "hunter22"}, s.Credentials.Password)

	require.NoError(t, Set(&s, "network.proxy", "none"))
	assert.Nil(t, s.Network.Proxy)
}

func TestSet_SameVariantKeepsFields(t *testing.T) {
	s := Default()
	s.Certificate = ManagedACME{Email: "a@b.c", Domain: "dfir.example.com"}
	require.NoError(t, Set(&s, "certificate.strategy", "managedacme"))
	assert.Equal(t, ManagedACME{Email: "a@b.c", Domain: "dfir.example.com"}, s.Certificate)
}

func TestSet_Errors(t *testing.T) {
	s := Default()
	assert.ErrorIs(t, Set(&s, "network.nope", "x"), ErrUnknownKey)
	assert.ErrorIs(t, Set(&s, "certificate.email", "a@b.c"), ErrWrongVariant)
	assert.ErrorIs(t, Set(&s, "sso.client_id", "id"), ErrWrongVariant)
	assert.Error(t, Set(&s, "network.port", "eighty"))
	assert.Error(t, Set(&s, "network.proxy", "no-port"))
	assert.Contains(t, Keys(), "network.port")
}

// =============================================================================
// Watcher Tests
// =============================================================================

func TestFileWatcher_ReloadsOnSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, Save(path, Default()))

	c := NewController(Default(), WithPasswordGenerator(fixedPassword))
	w, err := NewFileWatcher(path, c, nil)
	require.NoError(t, err)
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan struct{})
	go func() {
		close(started)
		_ = w.Start(ctx)
	}()
	<-started
	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)

	next := Default()
	next.Tier = TierServer
	require.NoError(t, Save(path, next))

	assert.Eventually(t, func() bool {
		return c.Snapshot().Tier == TierServer
	}, 3*time.Second, 20*time.Millisecond)
}

func TestChoices(t *testing.T) {
	assert.Equal(t, []string{"None", "SOX", "HIPAA", "PCI-DSS", "GDPR"}, Choices("compliance"))
	assert.Nil(t, Choices("network.port"))

	for _, key := range []string{"deployment_tier", "security_level", "compliance", "certificate.strategy", "sso.provider", "install.service_mode"} {
		for _, name := range Choices(key) {
			s := Default()
			assert.NoError(t, Set(&s, key, name), "%s=%s", key, name)
		}
	}

	got := Choices("deployment_tier")
	got[0] = "changed"
	assert.Equal(t, "Standalone", Choices("deployment_tier")[0])
}
