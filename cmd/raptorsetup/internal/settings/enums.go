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
	"fmt"
	"slices"
	"strings"
)

// DeploymentTier selects the size class of the installation.
type DeploymentTier int

const (
	TierStandalone DeploymentTier = iota
	TierServer
	TierEnterprise
)

var tierNames = []string{"Standalone", "Server", "Enterprise"}

func (t DeploymentTier) String() string { return enumName(tierNames, int(t)) }

func (t DeploymentTier) MarshalText() ([]byte, error) {
	return marshalEnum(tierNames, int(t), "deployment tier")
}

func (t *DeploymentTier) UnmarshalText(b []byte) error {
	v, err := parseEnum(tierNames, string(b), "deployment tier")
	if err != nil {
		return err
	}
	*t = DeploymentTier(v)
	return nil
}

// SecurityLevel selects the baseline security posture.
type SecurityLevel int

const (
	SecurityBasic SecurityLevel = iota
	SecurityStandard
	SecurityMaximum
)

var securityNames = []string{"Basic", "Standard", "Maximum"}

func (s SecurityLevel) String() string { return enumName(securityNames, int(s)) }

func (s SecurityLevel) MarshalText() ([]byte, error) {
	return marshalEnum(securityNames, int(s), "security level")
}

func (s *SecurityLevel) UnmarshalText(b []byte) error {
	v, err := parseEnum(securityNames, string(b), "security level")
	if err != nil {
		return err
	}
	*s = SecurityLevel(v)
	return nil
}

// ComplianceFramework selects a regulatory standard whose minimum settings
// override the security level. ComplianceNone contributes nothing.
type ComplianceFramework int

const (
	ComplianceNone ComplianceFramework = iota
	ComplianceSOX
	ComplianceHIPAA
	CompliancePCIDSS
	ComplianceGDPR
)

var complianceNames = []string{"None", "SOX", "HIPAA", "PCI-DSS", "GDPR"}

func (c ComplianceFramework) String() string { return enumName(complianceNames, int(c)) }

func (c ComplianceFramework) MarshalText() ([]byte, error) {
	return marshalEnum(complianceNames, int(c), "compliance framework")
}

func (c *ComplianceFramework) UnmarshalText(b []byte) error {
	v, err := parseEnum(complianceNames, string(b), "compliance framework")
	if err != nil {
		return err
	}
	*c = ComplianceFramework(v)
	return nil
}

// CertificateStrategy names the variant held by Store.Certificate.
type CertificateStrategy int

const (
	CertSelfSigned CertificateStrategy = iota
	CertManagedACME
	CertCustomImport
)

var certNames = []string{"SelfSigned", "ManagedACME", "CustomImport"}

func (c CertificateStrategy) String() string { return enumName(certNames, int(c)) }

func (c CertificateStrategy) MarshalText() ([]byte, error) {
	return marshalEnum(certNames, int(c), "certificate strategy")
}

func (c *CertificateStrategy) UnmarshalText(b []byte) error {
	v, err := parseEnum(certNames, string(b), "certificate strategy")
	if err != nil {
		return err
	}
	*c = CertificateStrategy(v)
	return nil
}

// SSOProvider names the variant held by Store.SSO.
type SSOProvider int

const (
	SSONone SSOProvider = iota
	SSOSAML
	SSOOAuth
	SSOActiveDirectory
)

var ssoNames = []string{"None", "SAML", "OAuth", "ActiveDirectory"}

func (p SSOProvider) String() string { return enumName(ssoNames, int(p)) }

func (p SSOProvider) MarshalText() ([]byte, error) {
	return marshalEnum(ssoNames, int(p), "SSO provider")
}

func (p *SSOProvider) UnmarshalText(b []byte) error {
	v, err := parseEnum(ssoNames, string(b), "SSO provider")
	if err != nil {
		return err
	}
	*p = SSOProvider(v)
	return nil
}

// ServiceMode decides how the server is run after installation.
// ServiceAuto resolves by tier: Standalone runs as a foreground process,
// Server and Enterprise register a system service.
type ServiceMode int

const (
	ServiceAuto ServiceMode = iota
	ServiceSystem
	ServiceProcess
)

var serviceModeNames = []string{"auto", "service", "process"}

func (m ServiceMode) String() string { return enumName(serviceModeNames, int(m)) }

func (m ServiceMode) MarshalText() ([]byte, error) {
	return marshalEnum(serviceModeNames, int(m), "service mode")
}

func (m *ServiceMode) UnmarshalText(b []byte) error {
	v, err := parseEnum(serviceModeNames, string(b), "service mode")
	if err != nil {
		return err
	}
	*m = ServiceMode(v)
	return nil
}

// Choices lists the accepted names for each enum key of Set, in
// declaration order. Front ends use it to build selection menus.
func Choices(key string) []string {
	switch key {
	case "deployment_tier":
		return slices.Clone(tierNames)
	case "security_level":
		return slices.Clone(securityNames)
	case "compliance":
		return slices.Clone(complianceNames)
	case "certificate.strategy":
		return slices.Clone(certNames)
	case "sso.provider":
		return slices.Clone(ssoNames)
	case "install.service_mode":
		return slices.Clone(serviceModeNames)
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func enumName(names []string, v int) string {
	if v < 0 || v >= len(names) {
		return fmt.Sprintf("Unknown(%d)", v)
	}
	return names[v]
}

func marshalEnum(names []string, v int, kind string) ([]byte, error) {
	if v < 0 || v >= len(names) {
		return nil, fmt.Errorf("%w: %s %d", ErrUnknownValue, kind, v)
	}
	return []byte(names[v]), nil
}

// parseEnum matches case-insensitively and ignores '-', '_' and spaces, so
// "pci_dss", "PCI-DSS" and "pcidss" all select the same value.
func parseEnum(names []string, s string, kind string) (int, error) {
	want := normalizeEnum(s)
	for i, name := range names {
		if normalizeEnum(name) == want {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %s %q (want one of %s)", ErrUnknownValue, kind, s, strings.Join(names, ", "))
}

func normalizeEnum(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', '_', ' ':
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(s)))
}
