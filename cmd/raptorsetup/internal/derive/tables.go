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
	"github.com/go-acme/lego/v4/certcrypto"

	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/settings"
)

// Datastore engine names as understood by the server.
const (
	DatastoreFileBase     = "FileBaseDataStore"
	DatastoreMemcacheFile = "MemcacheFileDataStore"
)

// Access control levels.
const (
	AccessStandard  = "standard"
	AccessRoleBased = "role-based"
	AccessStrict    = "strict"
)

// Values in effect before any compliance framework contributes.
const (
	DefaultRetentionDays      = 30
	DefaultAccessControlLevel = AccessStandard
)

// TierProfile is the DeploymentTier lookup row.
type TierProfile struct {
	CollectorCount    int
	MaxClients        int
	DatastoreEngine   string
	ClusteringEnabled bool
}

// SecurityProfile is the SecurityLevel lookup row.
type SecurityProfile struct {
	PasswordComplexity  string
	SessionTimeoutHours int
	TLSVersion          string
	AuditLogging        bool
	MFARequired         bool
}

// ComplianceProfile is the ComplianceFramework lookup row.
type ComplianceProfile struct {
	AuditRequired       bool
	RetentionDays       int
	AccessControlLevel  string
	MFARequired         bool
	TLSVersion          string
	SessionTimeoutHours int
}

// CertificateProfile is the CertificateStrategy lookup row. Algorithm is
// empty for CustomImport because the imported key decides it.
type CertificateProfile struct {
	Algorithm    certcrypto.KeyType
	AutoRenewal  bool
	ValidityDays int
}

var tierTable = map[settings.DeploymentTier]TierProfile{
	settings.TierStandalone: {CollectorCount: 1, MaxClients: 50, DatastoreEngine: DatastoreFileBase},
	settings.TierServer:     {CollectorCount: 2, MaxClients: 1000, DatastoreEngine: DatastoreFileBase},
	settings.TierEnterprise: {CollectorCount: 4, MaxClients: 10000, DatastoreEngine: DatastoreMemcacheFile, ClusteringEnabled: true},
}

var securityTable = map[settings.SecurityLevel]SecurityProfile{
	settings.SecurityBasic:    {PasswordComplexity: "low", SessionTimeoutHours: 24, TLSVersion: "1.2"},
	settings.SecurityStandard: {PasswordComplexity: "medium", SessionTimeoutHours: 8, TLSVersion: "1.3", AuditLogging: true},
	settings.SecurityMaximum:  {PasswordComplexity: "high", SessionTimeoutHours: 4, TLSVersion: "1.3", AuditLogging: true, MFARequired: true},
}

// ComplianceNone has no row.
var complianceTable = map[settings.ComplianceFramework]ComplianceProfile{
	settings.ComplianceSOX: {
		AuditRequired: true, RetentionDays: 2555, AccessControlLevel: AccessRoleBased,
		MFARequired: true, TLSVersion: "1.2", SessionTimeoutHours: 8,
	},
	settings.ComplianceHIPAA: {
		AuditRequired: true, RetentionDays: 2190, AccessControlLevel: AccessStrict,
		MFARequired: true, TLSVersion: "1.3", SessionTimeoutHours: 2,
	},
	settings.CompliancePCIDSS: {
		AuditRequired: true, RetentionDays: 365, AccessControlLevel: AccessStrict,
		MFARequired: true, TLSVersion: "1.3", SessionTimeoutHours: 1,
	},
	settings.ComplianceGDPR: {
		AuditRequired: true, RetentionDays: 90, AccessControlLevel: AccessRoleBased,
		MFARequired: false, TLSVersion: "1.2", SessionTimeoutHours: 8,
	},
}

var certificateTable = map[settings.CertificateStrategy]CertificateProfile{
	settings.CertSelfSigned:   {Algorithm: certcrypto.RSA2048, ValidityDays: 3650},
	settings.CertManagedACME:  {Algorithm: certcrypto.EC256, AutoRenewal: true, ValidityDays: 90},
	settings.CertCustomImport: {},
}

// TierProfileFor returns the row for t. Unknown tiers fall back to Standalone.
func TierProfileFor(t settings.DeploymentTier) TierProfile {
	if p, ok := tierTable[t]; ok {
		return p
	}
	return tierTable[settings.TierStandalone]
}

// SecurityProfileFor returns the row for l. Unknown levels fall back to Standard.
func SecurityProfileFor(l settings.SecurityLevel) SecurityProfile {
	if p, ok := securityTable[l]; ok {
		return p
	}
	return securityTable[settings.SecurityStandard]
}

// ComplianceProfileFor returns the row for f and false for ComplianceNone.
func ComplianceProfileFor(f settings.ComplianceFramework) (ComplianceProfile, bool) {
	p, ok := complianceTable[f]
	return p, ok
}

// CertificateProfileFor returns the row for s.
func CertificateProfileFor(s settings.CertificateStrategy) CertificateProfile {
	return certificateTable[s]
}
