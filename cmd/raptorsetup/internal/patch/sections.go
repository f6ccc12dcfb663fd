// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package patch

import (
	"path/filepath"

	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/derive"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/settings"
)

// Section names written to the server configuration.
const (
	SectionGUI        = "GUI"
	SectionFrontend   = "Frontend"
	SectionDatastore  = "Datastore"
	SectionLogging    = "Logging"
	SectionSecurity   = "Security"
	SectionDeployment = "Deployment"

	KeyAutocertDomain = "autocert_domain"
	KeyAutocertCache  = "autocert_cert_cache"
)

// Authenticator types understood by the server GUI.
const (
	AuthBasic = "Basic"
	AuthSAML  = "SAML"
	AuthOIDC  = "OIDC"
	AuthAzure = "Azure"
)

const secondsPerDay = 24 * 60 * 60

// SectionsFor returns every section the pipeline writes for cfg.
func SectionsFor(cfg derive.EffectiveConfiguration) []Section {
	sections := []Section{
		{Name: SectionGUI, Entries: []Entry{
			{Key: "bind_address", Value: cfg.Network.BindAddress},
			{Key: "bind_port", Value: cfg.Network.Port},
			{Key: "authenticator", Children: authenticator(cfg.SSO), Replace: true},
		}},
		{Name: SectionDatastore, Entries: []Entry{
			{Key: "implementation", Value: cfg.DatastoreEngine},
			{Key: "location", Value: cfg.Paths.DatastoreDir},
			{Key: "filestore_directory", Value: cfg.Paths.DatastoreDir},
		}},
		{Name: SectionLogging, Entries: []Entry{
			{Key: "output_directory", Value: cfg.Paths.LogDir},
			{Key: "separate_logs_per_component", Value: true},
			{Key: "max_age", Value: cfg.RetentionDays * secondsPerDay},
		}},
	}

	if frontend := frontendEntries(cfg.Certificate); len(frontend) > 0 {
		sections = append(sections, Section{Name: SectionFrontend, Entries: frontend})
	}
	if cfg.Certificate.Strategy == settings.CertManagedACME {
		sections = append(sections,
			Section{Name: KeyAutocertDomain, Value: cfg.Certificate.ACMEDomain},
			Section{Name: KeyAutocertCache, Value: filepath.Join(cfg.Paths.DatastoreDir, "acme")},
		)
	}

	sections = append(sections,
		Section{Name: SectionSecurity, Entries: []Entry{
			{Key: "password_complexity", Value: cfg.PasswordComplexity},
			{Key: "session_timeout_hours", Value: cfg.SessionTimeoutHours},
			{Key: "tls_min_version", Value: cfg.TLSVersion},
			{Key: "audit_logging", Value: cfg.AuditLogging},
			{Key: "mfa_required", Value: cfg.MFARequired},
			{Key: "retention_days", Value: cfg.RetentionDays},
			{Key: "access_control_level", Value: cfg.AccessControlLevel},
			{Key: "compliance_framework", Value: cfg.Compliance.String()},
		}},
		Section{Name: SectionDeployment, Entries: deploymentEntries(cfg)},
	)
	return sections
}

// ComplianceSections returns only the keys a compliance framework mandates,
// or nil when no framework is selected.
func ComplianceSections(cfg derive.EffectiveConfiguration) []Section {
	if cfg.Compliance == settings.ComplianceNone {
		return nil
	}
	return []Section{{Name: SectionSecurity, Entries: []Entry{
		{Key: "mfa_required", Value: cfg.MFARequired},
		{Key: "tls_min_version", Value: cfg.TLSVersion},
		{Key: "session_timeout_hours", Value: cfg.SessionTimeoutHours},
		{Key: "audit_logging", Value: cfg.AuditLogging},
		{Key: "retention_days", Value: cfg.RetentionDays},
		{Key: "access_control_level", Value: cfg.AccessControlLevel},
		{Key: "compliance_framework", Value: cfg.Compliance.String()},
	}}}
}

func authenticator(sso settings.SSO) []Entry {
	switch p := sso.(type) {
	case settings.SAML:
		return []Entry{
			{Key: "type", Value: AuthSAML},
			{Key: "saml_idp_metadata_url", Value: p.EndpointURL},
		}
	case settings.OAuth:
		return []Entry{
			{Key: "type", Value: AuthOIDC},
			{Key: "oauth_client_id", Value: p.ClientID},
			{Key: "oauth_client_secret", Value: p.ClientSecret},
		}
	case settings.ActiveDirectory:
		return []Entry{
			{Key: "type", Value: AuthAzure},
			{Key: "tenant", Value: p.Domain},
		}
	default:
		return []Entry{{Key: "type", Value: AuthBasic}}
	}
}

func frontendEntries(plan derive.CertificatePlan) []Entry {
	switch plan.Strategy {
	case settings.CertCustomImport:
		return []Entry{
			{Key: "tls_certificate_filename", Value: plan.CertPath},
			{Key: "tls_private_key_filename", Value: plan.KeyPath},
		}
	case settings.CertManagedACME:
		return []Entry{{Key: "hostname", Value: plan.ACMEDomain}}
	}
	return nil
}

func deploymentEntries(cfg derive.EffectiveConfiguration) []Entry {
	entries := []Entry{
		{Key: "tier", Value: cfg.Tier.String()},
		{Key: "collector_count", Value: cfg.CollectorCount},
		{Key: "max_clients", Value: cfg.MaxClients},
		{Key: "clustering_enabled", Value: cfg.ClusteringEnabled},
		{Key: "artifact_packs", Value: nonNil(cfg.ArtifactPacks)},
	}
	if len(cfg.Network.DNSServers) > 0 {
		entries = append(entries, Entry{Key: "dns_servers", Value: cfg.Network.DNSServers})
	}
	return entries
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
