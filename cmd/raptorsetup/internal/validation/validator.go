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
Package validation checks a settings.Store for user-fixable problems.

Every applicable rule in every domain is evaluated, so a single call reports
all problems at once. Rules never mutate the store and never panic. Atomic
value checks (ranges, IP syntax, e-mail, URL, file existence) are delegated
to go-playground/validator; the cross-field logic deciding which checks
apply lives here.

Errors are ordered by domain:

	network → proxy → credentials → certificate → sso → artifacts → install
*/
package validation

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/artifacts"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/settings"
)

// Domain groups errors by the settings area they belong to.
type Domain string

const (
	DomainNetwork     Domain = "network"
	DomainProxy       Domain = "proxy"
	DomainCredentials Domain = "credentials"
	DomainCertificate Domain = "certificate"
	DomainSSO         Domain = "sso"
	DomainArtifacts   Domain = "artifacts"
	DomainInstall     Domain = "install"
)

// Messages shared with tests and front ends.
const (
	MsgPortRange            = "Port must be between 1024 and 65535"
	MsgBindAddress          = "Bind address must be a valid IP address"
	MsgProxyHostRequired    = "Proxy host is required when a proxy is enabled"
	MsgProxyHostInvalid     = "Proxy host must be a hostname or IP address"
	MsgProxyPortRange       = "Proxy port must be between 1 and 65535"
	MsgUsernameRequired     = "Administrator username is required"
	MsgPasswordRequired     = "Custom password is required"
	MsgPasswordTooShort     = "Custom password must be at least 8 characters"
	MsgACMEEmail            = "A valid email address is required for ACME certificates"
	MsgACMEDomain           = "A fully qualified domain name is required for ACME certificates"
	MsgSAMLEndpoint         = "SAML endpoint must be an http(s) URL"
	MsgOAuthClientID        = "OAuth client ID is required"
	MsgOAuthClientSecret    = "OAuth client secret is required"
	MsgADDomain             = "Active Directory domain is required"
	MsgInstallDirAbsolute   = "Install directory must be an absolute path"
	MsgDatastoreDirAbsolute = "Datastore directory must be an absolute path"
	MsgManifestURL          = "Release manifest URL must be an http(s) URL"
)

// MinPasswordLength is the shortest accepted custom password.
const MinPasswordLength = 8

// FieldError is a single user-fixable problem.
type FieldError struct {
	Domain  Domain
	Field   string
	Message string
}

func (e FieldError) Error() string { return e.Message }

// Errors is the ordered list of problems found by Validate. A nil or empty
// Errors means the settings are valid.
type Errors []FieldError

// Error joins every message with "; ".
func (e Errors) Error() string {
	msgs := make([]string, len(e))
	for i, fe := range e {
		msgs[i] = fe.Message
	}
	return strings.Join(msgs, "; ")
}

// Err returns nil when e is empty, otherwise e itself.
func (e Errors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// Messages returns just the messages, in order.
func (e Errors) Messages() []string {
	out := make([]string, len(e))
	for i, fe := range e {
		out[i] = fe.Message
	}
	return out
}

// Validator evaluates settings rules.
//
// # Thread Safety
//
// Safe for concurrent use; validator.Validate caches are goroutine safe.
type Validator struct {
	v       *validator.Validate
	catalog artifacts.Catalog
}

// New creates a Validator that checks pack names against catalog.
func New(catalog artifacts.Catalog) *Validator {
	v := validator.New()
	// Registration only fails for an empty tag or nil func.
	_ = v.RegisterValidation("abspath", func(fl validator.FieldLevel) bool {
		return filepath.IsAbs(fl.Field().String())
	})
	return &Validator{v: v, catalog: catalog}
}

var defaultValidator = New(artifacts.Default())

// Validate checks s with the built-in artifact catalog.
func Validate(s settings.Store) Errors {
	return defaultValidator.Validate(s)
}

// Validate returns every problem found in s, ordered by domain.
func (v *Validator) Validate(s settings.Store) Errors {
	c := &collector{v: v.v}

	v.network(c, s.Network)
	v.proxy(c, s.Network.Proxy)
	v.credentials(c, s.Credentials)
	v.certificate(c, s.Certificate)
	v.sso(c, s.SSO)
	v.packs(c, s.ArtifactPacks)
	v.install(c, s.Install)

	return c.errs
}

func (v *Validator) network(c *collector, n settings.NetworkSettings) {
	c.require(n.Port, "min=1024,max=65535", DomainNetwork, "network.port", MsgPortRange)
	c.require(n.BindAddress, "required,ip", DomainNetwork, "network.bind_address", MsgBindAddress)
	for i, server := range n.DNSServers {
		c.require(server, "required,ip", DomainNetwork, fmt.Sprintf("network.dns_servers[%d]", i),
			fmt.Sprintf("DNS server %q must be a valid IP address", server))
	}
}

func (v *Validator) proxy(c *collector, p *settings.ProxySettings) {
	if p == nil {
		return
	}
	if strings.TrimSpace(p.Host) == "" {
		c.add(DomainProxy, "network.proxy.host", MsgProxyHostRequired)
	} else {
		c.require(p.Host, "hostname_rfc1123|ip", DomainProxy, "network.proxy.host", MsgProxyHostInvalid)
	}
	c.require(p.Port, "min=1,max=65535", DomainProxy, "network.proxy.port", MsgProxyPortRange)
}

func (v *Validator) credentials(c *collector, cr settings.Credentials) {
	c.require(strings.TrimSpace(cr.Username), "required", DomainCredentials, "credentials.username", MsgUsernameRequired)

	custom, ok := cr.Password.(settings.CustomPassword)
	if !ok {
		return
	}
	if custom.Value == "" {
		c.add(DomainCredentials, "credentials.password", MsgPasswordRequired)
		return
	}
	c.require(custom.Value, fmt.Sprintf("min=%d", MinPasswordLength), DomainCredentials, "credentials.password", MsgPasswordTooShort)
}

func (v *Validator) certificate(c *collector, cert settings.Certificate) {
	switch cc := cert.(type) {
	case settings.CustomImport:
		c.require(cc.CertPath, "required,file", DomainCertificate, "certificate.cert_path",
			fmt.Sprintf("Certificate file not found: %q", cc.CertPath))
		c.require(cc.KeyPath, "required,file", DomainCertificate, "certificate.key_path",
			fmt.Sprintf("Private key file not found: %q", cc.KeyPath))
	case settings.ManagedACME:
		c.require(cc.Email, "required,email", DomainCertificate, "certificate.email", MsgACMEEmail)
		c.require(cc.Domain, "required,fqdn", DomainCertificate, "certificate.domain", MsgACMEDomain)
	}
}

func (v *Validator) sso(c *collector, sso settings.SSO) {
	switch s := sso.(type) {
	case settings.SAML:
		c.require(s.EndpointURL, "required,http_url", DomainSSO, "sso.endpoint_url", MsgSAMLEndpoint)
	case settings.OAuth:
		c.require(strings.TrimSpace(s.ClientID), "required", DomainSSO, "sso.client_id", MsgOAuthClientID)
		c.require(strings.TrimSpace(s.ClientSecret), "required", DomainSSO, "sso.client_secret", MsgOAuthClientSecret)
	case settings.ActiveDirectory:
		c.require(strings.TrimSpace(s.Domain), "required", DomainSSO, "sso.domain", MsgADDomain)
	}
}

func (v *Validator) packs(c *collector, packs settings.PackSet) {
	for _, name := range packs {
		if !v.catalog.Known(name) {
			c.add(DomainArtifacts, "artifact_packs", fmt.Sprintf("Unknown artifact pack: %q", name))
		}
	}
}

func (v *Validator) install(c *collector, in settings.InstallSettings) {
	c.require(in.InstallDir, "required,abspath", DomainInstall, "install.install_dir", MsgInstallDirAbsolute)
	if in.DatastoreDir != "" {
		c.require(in.DatastoreDir, "abspath", DomainInstall, "install.datastore_dir", MsgDatastoreDirAbsolute)
	}
	c.require(in.ReleaseManifestURL, "required,http_url", DomainInstall, "install.release_manifest_url", MsgManifestURL)
}

// collector accumulates errors without short-circuiting.
type collector struct {
	v    *validator.Validate
	errs Errors
}

// require adds msg when value fails tag.
func (c *collector) require(value any, tag string, d Domain, field, msg string) {
	if err := c.v.Var(value, tag); err != nil {
		c.add(d, field, msg)
	}
}

func (c *collector) add(d Domain, field, msg string) {
	c.errs = append(c.errs, FieldError{Domain: d, Field: field, Message: msg})
}
