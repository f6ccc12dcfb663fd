// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ui

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/artifacts"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/settings"
)

// ErrWizardAborted is returned when the user cancels the wizard.
var ErrWizardAborted = errors.New("configuration wizard aborted")

// Answers is the flat form state behind the wizard. Every field maps to a
// settings.Set key so the wizard never bypasses the setters' variant rules.
type Answers struct {
	Tier       string
	Security   string
	Compliance string

	CertStrategy string
	ACMEEmail    string
	ACMEDomain   string
	CertPath     string
	KeyPath      string

	BindAddress string
	Port        string
	UseProxy    bool
	Proxy       string

	SSOProvider       string
	SAMLEndpoint      string
	OAuthClientID     string
	OAuthClientSecret string
	ADDomain          string

	Packs []string

	Username       string
	CustomPassword bool
	Password       string

	ServiceMode string
	InstallDir  string
}

// AnswersFrom pre-fills the form from the current settings.
func AnswersFrom(s settings.Store) Answers {
	s = s.Normalized()
	a := Answers{
		Tier:         s.Tier.String(),
		Security:     s.Security.String(),
		Compliance:   s.Compliance.String(),
		CertStrategy: s.Certificate.Strategy().String(),
		BindAddress:  s.Network.BindAddress,
		Port:         strconv.Itoa(s.Network.Port),
		SSOProvider:  s.SSO.Provider().String(),
		Packs:        append([]string(nil), s.ArtifactPacks...),
		Username:     s.Credentials.Username,
		ServiceMode:  s.Install.ServiceMode.String(),
		InstallDir:   s.Install.InstallDir,
	}
	switch c := s.Certificate.(type) {
	case settings.ManagedACME:
		a.ACMEEmail, a.ACMEDomain = c.Email, c.Domain
	case settings.CustomImport:
		a.CertPath, a.KeyPath = c.CertPath, c.KeyPath
	}
	switch p := s.SSO.(type) {
	case settings.SAML:
		a.SAMLEndpoint = p.EndpointURL
	case settings.OAuth:
		a.OAuthClientID, a.OAuthClientSecret = p.ClientID, p.ClientSecret
	case settings.ActiveDirectory:
		a.ADDomain = p.Domain
	}
	if p := s.Network.Proxy; p != nil {
		a.UseProxy = true
		a.Proxy = net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
	}
	if s.Credentials.Password.IsCustom() {
		a.CustomPassword = true
		a.Password = s.Credentials.Password.Secret()
	}
	return a
}

// Apply writes the answers onto s through settings.Set. Variant selectors
// are applied before their fields.
func (a Answers) Apply(s *settings.Store) error {
	type kv struct{ key, value string }
	pairs := []kv{
		{"deployment_tier", a.Tier},
		{"security_level", a.Security},
		{"compliance", a.Compliance},
		{"certificate.strategy", a.CertStrategy},
	}
	switch a.CertStrategy {
	case settings.CertManagedACME.String():
		pairs = append(pairs, kv{"certificate.email", a.ACMEEmail}, kv{"certificate.domain", a.ACMEDomain})
	case settings.CertCustomImport.String():
		pairs = append(pairs, kv{"certificate.cert_path", a.CertPath}, kv{"certificate.key_path", a.KeyPath})
	}

	pairs = append(pairs,
		kv{"network.bind_address", a.BindAddress},
		kv{"network.port", a.Port},
	)
	if a.UseProxy {
		pairs = append(pairs, kv{"network.proxy", a.Proxy})
	} else {
		pairs = append(pairs, kv{"network.proxy", "none"})
	}

	pairs = append(pairs, kv{"sso.provider", a.SSOProvider})
	switch a.SSOProvider {
	case settings.SSOSAML.String():
		pairs = append(pairs, kv{"sso.endpoint_url", a.SAMLEndpoint})
	case settings.SSOOAuth.String():
		pairs = append(pairs, kv{"sso.client_id", a.OAuthClientID}, kv{"sso.client_secret", a.OAuthClientSecret})
	case settings.SSOActiveDirectory.String():
		pairs = append(pairs, kv{"sso.domain", a.ADDomain})
	}

	pairs = append(pairs,
		kv{"artifact_packs", strings.Join(a.Packs, ",")},
		kv{"credentials.username", a.Username},
	)
	if a.CustomPassword {
		pairs = append(pairs, kv{"credentials.password", a.Password})
	} else if s.Credentials.Password != nil && s.Credentials.Password.IsCustom() {
		pairs = append(pairs, kv{"credentials.generate", ""})
	}
	pairs = append(pairs,
		kv{"install.service_mode", a.ServiceMode},
		kv{"install.install_dir", a.InstallDir},
	)

	for _, p := range pairs {
		if err := settings.Set(s, p.key, p.value); err != nil {
			return fmt.Errorf("%s: %w", p.key, err)
		}
	}
	return nil
}

// RunWizard shows the interactive configuration form pre-filled from
// current and returns the edited answers. Field-level checks here are
// only for typing mistakes; cross-field rules are left to the validator so
// every problem is reported together afterwards.
func RunWizard(current settings.Store, catalog artifacts.Catalog, accessible bool) (Answers, error) {
	a := AnswersFrom(current)

	packOptions := make([]huh.Option[string], 0, len(catalog))
	for _, name := range catalog.Names() {
		packOptions = append(packOptions, huh.NewOption(name, name).Selected(slices.Contains(a.Packs, name)))
	}

	form := huh.NewForm(
		huh.NewGroup(
			selectField("Deployment tier", "deployment_tier", &a.Tier),
			selectField("Security level", "security_level", &a.Security),
			selectField("Compliance framework", "compliance", &a.Compliance),
		).Title("Deployment"),

		huh.NewGroup(
			selectField("Certificate strategy", "certificate.strategy", &a.CertStrategy),
		).Title("Certificate"),
		huh.NewGroup(
			huh.NewInput().Title("ACME account email").Value(&a.ACMEEmail),
			huh.NewInput().Title("Certificate domain").Value(&a.ACMEDomain),
		).WithHideFunc(func() bool { return a.CertStrategy != settings.CertManagedACME.String() }),
		huh.NewGroup(
			huh.NewInput().Title("Certificate PEM path").Value(&a.CertPath),
			huh.NewInput().Title("Private key PEM path").Value(&a.KeyPath),
		).WithHideFunc(func() bool { return a.CertStrategy != settings.CertCustomImport.String() }),

		huh.NewGroup(
			huh.NewInput().Title("Bind address").Value(&a.BindAddress),
			huh.NewInput().Title("GUI port").Value(&a.Port).Validate(numeric),
			huh.NewConfirm().Title("Use an outbound proxy?").Value(&a.UseProxy),
		).Title("Network"),
		huh.NewGroup(
			huh.NewInput().Title("Proxy (host:port)").Value(&a.Proxy),
		).WithHideFunc(func() bool { return !a.UseProxy }),

		huh.NewGroup(
			selectField("Single sign-on", "sso.provider", &a.SSOProvider),
		).Title("Authentication"),
		huh.NewGroup(
			huh.NewInput().Title("SAML endpoint URL").Value(&a.SAMLEndpoint),
		).WithHideFunc(func() bool { return a.SSOProvider != settings.SSOSAML.String() }),
		huh.NewGroup(
			huh.NewInput().Title("OAuth client ID").Value(&a.OAuthClientID),
			huh.NewInput().Title("OAuth client secret").EchoMode(huh.EchoModePassword).Value(&a.OAuthClientSecret),
		).WithHideFunc(func() bool { return a.SSOProvider != settings.SSOOAuth.String() }),
		huh.NewGroup(
			huh.NewInput().Title("Active Directory domain").Value(&a.ADDomain),
		).WithHideFunc(func() bool { return a.SSOProvider != settings.SSOActiveDirectory.String() }),

		huh.NewGroup(
			huh.NewMultiSelect[string]().Title("Artifact packs").Options(packOptions...).Value(&a.Packs),
		).Title("Artifacts"),

		huh.NewGroup(
			huh.NewInput().Title("Administrator username").Value(&a.Username),
			huh.NewConfirm().Title("Choose the administrator password yourself?").Value(&a.CustomPassword),
		).Title("Administrator"),
		huh.NewGroup(
			huh.NewInput().Title("Administrator password").EchoMode(huh.EchoModePassword).Value(&a.Password),
		).WithHideFunc(func() bool { return !a.CustomPassword }),

		huh.NewGroup(
			selectField("Run mode", "install.service_mode", &a.ServiceMode),
			huh.NewInput().Title("Install directory").Value(&a.InstallDir),
		).Title("Installation"),
	).WithAccessible(accessible).WithTheme(huh.ThemeCharm())

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return Answers{}, ErrWizardAborted
		}
		return Answers{}, err
	}
	return a, nil
}

func selectField(title, key string, value *string) *huh.Select[string] {
	return huh.NewSelect[string]().
		Title(title).
		Options(huh.NewOptions(settings.Choices(key)...)...).
		Value(value)
}

func numeric(s string) error {
	if _, err := strconv.Atoi(s); err != nil {
		return errors.New("must be a number")
	}
	return nil
}
