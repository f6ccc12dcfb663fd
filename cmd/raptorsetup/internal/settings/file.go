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
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultPath returns ~/.raptorsetup/settings.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".raptorsetup", "settings.yaml"), nil
}

// fileSettings is the on-disk layout. Variants are flattened into a
// discriminator plus the union of their fields; only the fields belonging to
// the selected variant are read back.
type fileSettings struct {
	Tier          DeploymentTier      `yaml:"deployment_tier"`
	Security      SecurityLevel       `yaml:"security_level"`
	Compliance    ComplianceFramework `yaml:"compliance"`
	Certificate   fileCertificate     `yaml:"certificate"`
	Network       fileNetwork         `yaml:"network"`
	SSO           fileSSO             `yaml:"sso"`
	ArtifactPacks []string            `yaml:"artifact_packs"`
	Credentials   fileCredentials     `yaml:"credentials"`
	Install       fileInstall         `yaml:"install"`
}

type fileCertificate struct {
	Strategy CertificateStrategy `yaml:"strategy"`
	Email    string              `yaml:"email,omitempty"`
	Domain   string              `yaml:"domain,omitempty"`
	CertPath string              `yaml:"cert_path,omitempty"`
	KeyPath  string              `yaml:"key_path,omitempty"`
}

type fileNetwork struct {
	BindAddress string     `yaml:"bind_address"`
	Port        int        `yaml:"port"`
	DNSServers  []string   `yaml:"dns_servers,omitempty"`
	Proxy       *fileProxy `yaml:"proxy,omitempty"`
}

type fileProxy struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type fileSSO struct {
	Provider     SSOProvider `yaml:"provider"`
	EndpointURL  string      `yaml:"endpoint_url,omitempty"`
	ClientID     string      `yaml:"client_id,omitempty"`
	ClientSecret string      `yaml:"client_secret,omitempty"`
	Domain       string      `yaml:"domain,omitempty"`
}

type fileCredentials struct {
	Username       string `yaml:"username"`
	CustomPassword bool   `yaml:"custom_password"`
	Password       string `yaml:"password,omitempty"`
}

type fileInstall struct {
	InstallDir         string      `yaml:"install_dir"`
	DatastoreDir       string      `yaml:"datastore_dir,omitempty"`
	ServiceMode        ServiceMode `yaml:"service_mode"`
	ReleaseManifestURL string      `yaml:"release_manifest_url"`
}

func toFile(s Store) fileSettings {
	f := fileSettings{
		Tier:          s.Tier,
		Security:      s.Security,
		Compliance:    s.Compliance,
		ArtifactPacks: []string(s.ArtifactPacks),
		Network: fileNetwork{
			BindAddress: s.Network.BindAddress,
			Port:        s.Network.Port,
			DNSServers:  s.Network.DNSServers,
		},
		Credentials: fileCredentials{
			Username: s.Credentials.Username,
		},
		Install: fileInstall(s.Install),
	}
	if s.Network.Proxy != nil {
		f.Network.Proxy = &fileProxy{Host: s.Network.Proxy.Host, Port: s.Network.Proxy.Port}
	}

	f.Certificate.Strategy = s.Certificate.Strategy()
	switch c := s.Certificate.(type) {
	case ManagedACME:
		f.Certificate.Email, f.Certificate.Domain = c.Email, c.Domain
	case CustomImport:
		f.Certificate.CertPath, f.Certificate.KeyPath = c.CertPath, c.KeyPath
	}

	f.SSO.Provider = s.SSO.Provider()
	switch v := s.SSO.(type) {
	case SAML:
		f.SSO.EndpointURL = v.EndpointURL
	case OAuth:
		f.SSO.ClientID, f.SSO.ClientSecret = v.ClientID, v.ClientSecret
	case ActiveDirectory:
		f.SSO.Domain = v.Domain
	}

	if s.Credentials.Password != nil {
		f.Credentials.CustomPassword = s.Credentials.Password.IsCustom()
		f.Credentials.Password = s.Credentials.Password.Secret()
	}
	return f
}

func fromFile(f fileSettings) Store {
	s := Store{
		Tier:          f.Tier,
		Security:      f.Security,
		Compliance:    f.Compliance,
		ArtifactPacks: NewPackSet(f.ArtifactPacks...),
		Network: NetworkSettings{
			BindAddress: f.Network.BindAddress,
			Port:        f.Network.Port,
			DNSServers:  f.Network.DNSServers,
		},
		Install: InstallSettings(f.Install),
	}
	if f.Network.Proxy != nil {
		s.Network.Proxy = &ProxySettings{Host: f.Network.Proxy.Host, Port: f.Network.Proxy.Port}
	}

	switch f.Certificate.Strategy {
	case CertManagedACME:
		s.Certificate = ManagedACME{Email: f.Certificate.Email, Domain: f.Certificate.Domain}
	case CertCustomImport:
		s.Certificate = CustomImport{CertPath: f.Certificate.CertPath, KeyPath: f.Certificate.KeyPath}
	default:
		s.Certificate = SelfSigned{}
	}

	switch f.SSO.Provider {
	case SSOSAML:
		s.SSO = SAML{EndpointURL: f.SSO.EndpointURL}
	case SSOOAuth:
		s.SSO = OAuth{ClientID: f.SSO.ClientID, ClientSecret: f.SSO.ClientSecret}
	case SSOActiveDirectory:
		s.SSO = ActiveDirectory{Domain: f.SSO.Domain}
	default:
		s.SSO = NoSSO{}
	}

	s.Credentials.Username = f.Credentials.Username
	if f.Credentials.CustomPassword {
		s.Credentials.Password = CustomPassword{Value: f.Credentials.Password}
	} else {
		s.Credentials.Password = GeneratedPassword{Value: f.Credentials.Password}
	}
	return s
}

// Marshal encodes s as YAML.
func Marshal(s Store) ([]byte, error) {
	return yaml.Marshal(toFile(s))
}

// Unmarshal decodes YAML produced by Marshal. Fields missing from data keep
// their Default values.
func Unmarshal(data []byte) (Store, error) {
	f := toFile(Default())
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Store{}, fmt.Errorf("failed to parse settings: %w", err)
	}
	s := fromFile(f)
	s.normalize()
	return s, nil
}

// Load reads settings from path, creating the file with defaults on first run.
//
// The second return value reports whether the file was created.
func Load(path string) (Store, bool, error) {
	created := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := Save(path, Default()); err != nil {
			return Store{}, false, err
		}
		created = true
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Store{}, false, fmt.Errorf("failed to read the settings file: %w", err)
	}
	s, err := Unmarshal(data)
	if err != nil {
		return Store{}, false, fmt.Errorf("%s: %w", path, err)
	}
	return s, created, nil
}

// Save writes s to path atomically with mode 0600, since the file can hold
// the administrator password and OAuth client secret.
func Save(path string, s Store) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create the settings directory: %w", err)
	}
	data, err := Marshal(s)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp settings file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
