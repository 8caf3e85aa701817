// Package config loads the supervisor's configuration: a TOML file layered
// with CLI-flag overrides (spf13/pflag), using a "file first, flags win"
// precedence where only flags the user explicitly set override the file.
//
// The HTTP router, the OpenAPI schema, and the CLI argument definitions
// themselves live elsewhere; this package only owns the
// Config/PeerConfig/ScriptLocations *data* those collaborators populate.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"github.com/docker/go-units"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/jutuon/app-manager/internal/apperr"
)

// sshKeyPathPattern is a strict whitelist: the SSH key path is
// interpolated into a shell-visible git core.sshCommand, so only these
// characters are accepted, and the path must be absolute.
var sshKeyPathPattern = regexp.MustCompile(`^[A-Za-z0-9_./-]+$`)

// ValidateShellSafePath enforces the path-validation property used
// wherever a configured path is interpolated into a shell command: no
// character outside [A-Za-z0-9_./-], and the path must be absolute.
func ValidateShellSafePath(path string) error {
	if path == "" {
		return apperr.New(apperr.KindConfigMissing, "path must not be empty")
	}
	if path[0] != '/' {
		return apperr.New(apperr.KindConfigMissing, "path must be absolute: "+path)
	}
	if !sshKeyPathPattern.MatchString(path) {
		return apperr.New(apperr.KindConfigMissing, "path contains characters outside [A-Za-z0-9_./-]: "+path)
	}
	return nil
}

// PeerConfig describes how to reach one peer supervisor.
type PeerConfig struct {
	BaseURL     string        `toml:"base_url"`
	APIKey      string        `toml:"api_key"`
	RootCA      string        `toml:"root_certificate,omitempty"`
	Timeout     time.Duration `toml:"timeout,omitempty"`
}

// Validate checks that the peer is minimally well-formed.
func (p PeerConfig) Validate(name string) error {
	if p.BaseURL == "" {
		return apperr.New(apperr.KindConfigMissing, "peer "+name+": base_url is required")
	}
	if _, err := url.Parse(p.BaseURL); err != nil {
		return apperr.Wrapf(err, apperr.KindConfigMissing, "peer %s: invalid base_url", name)
	}
	if p.APIKey == "" {
		return apperr.New(apperr.KindConfigMissing, "peer "+name+": api_key is required")
	}
	return nil
}

// ScriptLocations is the enumerated, verified set of seven shell-script
// paths. Verified once at startup by Validate; never re-read.
type ScriptLocations struct {
	OpenEncryption          string `toml:"open_encryption"`
	CloseEncryption         string `toml:"close_encryption"`
	IsDefaultPassword       string `toml:"is_default_encryption_password"`
	ChangeEncryptionPassword string `toml:"change_encryption_password"`
	StartBackend            string `toml:"start_backend"`
	StopBackend             string `toml:"stop_backend"`
	PrintLogs               string `toml:"print_logs"`
}

func (s ScriptLocations) all() []string {
	return []string{
		s.OpenEncryption, s.CloseEncryption, s.IsDefaultPassword,
		s.ChangeEncryptionPassword, s.StartBackend, s.StopBackend, s.PrintLogs,
	}
}

// Validate stats every script path and requires it to exist and be
// executable by someone: every script invoked with sudo must exist and be
// executable before the supervisor relies on it.
func (s ScriptLocations) Validate() error {
	for _, p := range s.all() {
		if p == "" {
			return apperr.New(apperr.KindConfigMissing, "a script_locations entry is empty")
		}
		info, err := os.Stat(p)
		if err != nil {
			return apperr.Wrapf(err, apperr.KindConfigMissing, "script %s", p)
		}
		if info.Mode()&0o111 == 0 {
			return apperr.New(apperr.KindConfigMissing, "script not executable: "+p)
		}
	}
	return nil
}

// RepoConfig describes one git repository the build manager clones/builds.
type RepoConfig struct {
	CloneURL        string `toml:"clone_url"`
	Branch          string `toml:"branch"`
	BinaryName      string `toml:"binary_name"`
	SSHKeyPath      string `toml:"ssh_key_path,omitempty"`
	PreBuildScript  string `toml:"pre_build_script,omitempty"`
}

// Validate checks the repo config, including the SSH-key path whitelist.
func (r RepoConfig) Validate() error {
	if r.CloneURL == "" || r.Branch == "" || r.BinaryName == "" {
		return apperr.New(apperr.KindConfigMissing, "repo config requires clone_url, branch, binary_name")
	}
	if r.SSHKeyPath != "" {
		if err := ValidateShellSafePath(r.SSHKeyPath); err != nil {
			return err
		}
	}
	return nil
}

// SoftwareBuilderConfig is present only on the build node.
type SoftwareBuilderConfig struct {
	Manager     RepoConfig `toml:"manager"`
	Backend     RepoConfig `toml:"backend"`
	GPGKeyID    string     `toml:"gpg_key_id"`
	SigningPublicKeyFile string `toml:"signing_public_key_file"`
}

// SoftwareUpdateProviderConfig names the peer an update-consumer node pulls
// artifacts from, and where each kind's binary gets installed once a
// download verifies. Manager and backend are configured symmetrically:
// neither install path is derived from the running process.
type SoftwareUpdateProviderConfig struct {
	PeerName           string `toml:"peer_name"`
	ManagerInstallPath string `toml:"manager_install_path"`
}

// SecureStorageConfig configures the mount manager.
type SecureStorageConfig struct {
	AvailabilityCheckPath string `toml:"availability_check_path"`
	LocalEncryptionKey    string `toml:"local_encryption_key,omitempty"`
}

// BackendConfig locates the supervised backend process.
type BackendConfig struct {
	InstallPath string `toml:"install_path"`
	DataDir     string `toml:"data_dir,omitempty"`
}

// TLSConfig carries the server-side TLS material.
type TLSConfig struct {
	PublicAPICert string `toml:"public_api_cert"`
	PublicAPIKey  string `toml:"public_api_key"`
}

// Config is the supervisor's full, read-once-at-startup configuration:
// shared read-only for the process lifetime once loaded.
type Config struct {
	StorageDir string `toml:"storage_dir"`
	APIKey     string `toml:"api_key"`

	TLS                 TLSConfig        `toml:"tls"`
	OperatorListenAddr  string           `toml:"operator_listen_addr,omitempty"`
	PublicListenAddr    string           `toml:"public_listen_addr"`

	ScriptLocations ScriptLocations `toml:"script_locations"`
	SecureStorage   SecureStorageConfig `toml:"secure_storage"`
	Backend         BackendConfig   `toml:"backend"`

	SoftwareBuilder        *SoftwareBuilderConfig        `toml:"software_builder,omitempty"`
	SoftwareUpdateProvider *SoftwareUpdateProviderConfig `toml:"software_update_provider,omitempty"`

	KeyProviderPeerName    string                `toml:"key_provider_peer"`
	Peers                  map[string]PeerConfig `toml:"peers"`

	RebootTime string `toml:"reboot_time"` // "HH:MM" local time

	JournalServices []string `toml:"journal_services,omitempty"`

	MaxArtifactSizeRaw string `toml:"max_artifact_size,omitempty"`
	MaxArtifactSize    int64  `toml:"-"`
}

// IsBuildNode reports whether this node is configured to build.
func (c *Config) IsBuildNode() bool {
	return c.SoftwareBuilder != nil
}

// Load reads path as TOML into a Config, then applies any flags in
// overrides that were explicitly set by the user: file loaded first,
// explicitly-set flags win.
func Load(path string, overrides *pflag.FlagSet) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrapf(err, apperr.KindConfigMissing, "reading config file %s", path)
	}

	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, apperr.Wrapf(err, apperr.KindDecode, "parsing config file %s", path)
	}

	if overrides != nil {
		applyOverrides(&c, overrides)
	}

	if c.MaxArtifactSizeRaw != "" {
		size, err := units.RAMInBytes(c.MaxArtifactSizeRaw)
		if err != nil {
			return nil, apperr.Wrapf(err, apperr.KindConfigMissing, "max_artifact_size %q", c.MaxArtifactSizeRaw)
		}
		c.MaxArtifactSize = size
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// applyOverrides re-applies CLI flags the user explicitly set: only flags
// with Changed==true win over the file.
func applyOverrides(c *Config, flags *pflag.FlagSet) {
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "storage-dir":
			c.StorageDir = f.Value.String()
		case "api-key":
			c.APIKey = f.Value.String()
		case "public-listen-addr":
			c.PublicListenAddr = f.Value.String()
		case "operator-listen-addr":
			c.OperatorListenAddr = f.Value.String()
		}
	})
}

// Validate performs the startup-time checks required before the rest of
// the system may rely on Config being well-formed: script paths exist and
// are executable, peers are parseable, and the software_builder and
// software_update_provider sections, where present, are complete. Both
// sections may be set at once.
func (c *Config) Validate() error {
	if c.StorageDir == "" {
		return apperr.New(apperr.KindConfigMissing, "storage_dir is required")
	}
	if c.APIKey == "" {
		return apperr.New(apperr.KindConfigMissing, "api_key is required")
	}
	if c.TLS.PublicAPICert == "" || c.TLS.PublicAPIKey == "" {
		return apperr.New(apperr.KindConfigMissing, "tls.public_api_cert and tls.public_api_key are required")
	}
	if err := c.ScriptLocations.Validate(); err != nil {
		return err
	}
	if c.SecureStorage.AvailabilityCheckPath == "" {
		return apperr.New(apperr.KindConfigMissing, "secure_storage.availability_check_path is required")
	}
	if c.SoftwareBuilder != nil {
		if err := c.SoftwareBuilder.Manager.Validate(); err != nil {
			return errors.Wrap(err, "software_builder.manager")
		}
		if err := c.SoftwareBuilder.Backend.Validate(); err != nil {
			return errors.Wrap(err, "software_builder.backend")
		}
		if c.SoftwareBuilder.GPGKeyID == "" {
			return apperr.New(apperr.KindConfigMissing, "software_builder.gpg_key_id is required")
		}
	}
	if c.SoftwareUpdateProvider != nil {
		if _, ok := c.Peers[c.SoftwareUpdateProvider.PeerName]; !ok {
			return apperr.New(apperr.KindConfigMissing, "software_update_provider.peer_name not found in [peers]")
		}
		if c.SoftwareUpdateProvider.ManagerInstallPath == "" {
			return apperr.New(apperr.KindConfigMissing, "software_update_provider.manager_install_path is required")
		}
	}
	if c.KeyProviderPeerName != "" {
		peer, ok := c.Peers[c.KeyProviderPeerName]
		if !ok {
			return apperr.New(apperr.KindConfigMissing, "key_provider_peer not found in [peers]")
		}
		if err := peer.Validate(c.KeyProviderPeerName); err != nil {
			return err
		}
	}
	for name, p := range c.Peers {
		if err := p.Validate(name); err != nil {
			return err
		}
	}
	if _, err := parseRebootTime(c.RebootTime); err != nil {
		return apperr.Wrapf(err, apperr.KindConfigMissing, "reboot_time %q", c.RebootTime)
	}
	return nil
}

// parseRebootTime validates the "HH:MM" format used by the reboot
// scheduler.
func parseRebootTime(s string) ([2]int, error) {
	var hh, mm int
	n, err := fmt.Sscanf(s, "%d:%d", &hh, &mm)
	if err != nil || n != 2 {
		return [2]int{}, fmt.Errorf("expected HH:MM, got %q", s)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return [2]int{}, fmt.Errorf("out of range HH:MM: %q", s)
	}
	return [2]int{hh, mm}, nil
}

// RebootTimeParts returns the configured daily reboot hour/minute.
func (c *Config) RebootTimeParts() (hour, minute int) {
	parts, _ := parseRebootTime(c.RebootTime)
	return parts[0], parts[1]
}
