package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/jutuon/app-manager/internal/config"
)

func writeExecutable(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	return p
}

func baseTOML(t *testing.T, dir string) string {
	t.Helper()
	open := writeExecutable(t, dir, "open.sh")
	cls := writeExecutable(t, dir, "close.sh")
	isDef := writeExecutable(t, dir, "isdef.sh")
	chg := writeExecutable(t, dir, "chg.sh")
	start := writeExecutable(t, dir, "start.sh")
	stop := writeExecutable(t, dir, "stop.sh")
	logs := writeExecutable(t, dir, "logs.sh")

	return `
storage_dir = "` + dir + `/storage"
api_key = "secret"
reboot_time = "04:00"

[tls]
public_api_cert = "` + dir + `/cert.pem"
public_api_key = "` + dir + `/key.pem"

[script_locations]
open_encryption = "` + open + `"
close_encryption = "` + cls + `"
is_default_encryption_password = "` + isDef + `"
change_encryption_password = "` + chg + `"
start_backend = "` + start + `"
stop_backend = "` + stop + `"
print_logs = "` + logs + `"

[secure_storage]
availability_check_path = "` + dir + `/mounted.marker"
`
}

func TestLoadValidConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cert.pem"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "key.pem"), []byte("x"), 0o644))

	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(baseTOML(t, dir)), 0o644))

	c, err := config.Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, dir+"/storage", c.StorageDir)
	require.False(t, c.IsBuildNode())

	hh, mm := c.RebootTimeParts()
	require.Equal(t, 4, hh)
	require.Equal(t, 0, mm)
}

func TestLoadMissingScriptFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cert.pem"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "key.pem"), []byte("x"), 0o644))

	toml := `
storage_dir = "` + dir + `/storage"
api_key = "secret"
reboot_time = "04:00"

[tls]
public_api_cert = "` + dir + `/cert.pem"
public_api_key = "` + dir + `/key.pem"

[script_locations]
open_encryption = "` + dir + `/does-not-exist.sh"
close_encryption = "` + dir + `/does-not-exist.sh"
is_default_encryption_password = "` + dir + `/does-not-exist.sh"
change_encryption_password = "` + dir + `/does-not-exist.sh"
start_backend = "` + dir + `/does-not-exist.sh"
stop_backend = "` + dir + `/does-not-exist.sh"
print_logs = "` + dir + `/does-not-exist.sh"

[secure_storage]
availability_check_path = "` + dir + `/mounted.marker"
`
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(toml), 0o644))

	_, err := config.Load(path, nil)
	require.Error(t, err)
}

func TestCLIOverrideWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cert.pem"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "key.pem"), []byte("x"), 0o644))

	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(baseTOML(t, dir)), 0o644))

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.RegisterDaemonFlags(flags)
	require.NoError(t, flags.Set("storage-dir", "/overridden"))

	c, err := config.Load(path, flags)
	require.NoError(t, err)
	require.Equal(t, "/overridden", c.StorageDir)
}

func TestValidateShellSafePath(t *testing.T) {
	require.NoError(t, config.ValidateShellSafePath("/home/user/.ssh/id_rsa"))
	require.Error(t, config.ValidateShellSafePath("relative/path"))
	require.Error(t, config.ValidateShellSafePath("/home/user/$(rm -rf /)"))
	require.Error(t, config.ValidateShellSafePath(""))
}
