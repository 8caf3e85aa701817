package config

import "github.com/spf13/pflag"

// RegisterDaemonFlags defines the small set of CLI overrides accepted by
// the daemon binary (cmd/appmanager) that are allowed to override the
// config file.
func RegisterDaemonFlags(flags *pflag.FlagSet) {
	flags.String("storage-dir", "", "override storage_dir from the config file")
	flags.String("api-key", "", "override api_key from the config file")
	flags.String("public-listen-addr", "", "override public_listen_addr from the config file")
	flags.String("operator-listen-addr", "", "override operator_listen_addr from the config file")
}
