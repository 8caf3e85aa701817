// Command appmanagerctl is the thin operator CLI client for the control
// API: a hand-written client for the peer RPCs, driven from the shell
// rather than generated from an OpenAPI schema.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jutuon/app-manager/internal/apiclient"
	"github.com/jutuon/app-manager/internal/model"
	"github.com/jutuon/app-manager/internal/tlsutil"
)

var (
	apiKey      string
	apiURL      string
	rootCertPEM string
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "appmanagerctl",
		Short:         "Operator client for the app-manager control API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&apiKey, "api-key", "k", "", "API key presented as x-api-key")
	root.PersistentFlags().StringVarP(&apiURL, "api-url", "u", "", "base URL of the target supervisor, e.g. https://host:port")
	root.PersistentFlags().StringVarP(&rootCertPEM, "root-certificate", "c", "", "PEM file with the single pinned root certificate")
	_ = root.MarkPersistentFlagRequired("api-key")
	_ = root.MarkPersistentFlagRequired("api-url")

	root.AddCommand(
		newEncryptionKeyCmd(),
		newLatestBuildInfoCmd(),
		newRequestBuildSoftwareCmd(),
		newRequestUpdateSoftwareCmd(),
		newRequestRestartBackendCmd(),
		newSystemInfoCmd(false),
		newSystemInfoCmd(true),
		newSoftwareInfoCmd(),
	)
	return root
}

func newClient() (*apiclient.Client, error) {
	tlsCfg, err := tlsutil.NewClientConfig(rootCertPEM)
	if err != nil {
		return nil, err
	}
	return apiclient.New(apiURL, apiKey, tlsCfg), nil
}

func parseKindArg(s string) (model.SoftwareKind, error) {
	kind, ok := model.ParseSoftwareKind(s)
	if !ok {
		return 0, fmt.Errorf("invalid software kind %q (want manager or backend)", s)
	}
	return kind, nil
}

func newEncryptionKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encryption-key <name>",
		Short: "Fetch a named data-encryption key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			key, err := c.GetEncryptionKey(context.Background(), args[0])
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(key)
			return err
		},
	}
}

func newLatestBuildInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "latest-build-info <kind>",
		Short: "Print the BuildInfo record for the latest published artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKindArg(args[0])
			if err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			bi, err := c.GetLatestBuildInfo(context.Background(), kind)
			if err != nil {
				return err
			}
			return printJSON(bi)
		},
	}
}

func newRequestBuildSoftwareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "request-build-software <kind>",
		Short: "Enqueue a build of the named software",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKindArg(args[0])
			if err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			return c.RequestBuild(context.Background(), kind)
		},
	}
}

func newRequestUpdateSoftwareCmd() *cobra.Command {
	var reboot, resetData bool
	cmd := &cobra.Command{
		Use:   "request-update-software <kind>",
		Short: "Enqueue an update of the named software",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKindArg(args[0])
			if err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			return c.RequestUpdate(context.Background(), kind, reboot, resetData)
		},
	}
	cmd.Flags().BoolVar(&reboot, "reboot", false, "force a reboot after installing")
	cmd.Flags().BoolVar(&resetData, "reset-data", false, "reset the backend's data directory")
	return cmd
}

func newRequestRestartBackendCmd() *cobra.Command {
	var resetData bool
	cmd := &cobra.Command{
		Use:   "request-restart-backend",
		Short: "Restart (optionally reset) the supervised backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			return c.RequestRestart(context.Background(), resetData)
		},
	}
	cmd.Flags().BoolVar(&resetData, "reset-data", false, "reset the backend's data directory")
	return cmd
}

func newSystemInfoCmd(all bool) *cobra.Command {
	use, short := "system-info", "Print diagnostic command output for this node"
	if all {
		use, short = "system-info-all", "Print diagnostic command output for this node and every configured peer"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			out, err := c.GetSystemInfo(context.Background(), all)
			if err != nil {
				return err
			}
			_, err = io.WriteString(os.Stdout, out)
			return err
		},
	}
}

func newSoftwareInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "software-info",
		Short: "Print the Installed Record for both software kinds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			info, err := c.GetSoftwareInfo(context.Background())
			if err != nil {
				return err
			}
			return printJSON(info)
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
