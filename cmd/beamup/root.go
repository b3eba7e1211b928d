package main

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "BEAMUP"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "beamup",
		Short:         "Parallel chunked uploads to S3, Google Drive and GCS",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.AddCommand(newUploadCmd())
	return cmd
}

// bindFlags wires every flag to a BEAMUP_* environment variable, flags
// taking precedence.
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v.BindPFlags(cmd.Flags())
}
