// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blujedis/knect-mongo-sub000/cmd/util"
)

// NewRootCommand enables all children commands to read flags from CLI flags, environment variables prefixed with
// KNECT, or config.yaml (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("KNECT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/knect", "$HOME/.knect", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	cmd := &cobra.Command{
		Use:   "knect",
		Short: "Query and maintain document collections through knect models",
		Long: `Query and maintain document collections through knect models.

Models (collection, joins, soft delete and validation rules) are read from the
"models" section of config.yaml. Any other name is used as a plain collection.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Root().PersistentFlags()

			util.MustBindPFlag(storeEngineConf, flags.Lookup(storeEngineFlag))
			util.MustBindPFlag(storeURIConf, flags.Lookup(storeURIFlag))
			util.MustBindPFlag(storeDatabaseConf, flags.Lookup(storeDatabaseFlag))
			util.MustBindPFlag(logFormatConf, flags.Lookup(logFormatFlag))
			util.MustBindPFlag(logLevelConf, flags.Lookup(logLevelFlag))
			util.MustBindPFlag(metricsConf, flags.Lookup(metricsFlag))

			return readConfig()
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(storeEngineFlag, "memory", "the store engine (mongo, postgres, sqlite, memory)")
	flags.String(storeURIFlag, "", "the connection uri of the store")
	flags.String(storeDatabaseFlag, "knect", "the database holding the collections (mongo only)")
	flags.String(logFormatFlag, "text", "the log format to output logs in (text, json)")
	flags.String(logLevelFlag, "warn", "the log level to use (none, debug, info, warn, error)")
	flags.Bool(metricsFlag, false, "print driver operation counters to stderr when the command ends")

	// NOTE: if you add a new flag here, add the binding in PersistentPreRunE

	cmd.AddCommand(NewPingCommand())
	cmd.AddCommand(NewFindCommand())
	cmd.AddCommand(NewCascadeCommand())

	return cmd
}

// readConfig loads config.yaml when one exists.
func readConfig() error {
	err := viper.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if err != nil && !errors.As(err, &notFound) {
		return err
	}
	return nil
}
