package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewPingCommand returns the command checking that the configured store
// answers.
func NewPingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the configured store answers",
		Args:  cobra.NoArgs,
		RunE:  runPing,
	}
}

func runPing(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = s.close(ctx, cmd.ErrOrStderr())
	}()

	if err := s.registry.Driver().Ping(ctx); err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), map[string]string{
		"engine": viper.GetString(storeEngineConf),
		"status": "ok",
	})
}
