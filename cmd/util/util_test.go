package util

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestMustBindPFlag(t *testing.T) {
	t.Cleanup(viper.Reset)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("store-engine", "memory", "")
	require.NoError(t, flags.Parse([]string{"--store-engine", "sqlite"}))

	MustBindPFlag("store.engine", flags.Lookup("store-engine"))
	require.Equal(t, "sqlite", viper.GetString("store.engine"))

	require.Panics(t, func() {
		MustBindPFlag("store.uri", nil)
	})
}

func TestMustBindEnv(t *testing.T) {
	t.Cleanup(viper.Reset)
	t.Setenv("KNECT_TEST_VALUE", "from-env")

	MustBindEnv("test.value", "KNECT_TEST_VALUE")
	require.Equal(t, "from-env", viper.GetString("test.value"))

	require.Panics(t, func() {
		MustBindEnv()
	})
}
