package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmcleod/cadepot/storage"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "cadepot",
	Short: "Inspect and back up certificate authority state",
	Long: `cadepot manages the on-disk state of a certification authority:
signing requests, issued certificates, CA key material, revocations and
the cached CRL, kept in an embedded SQLite database.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./cadepot.yaml)")
	rootCmd.PersistentFlags().String("db", "ca.db", "path of the CA database file")
	rootCmd.PersistentFlags().String("prefix", "ca_", "table prefix of the CA instance")
	cobra.CheckErr(viper.BindPFlag("database.path", rootCmd.PersistentFlags().Lookup("db")))
	cobra.CheckErr(viper.BindPFlag("database.prefix", rootCmd.PersistentFlags().Lookup("prefix")))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("cadepot")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	if err := viper.ReadInConfig(); err == nil {
		slog.Debug("using config file", "path", viper.ConfigFileUsed())
	}
}

// openStore opens the configured CA database.
func openStore() (*storage.Store, error) {
	return storage.Open(viper.GetString("database.path"), viper.GetString("database.prefix"))
}
