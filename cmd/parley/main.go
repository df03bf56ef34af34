package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/parley/pkg/logging"
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "parley is a chat client that keeps conversations in sync with a remote store",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// reinitialize the logger because we can now parse --log-level and co
		// from the command line flag
		return initLogger()
	},
	SilenceUsage: true,
}

func initLogger() error {
	logLevel := viper.GetString("log-level")
	if viper.GetBool("verbose") && logLevel != "trace" {
		logLevel = "debug"
	}
	return logging.Init(logging.Config{
		Level:      logLevel,
		File:       viper.GetString("log-file"),
		Format:     viper.GetString("log-format"),
		WithCaller: viper.GetBool("with-caller"),
	})
}

func initConfig(rootCmd *cobra.Command, configPath string) error {
	viper.SetEnvPrefix("parley")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("parley")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.parley")

		xdgConfigPath, err := os.UserConfigDir()
		if err == nil {
			viper.AddConfigPath(xdgConfigPath + "/parley")
		}
	}

	err := viper.ReadInConfig()
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		// no config file, flags and environment only
	} else if err != nil {
		return err
	}
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return err
	}

	if err := initLogger(); err != nil {
		return err
	}
	log.Debug().
		Str("config", viper.ConfigFileUsed()).
		Msg("Loaded configuration")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.Bool("with-caller", false, "Log caller")
	flags.String("log-level", "warn", "Log level (trace, debug, info, warn, error, fatal)")
	flags.String("log-format", "text", "Log format (json, text)")
	flags.String("log-file", "", "Also write logs to this file")
	flags.Bool("verbose", false, "Verbose output")
	flags.String("config", "", "Path to config file (default ./parley.yaml or ~/.parley/parley.yaml)")

	flags.String("owner", defaultOwner(), "Owner id of the conversations")
	flags.String("db", "", "SQLite database file used as the remote store")
	flags.String("remote", "", "Base URL of a parley relay server used as the remote store")
	flags.String("id-kind", "uuidv7", "Id generator (uuidv7, uuidv4, short)")

	// parse the flags one time just to catch --config
	configFile := ""
	for idx, arg := range os.Args {
		if arg == "--config" && len(os.Args) > idx+1 {
			configFile = os.Args[idx+1]
		}
	}
	if err := initConfig(rootCmd, configFile); err != nil {
		cobra.CheckErr(err)
	}

	rootCmd.AddCommand(newChatCommand())
	rootCmd.AddCommand(newConversationsCommand())
	rootCmd.AddCommand(newServeCommand())
}

func defaultOwner() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}
