package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const configFlagName = "config"

// envPrefix turns the command name into the environment variable prefix,
// e.g. linkup-agent -> LINKUP_AGENT.
func envPrefix(basename string) string {
	return strings.ToUpper(strings.ReplaceAll(basename, "-", "_"))
}

func addConfigFlag(basename string, fs *pflag.FlagSet, cfgFile *string) {
	fs.StringVarP(cfgFile, configFlagName, "c", *cfgFile,
		fmt.Sprintf("Read configuration from the specified file (YAML or JSON). Defaults to /etc/linkup/%s.yaml when present.", basename))
}

// loadConfig binds fs to viper and merges the config file underneath it, so
// values set on the command line win over the file.
func loadConfig(v *viper.Viper, basename, cfgFile string, fs *pflag.FlagSet) error {
	v.SetEnvPrefix(envPrefix(basename))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile == "" {
		def := filepath.Join("/etc/linkup", basename+".yaml")
		if _, err := os.Stat(def); err == nil {
			cfgFile = def
		}
	}
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read configuration file %s: %w", cfgFile, err)
		}
	}

	return v.BindPFlags(fs)
}
