package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/ntlmgate/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample ntlmgate configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/ntlmgate/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  ntlmgate init

  # Initialize with custom path
  ntlmgate init --config /etc/ntlmgate/config.yaml

  # Force overwrite existing config
  ntlmgate init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configFile := GetConfigFile()

	var configPath string
	var err error

	if configFile != "" {
		// Use custom path
		err = config.InitConfigToPath(configFile, initForce)
		configPath = configFile
	} else {
		// Use default path
		configPath, err = config.InitConfig(initForce)
	}

	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Point directory.url and directory.base_dn at your domain controller")
	fmt.Println("  2. Start the gateway with: ntlmgate start")
	fmt.Printf("  3. Or specify custom config: ntlmgate start --config %s\n", configPath)

	return nil
}
