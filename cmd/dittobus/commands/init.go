package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/dittobus/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		var path string
		var err error

		if cfgFile != "" {
			path = cfgFile
			err = config.InitConfigToPath(cfgFile, initForce)
		} else {
			path, err = config.InitConfig(initForce)
		}
		if err != nil {
			return err
		}

		fmt.Printf("Configuration file created at: %s\n", path)
		fmt.Println("\nNext steps:")
		fmt.Println("  1. Edit the configuration file to customize your setup")
		fmt.Println("  2. Start the broker with: dittobus start")
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}
