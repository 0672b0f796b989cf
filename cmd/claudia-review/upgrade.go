package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/claudia-review/internal/updater"
)

// version is set at build time via -ldflags
var version = "dev"

func init() {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
	rootCmd.AddCommand(versionCmd)

	upgradeCmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Update claudia-review to the latest release",
		RunE:  runUpgrade,
	}
	rootCmd.AddCommand(upgradeCmd)
}

func runUpgrade(cmd *cobra.Command, args []string) error {
	latest, err := updater.CheckLatestVersion()
	if err != nil {
		return err
	}

	if !updater.NeedsUpdate(version, latest) {
		fmt.Printf("Already up to date (%s)\n", version)
		return nil
	}

	fmt.Printf("Updating %s -> %s\n", version, latest)
	if err := updater.SelfUpdate(latest); err != nil {
		return err
	}
	fmt.Println("Done. Restart any running serve process to pick up the new binary.")
	return nil
}
