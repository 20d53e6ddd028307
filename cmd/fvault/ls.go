package main

import (
	"github.com/spf13/cobra"

	"github.com/caseforge/forensicvault/pkg/forensic"
)

var flagZoneIndex int

func init() {
	lsCmd.Flags().IntVar(&flagZoneIndex, "zone", 0, "zone index to mount")
	catCmd.Flags().IntVar(&flagZoneIndex, "zone", 0, "zone index to mount")
}

var lsCmd = &cobra.Command{
	Use:   "ls IMAGE [PATH]",
	Short: "List a directory inside the filesystem mounted over a zone",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := forensic.Analyze(args[0], flagRoot, forensic.Config{UseMmap: flagMmap}, flagZoneIndex)
		if err != nil {
			return err
		}
		defer result.Vault.Close()

		path := ""
		if len(args) == 2 {
			path = args[1]
		}
		cell, err := result.Territory.Navigate(path)
		if err != nil {
			return err
		}

		occupants, err := cell.List()
		if err != nil {
			return err
		}
		for _, o := range occupants {
			kind := "f"
			if o.IsDir {
				kind = "d"
			}
			log.Printf("%s  %10d  %s", kind, o.Size, o.Name)
		}
		return nil
	},
}
