package main

import (
	"github.com/spf13/cobra"

	"github.com/caseforge/forensicvault/pkg/forensic"
)

var identifyCmd = &cobra.Command{
	Use:   "identify IMAGE",
	Short: "Detect a container format and report its logical length",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := forensic.OpenVault(args[0], flagRoot, forensic.Config{UseMmap: flagMmap})
		if err != nil {
			return err
		}
		defer v.Close()

		log.Printf("format: %s", v.Identify())
		log.Printf("length: %d bytes", v.Length())
		return nil
	},
}
