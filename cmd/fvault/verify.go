package main

import (
	"github.com/spf13/cobra"

	"github.com/caseforge/forensicvault/pkg/forensic"
)

var verifyCmd = &cobra.Command{
	Use:   "verify IMAGE",
	Short: "Report which structural checks passed for a container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := forensic.OpenVault(args[0], flagRoot, forensic.Config{UseMmap: flagMmap})
		if err != nil {
			return err
		}
		defer v.Close()

		report := forensic.ValidateIntegrity(v)
		log.Printf("format: %s", report.Format)
		for _, c := range report.Checks {
			status := "ok"
			if !c.Valid {
				status = "FAILED"
			}
			log.Printf("  %-28s %s  %s", c.Name, status, c.Note)
		}
		return nil
	},
}
