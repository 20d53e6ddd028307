package main

import (
	"github.com/spf13/cobra"

	"github.com/caseforge/forensicvault/pkg/forensic"
)

var zonesCmd = &cobra.Command{
	Use:   "zones IMAGE",
	Short: "Decode and list the partition table (or Direct fallback)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := forensic.OpenVault(args[0], flagRoot, forensic.Config{UseMmap: flagMmap})
		if err != nil {
			return err
		}
		defer v.Close()

		table, err := forensic.ParseZones(v.Stream(), v.Length(), 0)
		if err != nil {
			return err
		}

		log.Printf("source: %s", table.Source)
		for _, z := range table.Zones {
			log.Printf("  [%d] %s  offset=%d length=%d", z.Index, z.ZoneType, z.Offset, z.Length)
			if z.TypeGUID != "" {
				log.Printf("       type=%s name=%q hint=%s", z.TypeGUID, z.Name, z.TerritoryHint)
			}
		}
		return nil
	},
}
