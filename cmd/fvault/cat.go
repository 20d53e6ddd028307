package main

import (
	"bytes"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/caseforge/forensicvault/pkg/forensic"
)

var flagCatOut string

func init() {
	catCmd.Flags().StringVarP(&flagCatOut, "out", "o", "", "write the extracted file here instead of stdout")
}

var catCmd = &cobra.Command{
	Use:   "cat IMAGE PATH",
	Short: "Extract a file from the filesystem mounted over a zone",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := forensic.Analyze(args[0], flagRoot, forensic.Config{UseMmap: flagMmap}, flagZoneIndex)
		if err != nil {
			return err
		}
		defer result.Vault.Close()

		data, err := result.Territory.Extract(args[1])
		if err != nil {
			return err
		}

		if flagCatOut == "" {
			_, err = os.Stdout.Write(data)
			return err
		}

		f, err := os.Create(flagCatOut)
		if err != nil {
			return err
		}
		defer f.Close()

		p := log.NewProgress("extract "+args[1], "KiB", int64(len(data)))
		r := p.ProxyReader(bytes.NewReader(data))
		defer r.Close()

		_, err = io.Copy(f, r)
		return err
	},
}
