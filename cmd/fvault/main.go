// SPDX-License-Identifier: Apache-2.0
//
// fvault is a thin, single-shot demonstration CLI over the core
// vault/zone/territory stack (spec §1: "the command-line front-end...
// thin adapter"). It is not the production CLI surface — no caching,
// no job queue, no HTTP/MCP façade — those remain external collaborators.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/caseforge/forensicvault/pkg/elog"
)

var log elog.View

var (
	flagVerbose bool
	flagDebug   bool
	flagMmap    bool
	flagRoot    string
)

var rootCmd = &cobra.Command{
	Use:           "fvault",
	Short:         "Inspect disk images: containers, partitions, and filesystems",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug output")
	rootCmd.PersistentFlags().BoolVar(&flagMmap, "mmap", false, "memory-map the backing file where supported")
	rootCmd.PersistentFlags().StringVar(&flagRoot, "root", ".", "directory images must reside under (path-safety boundary)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		logger := &elog.CLI{}
		logrus.SetFormatter(logger)
		logrus.SetLevel(logrus.TraceLevel)
		if flagDebug {
			logger.IsDebug = true
			logger.IsVerbose = true
		} else if flagVerbose {
			logger.IsVerbose = true
		}
		log = logger
		return nil
	}

	rootCmd.AddCommand(identifyCmd)
	rootCmd.AddCommand(zonesCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(catCmd)
	rootCmd.AddCommand(verifyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
