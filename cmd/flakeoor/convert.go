package main

import (
	"os"

	"github.com/ethpandaops/flakeoor/pkg/gotest"
	"github.com/spf13/cobra"
)

var convertPackage string

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Convert go test -v output on stdin into JUnit XML on stdout",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return gotest.Convert(os.Stdin, convertPackage, os.Stdout)
	},
}

func init() {
	convertCmd.Flags().StringVar(&convertPackage, "package", "",
		"package name used when the output has no result line")

	rootCmd.AddCommand(convertCmd)
}
