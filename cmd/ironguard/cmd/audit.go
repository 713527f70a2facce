package cmd

import "github.com/spf13/cobra"

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log verification tools",
	Long:  `Commands for verifying the hash-chained audit log, either in storage or as exported by the file sink.`,
}

func init() {
	rootCmd.AddCommand(auditCmd)
}
