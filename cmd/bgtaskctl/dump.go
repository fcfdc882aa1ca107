package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func dumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print the daemon's continuous task table",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			text, err := c.doText("/v1/dump?section=tasks")
			if err != nil {
				return err
			}
			fmt.Print(text)
			return nil
		},
	}
}
