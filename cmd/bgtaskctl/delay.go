package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/basket/bgtaskd/internal/transient"
)

func delayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delay",
		Short: "Inspect transient delay quotas",
	}
	cmd.AddCommand(delayInfoCmd())
	return cmd
}

func delayInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show per-package delay quota state",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			var out struct {
				Packages []transient.PkgSnapshot `json:"packages"`
			}
			if err := c.do(http.MethodGet, "/v1/dump?section=delays", nil, &out); err != nil {
				return err
			}
			if len(out.Packages) == 0 {
				fmt.Println("No packages with transient delay state.")
				return nil
			}
			for _, pkg := range out.Packages {
				where := "foreground"
				if pkg.Background {
					where = "background"
				}
				fmt.Printf("%d %s  quota=%dms  %s  requests=%d\n",
					pkg.UID, pkg.Bundle, pkg.RemainingMS, where, len(pkg.Requests))
				for _, req := range pkg.Requests {
					fmt.Printf("  #%d reason=%q granted=%dms at %s\n",
						req.ID, req.Reason, req.ActualDelayMS, req.GrantedAt.Format("15:04:05"))
				}
			}
			return nil
		},
	}
}
