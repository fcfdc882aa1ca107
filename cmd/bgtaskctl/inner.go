package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/basket/bgtaskd/internal/bgmode"
)

func innerCmd() *cobra.Command {
	var uid int32
	var modeName string

	cmd := &cobra.Command{
		Use:   "inner <apply|reset>",
		Short: "Drive the privileged inner task surface",
		Long: `Apply starts an inner continuous task for a uid under the given mode;
reset stops it. Inner grants carry no notification and bypass bundle
mode declarations, which is why this surface is operator-only.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var start bool
			switch args[0] {
			case "apply":
				start = true
			case "reset":
				start = false
			default:
				return fmt.Errorf("unknown action %q, want apply or reset", args[0])
			}
			mode, ok := bgmode.FromName(modeName)
			if !ok {
				return fmt.Errorf("unknown mode %q", modeName)
			}
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			body := map[string]any{"uid": uid, "bgModeId": uint32(mode), "start": start}
			if err := c.doAs(uid, http.MethodPost, "/v1/task/inner", body, nil); err != nil {
				return err
			}
			fmt.Printf("%s inner %s task for uid %d\n", args[0], modeName, uid)
			return nil
		},
	}
	cmd.Flags().Int32Var(&uid, "uid", 0, "target uid")
	cmd.Flags().StringVar(&modeName, "mode", "workout", "mode name (e.g. workout, voip)")
	_ = cmd.MarkFlagRequired("uid")
	return cmd
}
