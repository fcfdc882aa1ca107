package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/bgtaskd/internal/bgmode"
	"github.com/basket/bgtaskd/internal/record"
)

func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List and cancel continuous task grants",
	}
	cmd.AddCommand(tasksListCmd())
	cmd.AddCommand(tasksCancelCmd())
	cmd.AddCommand(tasksCancelAllCmd())
	return cmd
}

func tasksListCmd() *cobra.Command {
	var uid int32

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List continuous task grants",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			path := "/v1/tasks"
			if cmd.Flags().Changed("uid") {
				path = fmt.Sprintf("/v1/tasks?uid=%d", uid)
			}
			var out struct {
				Tasks []*record.ContinuousTaskRecord `json:"tasks"`
				Total int                            `json:"total"`
			}
			if err := c.do(http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			if out.Total == 0 {
				fmt.Println("No continuous task grants.")
				return nil
			}
			for _, rec := range out.Tasks {
				fmt.Printf("%s  id=%d  bundle=%s  modes=%s  state=%s\n",
					rec.Key(), rec.TaskID, rec.Bundle, modeNames(rec.Modes), taskState(rec))
			}
			fmt.Printf("\n%d grant(s)\n", out.Total)
			return nil
		},
	}
	cmd.Flags().Int32Var(&uid, "uid", 0, "only this uid's grants")
	return cmd
}

func tasksCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-key>",
		Short: "Cancel one grant, as if its notification was dismissed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			if err := c.do(http.MethodPost, "/v1/task/cancel", map[string]any{"taskKey": args[0]}, nil); err != nil {
				return err
			}
			fmt.Println("canceled", args[0])
			return nil
		},
	}
}

func tasksCancelAllCmd() *cobra.Command {
	var uid int32
	var modeType uint32

	cmd := &cobra.Command{
		Use:   "cancel-all",
		Short: "Cancel every grant of a uid",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			body := map[string]any{"uid": uid, "bgModeType": modeType}
			if err := c.do(http.MethodPost, "/v1/task/cancel_all", body, nil); err != nil {
				return err
			}
			fmt.Printf("canceled all grants of uid %d\n", uid)
			return nil
		},
	}
	cmd.Flags().Int32Var(&uid, "uid", 0, "target uid")
	cmd.Flags().Uint32Var(&modeType, "mode", 0, "only grants under this mode id (0 = all)")
	_ = cmd.MarkFlagRequired("uid")
	return cmd
}

func modeNames(modes []uint32) string {
	s := ""
	for i, m := range modes {
		if i > 0 {
			s += ","
		}
		s += bgmode.Mode(m).String()
	}
	return s
}

func taskState(rec *record.ContinuousTaskRecord) string {
	tty := isatty.IsTerminal(os.Stdout.Fd())
	if rec.Suspended {
		if tty {
			return color.New(color.FgYellow).Sprint("suspended")
		}
		return "suspended"
	}
	if tty {
		return color.New(color.FgGreen).Sprint("active")
	}
	return "active"
}
