package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check daemon health (/healthz)",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			if addr == "" {
				addr = os.Getenv("BGTASKD_ADDR")
			}
			if addr == "" {
				addr = "127.0.0.1:18710"
			}
			httpc := &http.Client{Timeout: 3 * time.Second}
			resp, err := httpc.Get("http://" + addr + "/healthz")
			if err != nil {
				fmt.Println(renderState(false), "daemon unreachable at", addr)
				return nil
			}
			defer resp.Body.Close()
			var payload struct {
				Healthy           bool   `json:"healthy"`
				ConfigFingerprint string `json:"config_fingerprint"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
				return fmt.Errorf("bad health payload: %w", err)
			}
			fmt.Println(renderState(payload.Healthy), "bgtaskd at", addr, "config", payload.ConfigFingerprint)
			return nil
		},
	}
}

func renderState(healthy bool) string {
	tty := isatty.IsTerminal(os.Stdout.Fd())
	if healthy {
		if tty {
			return color.New(color.FgGreen).Sprint("UP  ")
		}
		return "UP  "
	}
	if tty {
		return color.New(color.FgRed).Sprint("DOWN")
	}
	return "DOWN"
}
