package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/bgtaskd/internal/config"
	"github.com/basket/bgtaskd/internal/gateway"
)

// client is a thin wrapper around the daemon's HTTP gateway. Requests carry
// the ctl tool's identity: uid 0, the resource schedule bundle.
type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient(cmd *cobra.Command) (*client, error) {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = os.Getenv("BGTASKD_ADDR")
	}
	if addr == "" {
		addr = "127.0.0.1:18710"
	}
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("BGTASKD_TOKEN")
	}
	if token == "" {
		data, err := os.ReadFile(filepath.Join(config.HomeDir(), "gateway.token"))
		if err != nil {
			return nil, fmt.Errorf("no token: pass --token, set BGTASKD_TOKEN, or run the daemon once to mint %s", filepath.Join(config.HomeDir(), "gateway.token"))
		}
		token = strings.TrimSpace(string(data))
	}
	return &client{
		baseURL: "http://" + addr,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *client) do(method, path string, body, out any) error {
	return c.doAs(0, method, path, body, out)
}

// doAs issues a request under a specific uid. The inner task surface checks
// the calling uid against the target, so driving it means speaking as the
// target application.
func (c *client) doAs(uid int32, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set(gateway.HeaderUID, fmt.Sprint(uid))
	req.Header.Set(gateway.HeaderPID, fmt.Sprint(os.Getpid()))
	req.Header.Set(gateway.HeaderUserID, "0")
	req.Header.Set(gateway.HeaderBundle, "bgtaskctl")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var eb struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &eb) == nil && eb.Message != "" {
			return fmt.Errorf("daemon error %d: %s", eb.Code, eb.Message)
		}
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// doText fetches a text/plain endpoint.
func (c *client) doText(path string) (string, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set(gateway.HeaderUID, "0")
	req.Header.Set(gateway.HeaderPID, fmt.Sprint(os.Getpid()))
	req.Header.Set(gateway.HeaderUserID, "0")
	req.Header.Set(gateway.HeaderBundle, "bgtaskctl")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("daemon unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return string(raw), nil
}
