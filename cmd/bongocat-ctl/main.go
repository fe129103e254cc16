package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// ============================================================================
// bongocat-ctl - Command-line IPC Client
// ============================================================================
// Sends control requests to a running bongocat daemon over its Unix socket.
//
// Usage:
//   bongocat-ctl status
//   bongocat-ctl reconnect [PORT]
//   bongocat-ctl send-raw "SPEED:120"
// ============================================================================

const defaultSocketPath = "/tmp/bongocat.sock"

// Request envelope (duplicated from the daemon package for a standalone binary)
type requestEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ipcResponse represents the daemon's response
type ipcResponse struct {
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

var (
	socketPath string
	timeout    time.Duration
	rawJSON    bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "bongocat-ctl",
		Short:         "Control a running bongocat daemon via IPC",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", defaultSocketPath, "Unix domain socket path")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Second, "time to wait for the daemon's reply")
	rootCmd.PersistentFlags().BoolVar(&rawJSON, "json", false, "print the raw JSON response data")

	rootCmd.AddCommand(
		newSimpleCmd("status", "Show connection, typing and telemetry state", "status"),
		newReconnectCmd(),
		newSimpleCmd("disconnect", "Stop the animation and close the serial port", "disconnect"),
		newSimpleCmd("push-config", "Re-send display settings to the device", "push_config"),
		newSimpleCmd("save-settings", "Ask the device to persist its settings", "save_settings"),
		newSendRawCmd(),
	)
	return rootCmd
}

func newSimpleCmd(use, short, reqType string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, requestEnvelope{Type: reqType})
		},
	}
}

func newReconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconnect [PORT]",
		Short: "Reconnect to the device, optionally on a different port",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env := requestEnvelope{Type: "reconnect"}
			if len(args) == 1 {
				data, err := json.Marshal(map[string]string{"port": args[0]})
				if err != nil {
					return fmt.Errorf("marshal reconnect: %w", err)
				}
				env.Data = data
			}
			return run(cmd, env)
		},
	}
}

func newSendRawCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send-raw LINE",
		Short: "Send one protocol line verbatim (debugging)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			line := args[0]
			if line == "" || strings.ContainsAny(line, "\r\n") {
				return errors.New("line must be non-empty and must not contain line breaks")
			}
			data, err := json.Marshal(map[string]string{"line": line})
			if err != nil {
				return fmt.Errorf("marshal send_raw: %w", err)
			}
			return run(cmd, requestEnvelope{Type: "send_raw", Data: data})
		},
	}
}

func run(cmd *cobra.Command, env requestEnvelope) error {
	data, err := send(socketPath, env, timeout)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(data) == 0 || string(data) == "null" {
		fmt.Fprintln(out, "ok")
		return nil
	}
	if rawJSON {
		fmt.Fprintln(out, string(data))
		return nil
	}

	var st statusView
	if err := json.Unmarshal(data, &st); err == nil && st.Connection != "" {
		printStatus(out, st)
		return nil
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Fprintln(out, string(data))
		return nil
	}
	fmt.Fprintln(out, pretty.String())
	return nil
}

func send(socketPath string, env requestEnvelope, timeout time.Duration) (json.RawMessage, error) {
	// Connect to socket
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	// Send request (line-delimited JSON)
	if _, err := fmt.Fprintf(conn, "%s\n", payload); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	var response ipcResponse
	if err := json.NewDecoder(conn).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if response.Status != "ok" {
		return nil, fmt.Errorf("daemon error: %s", response.Error)
	}
	return response.Data, nil
}
