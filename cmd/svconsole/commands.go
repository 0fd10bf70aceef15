package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/svconsole/internal/auth"
	"github.com/loykin/svconsole/internal/config"
	"github.com/loykin/svconsole/pkg/client"
)

const defaultAPIUrl = "http://127.0.0.1:8080/api"

type command struct {
	flags *GlobalFlags
}

// apiURL picks --api-url, then the server section of --config, then the
// local default.
func (c *command) apiURL() (string, error) {
	if c.flags.APIUrl != "" {
		return strings.TrimRight(c.flags.APIUrl, "/"), nil
	}
	if c.flags.ConfigPath == "" {
		return defaultAPIUrl, nil
	}
	cfg, err := config.Load(c.flags.ConfigPath)
	if err != nil {
		return "", fmt.Errorf("error loading config: %w", err)
	}
	return serverURL(cfg.Server), nil
}

// serverURL turns a listen address into a URL a local client can dial.
func serverURL(s config.ServerConfig) string {
	host, port, err := net.SplitHostPort(s.Listen)
	if err != nil {
		return defaultAPIUrl
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	base := strings.TrimRight(s.BasePath, "/")
	if base != "" && !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return "http://" + net.JoinHostPort(host, port) + base
}

func (c *command) client(cmd *cobra.Command) (*client.Client, context.Context, error) {
	url, err := c.apiURL()
	if err != nil {
		return nil, nil, err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cl := client.New(client.Config{
		BaseURL:  url,
		Timeout:  c.flags.APITimeout,
		Username: c.flags.Username,
		Password: c.flags.Password,
		Token:    c.flags.Token,
	})
	if !cl.IsReachable(ctx) {
		return nil, nil, fmt.Errorf("console not reachable at %s - start it first with 'svconsole serve'", url)
	}
	return cl, ctx, nil
}

// emit prints v as JSON when --output=json, otherwise calls table.
func (c *command) emit(w io.Writer, v any, table func(io.Writer)) error {
	switch strings.ToLower(c.flags.Output) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "", "table":
		table(w)
		return nil
	default:
		return fmt.Errorf("unknown output format %q", c.flags.Output)
	}
}

func (c *command) Status(cmd *cobra.Command, name string) error {
	cl, ctx, err := c.client(cmd)
	if err != nil {
		return err
	}
	var recs []client.ServiceRecord
	if name == "" {
		recs, err = cl.Services(ctx)
	} else {
		var rec client.ServiceRecord
		rec, err = cl.Service(ctx, name)
		recs = []client.ServiceRecord{rec}
	}
	if err != nil {
		return err
	}
	return c.emit(cmd.OutOrStdout(), recs, func(w io.Writer) { renderRecords(w, recs) })
}

func (c *command) recordAction(cmd *cobra.Command, name string, do func(*client.Client, context.Context, string) (client.ServiceRecord, error)) error {
	cl, ctx, err := c.client(cmd)
	if err != nil {
		return err
	}
	rec, err := do(cl, ctx, name)
	if err != nil {
		return err
	}
	return c.emit(cmd.OutOrStdout(), rec, func(w io.Writer) { renderRecords(w, []client.ServiceRecord{rec}) })
}

func (c *command) Start(cmd *cobra.Command, name string) error {
	return c.recordAction(cmd, name, (*client.Client).Start)
}

func (c *command) Stop(cmd *cobra.Command, name string) error {
	return c.recordAction(cmd, name, (*client.Client).Stop)
}

func (c *command) Refresh(cmd *cobra.Command, name string) error {
	return c.recordAction(cmd, name, (*client.Client).Refresh)
}

func (c *command) CaptureOutput(cmd *cobra.Command, name string) error {
	return c.recordAction(cmd, name, (*client.Client).CaptureOutput)
}

func (c *command) Troubleshoot(cmd *cobra.Command, name string) error {
	cl, ctx, err := c.client(cmd)
	if err != nil {
		return err
	}
	r, err := cl.Troubleshoot(ctx, name)
	if err != nil {
		return err
	}
	return c.emit(cmd.OutOrStdout(), r, func(w io.Writer) { renderRecommendations(w, r.Recommendations) })
}

func (c *command) Tail(cmd *cobra.Command, name string) error {
	cl, ctx, err := c.client(cmd)
	if err != nil {
		return err
	}
	l, err := cl.ServiceLogs(ctx, name)
	if err != nil {
		return err
	}
	return c.emit(cmd.OutOrStdout(), l, func(w io.Writer) {
		for _, line := range l.Lines {
			_, _ = fmt.Fprintln(w, line)
		}
	})
}

func (c *command) lifecycle(cmd *cobra.Command, do func(*client.Client, context.Context) ([]client.ServiceRecord, error)) error {
	cl, ctx, err := c.client(cmd)
	if err != nil {
		return err
	}
	recs, err := do(cl, ctx)
	if err != nil {
		return err
	}
	return c.emit(cmd.OutOrStdout(), recs, func(w io.Writer) { renderRecords(w, recs) })
}

func (c *command) StartAll(cmd *cobra.Command) error {
	return c.lifecycle(cmd, (*client.Client).StartAll)
}

func (c *command) StopAll(cmd *cobra.Command) error {
	return c.lifecycle(cmd, (*client.Client).StopAll)
}

func (c *command) RefreshAll(cmd *cobra.Command) error {
	return c.lifecycle(cmd, (*client.Client).RefreshAll)
}

func (c *command) Diagnose(cmd *cobra.Command) error {
	cl, ctx, err := c.client(cmd)
	if err != nil {
		return err
	}
	r, err := cl.Diagnostics(ctx)
	if err != nil {
		return err
	}
	return c.emit(cmd.OutOrStdout(), r, func(w io.Writer) { renderReport(w, r) })
}

func (c *command) Ports(cmd *cobra.Command) error {
	cl, ctx, err := c.client(cmd)
	if err != nil {
		return err
	}
	ports, err := cl.Ports(ctx)
	if err != nil {
		return err
	}
	return c.emit(cmd.OutOrStdout(), ports, func(w io.Writer) { renderPorts(w, ports) })
}

func (c *command) Processes(cmd *cobra.Command) error {
	cl, ctx, err := c.client(cmd)
	if err != nil {
		return err
	}
	procs, err := cl.Processes(ctx)
	if err != nil {
		return err
	}
	return c.emit(cmd.OutOrStdout(), procs, func(w io.Writer) { renderProcesses(w, procs) })
}

func (c *command) TestPort(cmd *cobra.Command, port int) error {
	cl, ctx, err := c.client(cmd)
	if err != nil {
		return err
	}
	r, err := cl.TestPort(ctx, port)
	if err != nil {
		return err
	}
	return c.emit(cmd.OutOrStdout(), r, func(w io.Writer) {
		renderPorts(w, map[int]client.PortStatus{r.Port: {Active: r.Active, Status: r.Status}})
	})
}

func (c *command) Logs(cmd *cobra.Command, f LogsFlags) error {
	cl, ctx, err := c.client(cmd)
	if err != nil {
		return err
	}
	if f.Clear {
		if err := cl.ClearLogs(ctx); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "console log cleared")
		return nil
	}
	entries, err := cl.Logs(ctx, f.Source)
	if err != nil {
		return err
	}
	return c.emit(cmd.OutOrStdout(), entries, func(w io.Writer) { renderLogs(w, entries) })
}

func (c *command) Login(cmd *cobra.Command) error {
	if c.flags.Username == "" || c.flags.Password == "" {
		return errors.New("login requires --user and --password")
	}
	cl, ctx, err := c.client(cmd)
	if err != nil {
		return err
	}
	tok, err := cl.Login(ctx, c.flags.Username, c.flags.Password)
	if err != nil {
		return err
	}
	return c.emit(cmd.OutOrStdout(), tok, func(w io.Writer) {
		_, _ = fmt.Fprintln(w, tok.Value)
	})
}

func hashPassword(cmd *cobra.Command, args []string, flags HashPasswordFlags) error {
	var password string
	if len(args) == 1 {
		password = args[0]
	} else {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	h, err := auth.HashPassword(password, flags.Cost)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), h)
	return nil
}
