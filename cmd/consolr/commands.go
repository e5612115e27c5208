package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/consolr/internal/config"
	"github.com/loykin/consolr/internal/tui"
	"github.com/loykin/consolr/pkg/client"
)

// command carries what every client subcommand needs: where to print and
// how to reach the daemon.
type command struct {
	out    io.Writer
	global *GlobalFlags
}

// apiURL picks the daemon address: --api-url, then the [server] section of
// --config, then the default local daemon.
func (c command) apiURL() (string, error) {
	if c.global.APIUrl != "" {
		return c.global.APIUrl, nil
	}
	if c.global.ConfigPath == "" {
		return client.DefaultBaseURL, nil
	}
	cfg, err := config.Load(c.global.ConfigPath)
	if err != nil {
		return "", fmt.Errorf("error loading config: %w", err)
	}
	host, port, err := net.SplitHostPort(cfg.Server.Listen)
	if err != nil {
		return "", fmt.Errorf("invalid server.listen %q: %w", cfg.Server.Listen, err)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + cfg.Server.BasePath, nil
}

func (c command) client(ctx context.Context) (*client.Client, error) {
	apiURL, err := c.apiURL()
	if err != nil {
		return nil, err
	}
	cl := client.New(client.Config{BaseURL: apiURL, Timeout: c.global.APITimeout})
	if !cl.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - please start daemon first with 'consolr serve'", apiURL)
	}
	return cl, nil
}

func (c command) List(ctx context.Context, f OutputFlags) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	sts, err := cl.List(ctx)
	if err != nil {
		return err
	}
	if f.JSON {
		return printJSON(c.out, sts)
	}
	return printStatusTable(c.out, sts...)
}

func (c command) Status(ctx context.Context, id string, f OutputFlags) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	st, err := cl.Status(ctx, id)
	if err != nil {
		return err
	}
	if f.JSON {
		return printJSON(c.out, st)
	}
	return printStatusTable(c.out, st)
}

func (c command) Register(ctx context.Context, f RegisterFlags) error {
	if strings.TrimSpace(f.Path) == "" {
		return fmt.Errorf("server folder path is required")
	}
	abs, err := filepath.Abs(f.Path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", f.Path, err)
	}
	req := client.RegisterRequest{
		ID:         f.ID,
		Name:       f.Name,
		WorkDir:    abs,
		Executable: f.Executable,
		Args:       f.Args,
		Env:        f.Env,
	}
	if f.StopCommandSet {
		stop := f.StopCommand
		req.StopCommand = &stop
	}

	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	st, err := cl.Register(ctx, req)
	if err != nil {
		return err
	}
	return printStatusTable(c.out, st)
}

func (c command) Unregister(ctx context.Context, id string) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	if err := cl.Unregister(ctx, id); err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.out, "unregistered %s\n", id)
	return err
}

func (c command) Start(ctx context.Context, id string) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	st, err := cl.Start(ctx, id)
	if err != nil {
		return err
	}
	return printStatusTable(c.out, st)
}

func (c command) Stop(ctx context.Context, id string) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	st, err := cl.Stop(ctx, id)
	if err != nil {
		return err
	}
	return printStatusTable(c.out, st)
}

func (c command) Send(ctx context.Context, id string, words []string) error {
	text := strings.Join(words, " ")
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("command is required")
	}
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	return cl.SendCommand(ctx, id, text)
}

func (c command) Console(ctx context.Context, id string, f ConsoleFlags) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	var page client.ConsolePage
	if f.SinceSet {
		page, err = cl.ConsoleSince(ctx, id, f.Since)
	} else {
		page, err = cl.Console(ctx, id)
	}
	if err != nil {
		return err
	}
	if err := printLines(c.out, page.Lines, f.JSON); err != nil {
		return err
	}
	if !f.Follow {
		return nil
	}

	interval := f.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	next := page.Next
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		page, err := cl.ConsoleSince(ctx, id, next)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := printLines(c.out, page.Lines, f.JSON); err != nil {
			return err
		}
		next = page.Next
	}
}

func (c command) Clear(ctx context.Context, id string) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	if err := cl.ClearConsole(ctx, id); err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.out, "cleared console of %s\n", id)
	return err
}

func (c command) Attach(ctx context.Context, id string, f AttachFlags) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	// fail before taking over the terminal
	if _, err := cl.Status(ctx, id); err != nil {
		return err
	}
	return tui.Run(ctx, cl, id, tui.Options{PollInterval: f.Interval, MaxLines: f.MaxLines})
}

func printLines(w io.Writer, lines []client.ConsoleLine, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		for _, l := range lines {
			if err := enc.Encode(l); err != nil {
				return err
			}
		}
		return nil
	}
	for _, l := range lines {
		if _, err := fmt.Fprintln(w, tui.FormatLine(l)); err != nil {
			return err
		}
	}
	return nil
}
