package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/loykin/deployr"
	"github.com/loykin/deployr/pkg/client"
	"github.com/loykin/deployr/pkg/template"
)

type command struct {
	global *GlobalFlags
}

// Serve loads the config and runs the API server until ctx is cancelled.
func (c command) Serve(ctx context.Context, f ServeFlags, args []string) error {
	path := c.global.ConfigPath
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		return errors.New("config file required for serve command. Use --config=deployr.toml or provide as argument")
	}
	cfg, err := deployr.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if f.Daemonize && !isDaemonChild() {
		logfile := f.LogFile
		if logfile == "" {
			logfile = cfg.Server.LogFile
		}
		return daemonize(cfg.Server.PidFile, logfile)
	}
	if isDaemonChild() && cfg.Server.PidFile != "" {
		defer func() { _ = removePidFile(cfg.Server.PidFile) }()
	}

	lg, closer := cfg.Log.NewSlogger()
	defer func() { _ = closer.Close() }()
	slog.SetDefault(lg)

	svc, err := deployr.New(cfg, lg)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			lg.Warn("close failed", "error", err)
		}
	}()
	lg.Info("starting deployr", "listen", cfg.Server.Listen, "base_path", cfg.Server.BasePath,
		"jobs", len(cfg.Jobs), "store", redactDSN(cfg.Store.DSN))
	return svc.Serve(ctx)
}

// Deploy streams a run to out. A run that ends without success is reported
// as an error so the exit status reflects it.
func (c command) Deploy(ctx context.Context, job string, f DeployFlags, out, errOut io.Writer) error {
	params, err := parseParams(f.Params)
	if err != nil {
		return err
	}
	api, err := c.client()
	if err != nil {
		return err
	}
	id, err := api.Deploy(ctx, job, params, out)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("deployment %s interrupted; the server aborts it", job)
		}
		return err
	}
	if id == 0 {
		return nil
	}
	_, _ = fmt.Fprintf(errOut, "build %d\n", id)
	run, err := api.Build(ctx, job, id)
	if err != nil {
		return fmt.Errorf("look up build %d: %w", id, err)
	}
	if !run.Success {
		return fmt.Errorf("build %d of %s did not succeed (%s)", id, job, run.State)
	}
	return nil
}

func (c command) Abort(ctx context.Context, job string, out io.Writer) error {
	api, err := c.client()
	if err != nil {
		return err
	}
	if err := api.Abort(ctx, job); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "abort requested for %s\n", job)
	return nil
}

func (c command) History(ctx context.Context, job string, f HistoryFlags, out io.Writer) error {
	api, err := c.client()
	if err != nil {
		return err
	}
	if f.BuildID != 0 {
		run, err := api.Build(ctx, job, f.BuildID)
		if err != nil {
			return err
		}
		if f.LogOnly {
			_, err = io.WriteString(out, run.OutputLog)
			return err
		}
		return printJSON(out, run)
	}
	if f.LogOnly {
		return errors.New("--log requires --build-id")
	}
	runs, err := api.History(ctx, job)
	if err != nil {
		return err
	}
	return printJSON(out, runs)
}

// Jobs lists jobs from the local config when one is given, else asks the
// server.
func (c command) Jobs(ctx context.Context, out io.Writer) error {
	if c.global.ConfigPath != "" && c.global.ServerURL == "" {
		cfg, err := deployr.LoadConfig(c.global.ConfigPath)
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		infos := make([]client.JobInfo, 0, len(cfg.Jobs))
		for _, j := range cfg.Jobs {
			infos = append(infos, client.JobInfo{
				Name:        j.Name,
				Title:       j.Title,
				Description: j.Description,
				Params:      j.Params,
				Lease:       j.LeaseName(),
			})
		}
		return printJSON(out, infos)
	}
	api, err := c.client()
	if err != nil {
		return err
	}
	infos, err := api.Jobs(ctx)
	if err != nil {
		return err
	}
	return printJSON(out, infos)
}

// Login prints a bearer token for --token.
func (c command) Login(ctx context.Context, out io.Writer) error {
	if c.global.Username == "" {
		return errors.New("--username is required")
	}
	api, err := c.client()
	if err != nil {
		return err
	}
	tok, err := api.Login(ctx, c.global.Username, os.Getenv(passwordEnv))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, tok.Value)
	return err
}

// Template writes a starter job block to out, or to f.Output.
func (c command) Template(f TemplateFlags, out io.Writer) error {
	name := f.Name
	if name == "" {
		name = f.Type + "-job"
	}
	content, err := template.NewGenerator().GenerateTOML(template.TemplateType(f.Type), name)
	if err != nil {
		return fmt.Errorf("failed to generate template: %w", err)
	}
	if f.Output == "" {
		_, err = out.Write(content)
		return err
	}
	if _, err := os.Stat(f.Output); err == nil && !f.Force {
		return fmt.Errorf("template file '%s' already exists (use --force to overwrite)", f.Output)
	}
	if err := os.WriteFile(f.Output, content, 0o644); err != nil {
		return fmt.Errorf("failed to write template file: %w", err)
	}
	_, _ = fmt.Fprintf(out, "Template '%s' created: %s\n", name, f.Output)
	return nil
}

// client resolves the server URL from --server, then from the config
// file's [server] section, then the default.
func (c command) client() (*client.Client, error) {
	cc := client.Config{
		BaseURL:  c.global.ServerURL,
		Timeout:  c.global.Timeout,
		Insecure: c.global.Insecure,
	}
	if c.global.Token != "" {
		cc.Auth.Token = c.global.Token
	} else if c.global.Username != "" {
		cc.Auth.Username = c.global.Username
		cc.Auth.Password = os.Getenv(passwordEnv)
	}
	if c.global.CACert != "" {
		cc.TLS = &client.TLSClientConfig{Enabled: true, CACert: c.global.CACert}
	}
	if cc.BaseURL == "" && c.global.ConfigPath != "" {
		cfg, err := deployr.LoadConfig(c.global.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
		cc.BaseURL = serverURL(cfg.Server.Listen, cfg.Server.BasePath, cfg.Server.TLS.Enabled)
	}
	if cc.BaseURL == "" {
		cc.BaseURL = defaultServerURL
	}
	return client.New(cc), nil
}

// serverURL turns a listen address into a URL a local client can dial.
func serverURL(listen, basePath string, https bool) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return defaultServerURL
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	scheme := "http"
	if https {
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort(host, port) + strings.TrimRight(basePath, "/")
}
