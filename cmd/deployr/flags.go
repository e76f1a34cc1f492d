package main

import "time"

// passwordEnv supplies the password for --username without putting it on
// the command line.
const passwordEnv = "DEPLOYR_PASSWORD"

const (
	defaultServerURL = "http://127.0.0.1:8081/api/v1"
	defaultTimeout   = 10 * time.Second
)

// GlobalFlags holds persistent flags shared by every subcommand
type GlobalFlags struct {
	ConfigPath string
	ServerURL  string
	Timeout    time.Duration
	CACert     string
	Insecure   bool
	Token      string
	Username   string
}

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	Daemonize bool
	LogFile   string
}

// DeployFlags holds flags for the deploy command
type DeployFlags struct {
	Params []string
}

// HistoryFlags holds flags for the history command
type HistoryFlags struct {
	BuildID int64
	LogOnly bool
}

// TemplateFlags holds flags for the template command
type TemplateFlags struct {
	Type   string
	Name   string
	Output string
	Force  bool
}
