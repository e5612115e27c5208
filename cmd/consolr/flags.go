package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

type OutputFlags struct {
	JSON bool
}

type RegisterFlags struct {
	Path           string
	ID             string
	Name           string
	Executable     string
	Args           []string
	Env            []string
	StopCommand    string
	StopCommandSet bool // --stop-command given, even if empty
}

type ConsoleFlags struct {
	Since    uint64
	SinceSet bool
	Follow   bool
	Interval time.Duration
	JSON     bool
}

type AttachFlags struct {
	Interval time.Duration
	MaxLines int
}
