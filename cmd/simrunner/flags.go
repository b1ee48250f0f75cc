package main

import "time"

// Flag structs decouple cobra from command logic for testing.

type GlobalFlags struct {
	ConfigPath string
}

// APIFlags select the daemon a client command talks to.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Insecure   bool
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

type CreateFlags struct {
	APIFlags
	Name       string
	Source     string
	SourceFile string
	// Backend is a built-in tag; Repo selects a fetched backend instead.
	Backend string
	Repo    string
	Branch  string
	Version string
	Follow  bool
}

type SimulationFlags struct {
	APIFlags
	UUID string
}

type WatchFlags struct {
	APIFlags
	UUID   string
	Frames int
}
