package client

import (
	"encoding/json"
	"time"
)

// CreateRequest represents a request to create a simulation.
type CreateRequest struct {
	Name   string `json:"name"`
	Source string `json:"source"`
	// Backend is a built-in tag (BuiltinBackend) or a repository
	// (RemoteBackend); empty selects the server default.
	Backend json.RawMessage `json:"backend,omitempty"`
}

// BuiltinBackend selects a backend compiled into the server.
func BuiltinBackend(tag string) json.RawMessage {
	b, _ := json.Marshal(tag)
	return b
}

// RemoteBackend selects a backend fetched from a git repository.
func RemoteBackend(url, branch, version string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"url": url, "branch": branch, "version": version})
	return b
}

// Status is the answer of the status endpoint.
type Status struct {
	UUID    string `json:"uuid"`
	Running bool   `json:"running"`
}

// Simulation describes a running simulation.
type Simulation struct {
	UUID    string `json:"uuid"`
	Name    string `json:"name"`
	Backend string `json:"backend"`
	Worker  string `json:"worker"`
	State   string `json:"state"`
	PID     int32  `json:"pid,omitempty"`
	Frames  int    `json:"frames"`
}

// Header is sent after connecting to a simulation.
type Header struct {
	UUID       string `json:"uuid"`
	Name       string `json:"name"`
	FrameCount int    `json:"frameCount"`
	IsOnline   bool   `json:"isOnline"`
}

// Event is one message received over the live connection.
type Event struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// WorkerSample is a resource reading of a worker process.
type WorkerSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
