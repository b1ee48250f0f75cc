package main

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPidFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "simrunner.pid")
	require.NoError(t, writePidFile(pidFile, os.Getpid()))

	b, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(b))

	require.NoError(t, removePidFile(pidFile))
	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, removePidFile(""))
}

func TestDaemonArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		pid  string
		log  string
		want []string
	}{
		{
			name: "strips daemonize",
			args: []string{"serve", "--daemonize", "cfg.toml"},
			want: []string{"serve", "cfg.toml"},
		},
		{
			name: "moves pid and log files last",
			args: []string{"serve", "--pidfile", "a.pid", "--daemonize", "--logfile", "a.log", "--config", "c.toml"},
			pid:  "a.pid",
			log:  "a.log",
			want: []string{"serve", "--config", "c.toml", "--pidfile", "a.pid", "--logfile", "a.log"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, daemonArgs(tt.args, tt.pid, tt.log))
		})
	}
}
