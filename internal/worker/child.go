package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/simrunner/internal/archive"
	"github.com/loykin/simrunner/internal/backend"
	"github.com/loykin/simrunner/internal/message"
	"github.com/loykin/simrunner/internal/pipe"
)

// SpecEnv carries the JSON encoded ChildSpec to a worker process.
const SpecEnv = "SIMRUNNER_WORKER_SPEC"

// ChannelFD is the descriptor of the worker's end of the control channel.
const ChannelFD = 3

// ChildSpec is what a worker process needs to run one simulation.
type ChildSpec struct {
	Params          backend.Parameters `json:"params"`
	FrameIntervalMS int64              `json:"frame_interval_ms,omitempty"`
	PollPeriodMS    int64              `json:"poll_period_ms,omitempty"`
}

// pipeOptions returns the endpoint options of the worker side, matching the
// supervisor's poll period.
func (s ChildSpec) pipeOptions(log *slog.Logger, extra []pipe.Option) []pipe.Option {
	opts := []pipe.Option{pipe.WithLogger(log)}
	if s.PollPeriodMS > 0 {
		opts = append(opts, pipe.WithPollPeriod(time.Duration(s.PollPeriodMS)*time.Millisecond))
	}
	return append(opts, extra...)
}

// IsChild reports whether this process was started as a worker.
func IsChild() bool {
	_, ok := os.LookupEnv(SpecEnv)
	return ok
}

// ChildFromEnv decodes the worker spec and opens the inherited channel.
func ChildFromEnv() (ChildSpec, pipe.Conn, error) {
	var spec ChildSpec
	raw, ok := os.LookupEnv(SpecEnv)
	if !ok {
		return spec, nil, fmt.Errorf("%s is not set", SpecEnv)
	}
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return spec, nil, fmt.Errorf("decode %s: %w", SpecEnv, err)
	}
	conn, err := pipe.FileConn(os.NewFile(ChannelFD, "simrunner-channel"))
	if err != nil {
		return spec, nil, err
	}
	return spec, conn, nil
}

// ChildOptions tunes RunChild.
type ChildOptions struct {
	Logger          *slog.Logger
	ShutdownTimeout time.Duration
	PipeOptions     []pipe.Option
}

// RunChild runs the simulation described by spec, talking to the supervisor
// over conn, and returns once the close handshake finished. A stop requested
// by the supervisor is not an error.
func RunChild(ctx context.Context, conn pipe.Conn, spec ChildSpec, reg *backend.Registry, opts ChildOptions) error {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	defer func() { _ = conn.Close() }()

	inbox := NewQueue()
	popts := spec.pipeOptions(log, opts.PipeOptions)
	ep := pipe.New(conn,
		func(m message.Instance) { inbox.Push(m) },
		// supervisor gone
		func() { inbox.Push(message.Stop{}) },
		popts...)
	ep.Start()
	defer ep.Shutdown(opts.ShutdownTimeout)

	b, err := reg.New(spec.Params)
	if err != nil {
		ep.Send(message.ErrorMessage{Text: err.Error()})
		ep.Send(message.Close{Abrupt: true})
		return err
	}
	err = RunLoop(ctx, LoopConfig{
		Params:        spec.Params,
		Backend:       b,
		Frames:        archive.FileAppender{Path: filepath.Join(spec.Params.RootDir, archive.IndexFileName)},
		Out:           ep,
		In:            inbox,
		FrameInterval: time.Duration(spec.FrameIntervalMS) * time.Millisecond,
		Logger:        log,
	})
	if errors.Is(err, ErrStopped) {
		return nil
	}
	return err
}
