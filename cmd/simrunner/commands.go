package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/loykin/simrunner/pkg/client"
)

// command runs client subcommands against a simrunner daemon.
type command struct {
	out io.Writer
}

func (c command) client(f APIFlags) *client.Client {
	return client.New(client.Config{
		BaseURL:  f.APIUrl,
		Timeout:  f.APITimeout,
		Insecure: f.Insecure,
	})
}

// Create starts a simulation and prints its uuid.
func (c command) Create(ctx context.Context, f CreateFlags) error {
	if f.Name == "" {
		return errors.New("simulation name is required")
	}
	source := f.Source
	if f.SourceFile != "" {
		b, err := os.ReadFile(f.SourceFile)
		if err != nil {
			return fmt.Errorf("read source: %w", err)
		}
		source = string(b)
	}
	req := client.CreateRequest{Name: f.Name, Source: source}
	switch {
	case f.Repo != "":
		branch := f.Branch
		if branch == "" {
			branch = "main"
		}
		req.Backend = client.RemoteBackend(f.Repo, branch, f.Version)
	case f.Backend != "":
		req.Backend = client.BuiltinBackend(f.Backend)
	}

	cl := c.client(f.APIFlags)
	id, err := cl.Create(ctx, req)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, id)
	if !f.Follow {
		return nil
	}
	return c.Watch(ctx, WatchFlags{APIFlags: f.APIFlags, UUID: id})
}

// Stop stops a running simulation.
func (c command) Stop(ctx context.Context, f SimulationFlags) error {
	if f.UUID == "" {
		return errors.New("simulation uuid is required")
	}
	if err := c.client(f.APIFlags).Stop(ctx, f.UUID); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "stopped %s\n", f.UUID)
	return nil
}

// Status prints one simulation, or every running simulation without a uuid.
func (c command) Status(ctx context.Context, f SimulationFlags) error {
	cl := c.client(f.APIFlags)
	if f.UUID == "" {
		list, err := cl.List(ctx)
		if err != nil {
			return err
		}
		printJSON(c.out, list)
		return nil
	}
	sim, err := cl.Get(ctx, f.UUID)
	if errors.Is(err, client.ErrNotFound) {
		st, err := cl.Status(ctx, f.UUID)
		if err != nil {
			return err
		}
		printJSON(c.out, st)
		return nil
	}
	if err != nil {
		return err
	}
	printJSON(c.out, sim)
	return nil
}

type archivedSimulation struct {
	UUID      string `json:"uuid"`
	Name      string `json:"name"`
	NumFrames int    `json:"num_frames"`
}

// Archive lists every simulation recorded in the archive.
func (c command) Archive(ctx context.Context, f APIFlags) error {
	all, err := c.client(f).AllSimulations(ctx)
	if err != nil {
		return err
	}
	out := make([]archivedSimulation, 0, len(all))
	for id, raw := range all {
		s := archivedSimulation{UUID: id}
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("index of %s: %w", id, err)
		}
		s.UUID = id
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	printJSON(c.out, out)
	return nil
}

// Metrics prints the latest resource sample of every worker process.
func (c command) Metrics(ctx context.Context, f APIFlags) error {
	m, err := c.client(f).WorkerMetrics(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, m)
	return nil
}

// Watch prints the live events of a simulation until it stops, or until
// Frames new frames were seen when Frames is positive.
func (c command) Watch(ctx context.Context, f WatchFlags) error {
	if f.UUID == "" {
		return errors.New("simulation uuid is required")
	}
	frames := 0
	return c.client(f.APIFlags).Follow(ctx, f.UUID, func(ev client.Event) bool {
		switch ev.Action {
		case "newframe":
			var nf struct {
				FrameCount int `json:"frameCount"`
			}
			_ = json.Unmarshal(ev.Data, &nf)
			_, _ = fmt.Fprintf(c.out, "frame %d\n", nf.FrameCount)
			frames++
		case "simstopped":
			_, _ = fmt.Fprintln(c.out, "stopped")
		default:
			_, _ = fmt.Fprintf(c.out, "%s %s\n", ev.Action, ev.Data)
		}
		return f.Frames <= 0 || frames < f.Frames
	})
}
