package backend

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// FetchError reports a backend repository that could not be fetched.
type FetchError struct {
	URL    string
	Branch string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s@%s: %v", e.URL, e.Branch, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher retrieves backend code for remote versions.
type Fetcher interface {
	Fetch(ctx context.Context, url, branch, dir string, progress func(line string)) error
}

// GitFetcher clones repositories with the git command line client.
type GitFetcher struct {
	// Git is the git executable; "git" when empty.
	Git string
}

// Fetch runs `git clone --progress --branch <branch> <url> <dir>` and feeds
// each progress line to progress. dir must not exist or be empty.
func (g GitFetcher) Fetch(ctx context.Context, url, branch, dir string, progress func(string)) error {
	if url == "" || branch == "" {
		return &FetchError{URL: url, Branch: branch, Err: errors.New("url and branch are required")}
	}
	bin := g.Git
	if bin == "" {
		bin = "git"
	}
	// #nosec G204 -- arguments are passed separately, never through a shell
	cmd := exec.CommandContext(ctx, bin, "clone", "--progress", "--depth", "1", "--branch", branch, "--", url, dir)
	cmd.Env = append(cmd.Environ(), "GIT_TERMINAL_PROMPT=0")

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &FetchError{URL: url, Branch: branch, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return &FetchError{URL: url, Branch: branch, Err: err}
	}

	var tail lastLines
	scanProgress(stderr, func(line string) {
		tail.add(line)
		if progress != nil {
			progress(line)
		}
	})

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		} else if msg := tail.String(); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return &FetchError{URL: url, Branch: branch, Err: err}
	}
	return nil
}

// scanProgress splits git's stderr on both \n and \r since progress meters
// redraw a line with carriage returns.
func scanProgress(r io.Reader, fn func(string)) {
	sc := bufio.NewScanner(r)
	sc.Split(func(data []byte, atEOF bool) (int, []byte, error) {
		if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
			return i + 1, data[:i], nil
		}
		if atEOF && len(data) > 0 {
			return len(data), data, nil
		}
		return 0, nil, nil
	})
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			fn(line)
		}
	}
}

// lastLines keeps the last few output lines for error reports.
type lastLines struct {
	lines []string
}

func (l *lastLines) add(s string) {
	l.lines = append(l.lines, s)
	if len(l.lines) > 5 {
		l.lines = l.lines[1:]
	}
}

func (l *lastLines) String() string { return strings.Join(l.lines, "; ") }
