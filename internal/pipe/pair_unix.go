//go:build !windows

package pipe

import (
	"fmt"
	"net"
	"os"
	"syscall"
)

// Pair returns both ends of a connected, full-duplex single-stream channel.
func Pair() (Conn, Conn, error) {
	a, b, err := PairFiles()
	if err != nil {
		return nil, nil, err
	}
	ca, err := FileConn(a)
	if err != nil {
		_ = b.Close()
		return nil, nil, err
	}
	cb, err := FileConn(b)
	if err != nil {
		_ = ca.Close()
		return nil, nil, err
	}
	return ca, cb, nil
}

// PairFiles returns a connected unix socket pair as files, suitable for handing
// one side to a child process through exec.Cmd.ExtraFiles.
func PairFiles() (*os.File, *os.File, error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	syscall.CloseOnExec(fds[0])
	syscall.CloseOnExec(fds[1])
	return os.NewFile(uintptr(fds[0]), "simrunner-channel-a"), os.NewFile(uintptr(fds[1]), "simrunner-channel-b"), nil
}

// FileConn converts a socket file into a Conn. f is closed; the returned Conn
// owns a duplicate descriptor.
func FileConn(f *os.File) (Conn, error) {
	defer func() { _ = f.Close() }()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("file conn %s: %w", f.Name(), err)
	}
	return c, nil
}
