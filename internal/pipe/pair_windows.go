//go:build windows

package pipe

import (
	"errors"
	"os"
)

var errNoSocketPair = errors.New("socket pair channels are not supported on windows")

func Pair() (Conn, Conn, error) { return nil, nil, errNoSocketPair }

func PairFiles() (*os.File, *os.File, error) { return nil, nil, errNoSocketPair }

func FileConn(f *os.File) (Conn, error) {
	_ = f.Close()
	return nil, errNoSocketPair
}
