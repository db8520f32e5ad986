//go:build !unix

package shm

import "errors"

func mapFile(path string, size int, create bool) ([]byte, func() error, error) {
	return nil, nil, errors.New("file-backed regions require a unix platform")
}
