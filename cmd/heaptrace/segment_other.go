//go:build !(linux || darwin || freebsd)

package main

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/heapalloc/brk"
)

func openMappedSegment(size int) (brk.Segment, func() error, error) {
	return nil, nil, errors.New("--mmap is not supported on this platform")
}
