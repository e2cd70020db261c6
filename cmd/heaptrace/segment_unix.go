//go:build linux || darwin || freebsd

package main

import (
	"github.com/vkngwrapper/arsenal/heapalloc/brk"
)

func openMappedSegment(size int) (brk.Segment, func() error, error) {
	segment, err := brk.NewMappedSegment(size)
	if err != nil {
		return nil, nil, err
	}

	return segment, segment.Close, nil
}
