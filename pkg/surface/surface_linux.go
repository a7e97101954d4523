// Copyright 2023 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux
// +build linux

package surface

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Map returns a Buffer over a fresh shared anonymous mapping of the given
// size, rounded up to the page size. The mapping is released by
// Buffer.Release.
func Map(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid surface size %d", size)
	}
	pageSize := unix.Getpagesize()
	mapped := (size + pageSize - 1) &^ (pageSize - 1)
	data, err := unix.Mmap(-1, 0, mapped, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap of %d bytes failed: %w", mapped, err)
	}
	return &Buffer{
		data:  data[:size],
		unmap: func(b []byte) error { return unix.Munmap(b[:cap(b)]) },
	}, nil
}
