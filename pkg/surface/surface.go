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

// Package surface provides memory regions shared between the host and a
// coprocessor ("surfaces"). Queues backed by a surface keep their elements
// there instead of in the coprocessor's local memory.
package surface

import (
	"fmt"
	"io"
	"sync"
)

// Surface is a fixed-size region of memory visible to both sides.
type Surface interface {
	io.ReaderAt
	io.WriterAt

	// Size returns the size of the surface in bytes.
	Size() int64
}

// Buffer is a Surface over a byte slice.
//
// Accesses are serialized so that host and simulated firmware goroutines may
// share one Buffer.
type Buffer struct {
	mu   sync.Mutex
	data []byte

	// unmap is called by Release, if set.
	unmap func([]byte) error
}

// NewBuffer returns a heap-backed Buffer of the given size.
func NewBuffer(size int) *Buffer {
	return &Buffer{data: make([]byte, size)}
}

// Size implements Surface.Size.
func (b *Buffer) Size() int64 {
	return int64(len(b.data))
}

// ReadAt implements io.ReaderAt.ReadAt.
func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if off < 0 || off > int64(len(b.data)) {
		return 0, fmt.Errorf("read at offset %d outside surface of size %d", off, len(b.data))
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt.WriteAt.
func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if off < 0 || off > int64(len(b.data)) {
		return 0, fmt.Errorf("write at offset %d outside surface of size %d", off, len(b.data))
	}
	n := copy(b.data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Release unmaps b if it was created by Map. b must not be used afterwards.
func (b *Buffer) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unmap == nil {
		return nil
	}
	err := b.unmap(b.data)
	b.data = nil
	b.unmap = nil
	return err
}
