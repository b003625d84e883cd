// Copyright 2024 The gVisor Authors.
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

package storage

import (
	"fmt"
	"io"
	"os"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"
	"mmpf.dev/mmpf/pkg/errors/linuxerr"
)

// maxInterruptedRetries bounds retries of a pread interrupted by a signal.
const maxInterruptedRetries = 16

// HostFile is a File backed by a host file descriptor.
type HostFile struct {
	file *os.File
	fd   int
}

// OpenHostFile opens the host file at path for reading.
func OpenHostFile(path string) (*HostFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &HostFile{file: f, fd: int(f.Fd())}, nil
}

// Name implements File.Name.
func (f *HostFile) Name() string {
	return f.file.Name()
}

// Size returns the file's size in bytes.
func (f *HostFile) Size() (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(f.fd, &st); err != nil {
		return 0, fmt.Errorf("fstat %s: %w", f.Name(), err)
	}
	return st.Size, nil
}

// ReadAt implements File.ReadAt.
func (f *HostFile) ReadAt(p []byte, off int64) (int, error) {
	done := 0
	for done < len(p) {
		n, err := f.pread(p[done:], off+int64(done))
		if err != nil {
			return done, err
		}
		if n == 0 {
			return done, io.EOF
		}
		done += n
	}
	return done, nil
}

// pread is one pread(2), retried while it is interrupted.
func (f *HostFile) pread(p []byte, off int64) (int, error) {
	var n int
	op := func() error {
		var err error
		n, err = unix.Pread(f.fd, p, off)
		switch err {
		case nil:
			return nil
		case unix.EINTR, unix.EAGAIN:
			return err
		default:
			if errno, ok := err.(unix.Errno); ok {
				return backoff.Permanent(linuxerr.ToError(errno))
			}
			return backoff.Permanent(err)
		}
	}
	b := backoff.WithMaxRetries(&backoff.ZeroBackOff{}, maxInterruptedRetries)
	if err := backoff.Retry(op, b); err != nil {
		if errno, ok := err.(unix.Errno); ok {
			err = linuxerr.ToError(errno)
		}
		return 0, err
	}
	return n, nil
}

// Close closes the file.
func (f *HostFile) Close() error {
	return f.file.Close()
}
