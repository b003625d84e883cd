// Copyright 2021 The gVisor Authors.
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

// Package linuxerr contains syscall error codes exported as error interface
// pointers. This allows for fast comparison and return operations comperable
// to unix.Errno constants.
package linuxerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"mmpf.dev/mmpf/pkg/errors"
)

// The following errors are semantically identical to Errno of type
// unix.Errno. However, since the types are distinct (these are
// *errors.Error), they are not directly comparable. The Errno method returns
// an Errno such that the error can be compared to unix.Errno (e.g.
// EPERM.Errno() == unix.EPERM is true). Converting unix.Errno to the errors
// should be done via ToError.
var (
	EPERM      = errors.New(unix.EPERM, "operation not permitted")
	ENOENT     = errors.New(unix.ENOENT, "no such file or directory")
	EINTR      = errors.New(unix.EINTR, "interrupted system call")
	EIO        = errors.New(unix.EIO, "I/O error")
	ENXIO      = errors.New(unix.ENXIO, "no such device or address")
	EBADF      = errors.New(unix.EBADF, "bad file number")
	EAGAIN     = errors.New(unix.EAGAIN, "try again")
	ENOMEM     = errors.New(unix.ENOMEM, "out of memory")
	EACCES     = errors.New(unix.EACCES, "permission denied")
	EFAULT     = errors.New(unix.EFAULT, "bad address")
	EBUSY      = errors.New(unix.EBUSY, "device or resource busy")
	EINVAL     = errors.New(unix.EINVAL, "invalid argument")
	EFBIG      = errors.New(unix.EFBIG, "file too large")
	ENOSPC     = errors.New(unix.ENOSPC, "no space left on device")
	ERANGE     = errors.New(unix.ERANGE, "math result not representable")
	EOVERFLOW  = errors.New(unix.EOVERFLOW, "value too large for defined data type")
	EOPNOTSUPP = errors.New(unix.EOPNOTSUPP, "operation not supported")
	ETIMEDOUT  = errors.New(unix.ETIMEDOUT, "connection timed out")
)

var noError *errors.Error = nil

// errnoTable maps errno values to the shared error pointers above.
var errnoTable = map[unix.Errno]*errors.Error{
	0:               noError,
	unix.EPERM:      EPERM,
	unix.ENOENT:     ENOENT,
	unix.EINTR:      EINTR,
	unix.EIO:        EIO,
	unix.ENXIO:      ENXIO,
	unix.EBADF:      EBADF,
	unix.EAGAIN:     EAGAIN,
	unix.ENOMEM:     ENOMEM,
	unix.EACCES:     EACCES,
	unix.EFAULT:     EFAULT,
	unix.EBUSY:      EBUSY,
	unix.EINVAL:     EINVAL,
	unix.EFBIG:      EFBIG,
	unix.ENOSPC:     ENOSPC,
	unix.ERANGE:     ERANGE,
	unix.EOVERFLOW:  EOVERFLOW,
	unix.EOPNOTSUPP: EOPNOTSUPP,
	unix.ETIMEDOUT:  ETIMEDOUT,
}

// ToError converts a unix.Errno to an *errors.Error. Errnos without a shared
// pointer get a fresh *errors.Error carrying the errno's own message.
func ToError(err unix.Errno) error {
	if e, ok := errnoTable[err]; ok {
		if e == nil {
			return nil
		}
		return e
	}
	return errors.New(err, err.Error())
}

// Equals checks if a linuxerr error is equal to a given error. Wrapped errors
// and raw unix.Errno values are matched by errno.
func Equals(e *errors.Error, err error) bool {
	if e == nil {
		return err == nil
	}
	if err == nil {
		return false
	}
	if err == error(e) {
		return true
	}
	var le *errors.Error
	if goerrors.As(err, &le) {
		return le.Errno() == e.Errno()
	}
	var errno unix.Errno
	if goerrors.As(err, &errno) {
		return errno == e.Errno()
	}
	return false
}

// IsRetryable reports whether err describes a transient condition that a
// caller may retry after a delay.
func IsRetryable(err error) bool {
	return Equals(EAGAIN, err) || Equals(EINTR, err) || Equals(ENOMEM, err)
}
