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
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mmpf.dev/mmpf/pkg/errors/linuxerr"
	"mmpf.dev/mmpf/pkg/hostarch"
)

func makePages(n int) [][]byte {
	pages := make([][]byte, n)
	for i := range pages {
		pages[i] = bytes.Repeat([]byte{0xff}, hostarch.PageSize)
	}
	return pages
}

func TestSubmitReadFillsPages(t *testing.T) {
	f := NewPatternFile("pattern", 4)
	r := NewReader(2)
	pages := makePages(2)
	c := NewCompletion()

	require.NoError(t, r.SubmitRead(context.Background(), f, pages, 1*hostarch.PageSize, c))
	require.NoError(t, c.Wait())
	assert.Equal(t, bytes.Repeat([]byte{2}, hostarch.PageSize), pages[0])
	assert.Equal(t, bytes.Repeat([]byte{3}, hostarch.PageSize), pages[1])
	assert.Len(t, f.Reads(), 2)
}

func TestSubmitReadZeroFillsPastEOF(t *testing.T) {
	f := NewMemFile("short", bytes.Repeat([]byte{7}, hostarch.PageSize+10))
	r := NewReader(1)
	pages := makePages(3)
	c := NewCompletion()

	require.NoError(t, r.SubmitRead(context.Background(), f, pages, 0, c))
	require.NoError(t, c.Wait())
	assert.Equal(t, bytes.Repeat([]byte{7}, hostarch.PageSize), pages[0])
	want := make([]byte, hostarch.PageSize)
	copy(want, bytes.Repeat([]byte{7}, 10))
	assert.Equal(t, want, pages[1])
	assert.Equal(t, make([]byte, hostarch.PageSize), pages[2])
}

func TestSubmitReadFailure(t *testing.T) {
	f := NewPatternFile("failing", 4)
	f.FailPage(2, linuxerr.EIO)
	r := NewReader(1)
	c := NewCompletion()

	require.NoError(t, r.SubmitRead(context.Background(), f, makePages(4), 0, c))
	err := c.Wait()
	assert.True(t, linuxerr.Equals(linuxerr.EIO, err), "got err %v want EIO", err)
	assert.Equal(t, err, c.Err())
}

func TestSubmitReadRejected(t *testing.T) {
	r := NewReader(1)
	f := NewPatternFile("f", 1)
	c := NewCompletion()

	assert.Error(t, r.SubmitRead(context.Background(), f, nil, 0, c))
	assert.Error(t, r.SubmitRead(context.Background(), f, makePages(1), 1, c))
	assert.Error(t, r.SubmitRead(context.Background(), f, [][]byte{make([]byte, 10)}, 0, c))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	release := f.Hold()
	defer release()
	// Occupy the only slot, then submission with a dead context fails.
	busy := NewCompletion()
	require.NoError(t, r.SubmitRead(context.Background(), f, makePages(1), 0, busy))
	assert.Error(t, r.SubmitRead(ctx, f, makePages(1), 0, c))
	select {
	case <-c.Done():
		t.Errorf("completion signalled for a read that was never started")
	default:
	}
	release()
	require.NoError(t, busy.Wait())
}

func TestCompletionOnce(t *testing.T) {
	c := NewCompletion()
	assert.NoError(t, c.Err())
	c.Complete(linuxerr.EIO)
	c.Complete(nil)
	assert.Equal(t, linuxerr.EIO, c.Wait())
}

func TestHostFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	data := bytes.Repeat([]byte("mmpf"), hostarch.PageSize/4+1)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	f, err := OpenHostFile(path)
	require.NoError(t, err)
	defer f.Close()

	size, err := f.Size()
	require.NoError(t, err)
	assert.EqualValues(t, len(data), size)

	pages := makePages(2)
	c := NewCompletion()
	require.NoError(t, NewReader(1).SubmitRead(context.Background(), f, pages, 0, c))
	require.NoError(t, c.Wait())
	assert.Equal(t, data[:hostarch.PageSize], pages[0])
	assert.Equal(t, data[hostarch.PageSize:], pages[1][:4])
	assert.Equal(t, make([]byte, hostarch.PageSize-4), pages[1][4:])
}
