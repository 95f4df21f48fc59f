package fs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.srvlab.io/whiskey/rbd-volume-driver/pkg/execute"
)

// fakeRunner scripts command responses and records every invocation
type fakeRunner struct {
	calls  [][]string
	handle func(call int, args []string) (string, error)
}

func (f *fakeRunner) Run(ctx context.Context, timeout time.Duration, program string, args ...string) (string, string, error) {
	full := append([]string{program}, args...)
	call := len(f.calls)
	f.calls = append(f.calls, full)
	stdout, err := f.handle(call, full)
	return stdout, "", err
}

func (f *fakeRunner) callsFor(program string) [][]string {
	var out [][]string
	for _, call := range f.calls {
		if call[0] == program {
			out = append(out, call)
		}
	}
	return out
}

func newTestClient(runner *fakeRunner) *Client {
	c := NewClient(runner)
	c.pollInterval = time.Millisecond
	return c
}

func TestMakeFilesystemArgumentShape(t *testing.T) {
	tests := []struct {
		name     string
		fsType   string
		device   string
		options  string
		wantArgs []string
	}{
		{
			name:     "xfs with options",
			fsType:   "xfs",
			device:   "/dev/d1",
			options:  "-m crc=1 -n ftype=1",
			wantArgs: []string{"mkfs", "-t", "xfs", "fs-options", "-m", "crc=1", "-n", "ftype=1", "/dev/d1"},
		},
		{
			name:     "ext4 without options",
			fsType:   "ext4",
			device:   "/dev/rbd0",
			options:  "",
			wantArgs: []string{"mkfs", "-t", "ext4", "/dev/rbd0"},
		},
		{
			name:     "whitespace-only options",
			fsType:   "ext4",
			device:   "/dev/rbd0",
			options:  "   ",
			wantArgs: []string{"mkfs", "-t", "ext4", "/dev/rbd0"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{handle: func(call int, args []string) (string, error) {
				return "", nil
			}}
			c := newTestClient(runner)

			require.NoError(t, c.MakeFilesystem(context.Background(), tt.fsType, tt.device, tt.options))
			require.Len(t, runner.calls, 1)
			assert.Equal(t, tt.wantArgs, runner.calls[0])
		})
	}
}

func TestMakeFilesystemFailure(t *testing.T) {
	runner := &fakeRunner{handle: func(call int, args []string) (string, error) {
		return "", &execute.CommandError{Command: "mkfs", ExitCode: 1, Stderr: "bad superblock"}
	}}
	c := newTestClient(runner)

	err := c.MakeFilesystem(context.Background(), "xfs", "/dev/d1", "")
	var me *MkfsError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, 1, execute.ExitCode(err))
}

func TestIsMounted(t *testing.T) {
	mountTable := "/dev/sda1 on / type ext4 (rw,relatime)\n" +
		"/dev/rbd0 on /var/lib/docker-volumes/rbd/vol1 type xfs (rw,relatime)\n"

	tests := []struct {
		name   string
		target string
		want   bool
	}{
		{name: "mounted path", target: "/var/lib/docker-volumes/rbd/vol1", want: true},
		{name: "mounted device", target: "/dev/rbd0", want: true},
		{name: "absent path", target: "/var/lib/docker-volumes/rbd/vol2", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{handle: func(call int, args []string) (string, error) {
				return mountTable, nil
			}}
			c := newTestClient(runner)

			mounted, err := c.IsMounted(context.Background(), tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.want, mounted)

			require.Len(t, runner.calls, 1)
			assert.Equal(t, []string{"mount"}, runner.calls[0], "mount-table query takes no arguments")
		})
	}
}

func TestIsMountedCommandFailure(t *testing.T) {
	runner := &fakeRunner{handle: func(call int, args []string) (string, error) {
		return "", &execute.CommandError{Command: "mount", ExitCode: 1}
	}}
	c := newTestClient(runner)

	_, err := c.IsMounted(context.Background(), "/mnt")
	var qe *MountQueryError
	require.ErrorAs(t, err, &qe)
}

func TestMountCreatesDirectoryAndMounts(t *testing.T) {
	target := filepath.Join(t.TempDir(), "rbd", "vol1")
	runner := &fakeRunner{handle: func(call int, args []string) (string, error) {
		return "", nil // empty mount table, then mount succeeds
	}}
	c := newTestClient(runner)

	require.NoError(t, c.Mount(context.Background(), "/dev/rbd0", target))

	if _, err := os.Stat(target); err != nil {
		t.Errorf("Target directory was not created: %v", err)
	}
	mounts := runner.callsFor("mount")
	// First is the occupancy query, second the actual mount
	require.Len(t, mounts, 2)
	assert.Equal(t, []string{"mount"}, mounts[0])
	assert.Equal(t, []string{"mount", "/dev/rbd0", target}, mounts[1])
}

func TestMountClearsOccupiedTarget(t *testing.T) {
	target := filepath.Join(t.TempDir(), "vol1")
	occupied := true
	runner := &fakeRunner{}
	runner.handle = func(call int, args []string) (string, error) {
		if len(args) == 1 && args[0] == "mount" {
			if occupied {
				return "/dev/rbd9 on " + target + " type xfs (rw)\n", nil
			}
			return "", nil
		}
		if args[0] == "umount" {
			occupied = false
		}
		return "", nil
	}
	c := newTestClient(runner)

	require.NoError(t, c.Mount(context.Background(), "/dev/rbd0", target))

	umounts := runner.callsFor("umount")
	require.Len(t, umounts, 1)
	assert.Equal(t, []string{"umount", target}, umounts[0])
}

func TestMountSwallowsBestEffortUnmountFailure(t *testing.T) {
	target := filepath.Join(t.TempDir(), "vol1")
	first := true
	runner := &fakeRunner{}
	runner.handle = func(call int, args []string) (string, error) {
		if len(args) == 1 && args[0] == "mount" {
			if first {
				first = false
				return "/dev/rbd9 on " + target + " type xfs (rw)\n", nil
			}
			return "", nil
		}
		if args[0] == "umount" {
			return "", &execute.CommandError{Command: "umount", ExitCode: 32}
		}
		return "", nil
	}
	c := newTestClient(runner)

	// The stale unmount fails but the mount proceeds anyway
	require.NoError(t, c.Mount(context.Background(), "/dev/rbd0", target))

	mounts := runner.callsFor("mount")
	assert.Equal(t, []string{"mount", "/dev/rbd0", target}, mounts[len(mounts)-1])
}

func TestUnmountRemovesMountPoint(t *testing.T) {
	target := filepath.Join(t.TempDir(), "vol1")
	require.NoError(t, os.MkdirAll(target, 0750))

	runner := &fakeRunner{handle: func(call int, args []string) (string, error) {
		return "", nil // umount ok, mount table empty
	}}
	c := newTestClient(runner)

	require.NoError(t, c.Unmount(context.Background(), target))

	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Errorf("Mount point directory still exists after unmount")
	}
	umounts := runner.callsFor("umount")
	require.Len(t, umounts, 1)
	assert.Equal(t, []string{"umount", target}, umounts[0])
}

func TestUnmountPollExhaustionIsNotFatal(t *testing.T) {
	target := filepath.Join(t.TempDir(), "vol1")
	require.NoError(t, os.MkdirAll(target, 0750))

	// The mount table keeps reporting the path for every poll
	runner := &fakeRunner{handle: func(call int, args []string) (string, error) {
		if args[0] == "umount" {
			return "", nil
		}
		return "/dev/rbd0 on " + target + " type xfs (rw)\n", nil
	}}
	c := newTestClient(runner)

	err := c.Unmount(context.Background(), target)
	require.NoError(t, err, "poll exhaustion must not fail the unmount")

	// 1 umount + confirmAttempts mount-table polls
	assert.Len(t, runner.calls, 1+confirmAttempts)
}

func TestUnmountCommandFailure(t *testing.T) {
	runner := &fakeRunner{handle: func(call int, args []string) (string, error) {
		return "", &execute.CommandError{Command: "umount", ExitCode: 32, Stderr: "target is busy"}
	}}
	c := newTestClient(runner)

	err := c.Unmount(context.Background(), "/mnt/vol1")
	var ue *UnmountError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, 32, execute.ExitCode(err))
}

func TestStats(t *testing.T) {
	c := NewClient(&fakeRunner{handle: func(call int, args []string) (string, error) {
		return "", nil
	}})

	stats, err := c.Stats(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, stats.TotalBytes, uint64(0))
	assert.LessOrEqual(t, stats.AvailableBytes, stats.TotalBytes)
}
