// Package fs handles the local filesystem side of a volume: formatting a
// device, mounting it at a path, unmounting, and querying the host mount
// table.
package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/rbd-volume-driver/pkg/execute"
)

const (
	// mountTimeout bounds mount, umount, and mount-table queries
	mountTimeout = 30 * time.Second

	// mkfsTimeout is long: formatting a large image takes a while
	mkfsTimeout = 5 * time.Minute

	// confirmAttempts is how many times unmount polls the mount table
	// before giving up (non-fatally)
	confirmAttempts = 5

	// defaultPollInterval is the spacing between confirmation polls
	defaultPollInterval = 1 * time.Second
)

// errStillMounted signals the unmount confirmation loop to keep polling
var errStillMounted = errors.New("path still mounted")

// MkfsError wraps a failed filesystem creation.
type MkfsError struct {
	Device string
	Err    error
}

func (e *MkfsError) Error() string {
	return fmt.Sprintf("mkfs on %s failed (exit %d): %v", e.Device, execute.ExitCode(e.Err), e.Err)
}

func (e *MkfsError) Unwrap() error { return e.Err }

// MountError wraps a failed mount.
type MountError struct {
	Device string
	Target string
	Err    error
}

func (e *MountError) Error() string {
	return fmt.Sprintf("mount of %s at %s failed (exit %d): %v", e.Device, e.Target, execute.ExitCode(e.Err), e.Err)
}

func (e *MountError) Unwrap() error { return e.Err }

// UnmountError wraps a failed unmount.
type UnmountError struct {
	Target string
	Err    error
}

func (e *UnmountError) Error() string {
	return fmt.Sprintf("unmount of %s failed (exit %d): %v", e.Target, execute.ExitCode(e.Err), e.Err)
}

func (e *UnmountError) Unwrap() error { return e.Err }

// MountQueryError wraps a failed mount-table query.
type MountQueryError struct {
	Err error
}

func (e *MountQueryError) Error() string {
	return fmt.Sprintf("mount table query failed: %v", e.Err)
}

func (e *MountQueryError) Unwrap() error { return e.Err }

// Stats reports capacity of a mounted filesystem.
type Stats struct {
	TotalBytes     uint64
	FreeBytes      uint64
	AvailableBytes uint64
}

// Client runs filesystem and mount commands.
type Client struct {
	runner       execute.Runner
	pollInterval time.Duration
}

// NewClient creates a filesystem client over the given command runner.
func NewClient(runner execute.Runner) *Client {
	return &Client{
		runner:       runner,
		pollInterval: defaultPollInterval,
	}
}

// MakeFilesystem formats device with the given filesystem type. options is a
// whitespace-separated string of extra mkfs arguments, passed through after
// the fs-options separator token.
func (c *Client) MakeFilesystem(ctx context.Context, fsType, device, options string) error {
	args := []string{"-t", fsType}
	if opts := strings.Fields(options); len(opts) > 0 {
		args = append(args, "fs-options")
		args = append(args, opts...)
	}
	args = append(args, device)

	klog.V(2).Infof("Creating %s filesystem on %s", fsType, device)
	if _, _, err := c.runner.Run(ctx, mkfsTimeout, "mkfs", args...); err != nil {
		return &MkfsError{Device: device, Err: err}
	}
	klog.V(2).Infof("Created %s filesystem on %s", fsType, device)
	return nil
}

// IsMounted reports whether any line of the host mount table references
// target (a path or device string).
func (c *Client) IsMounted(ctx context.Context, target string) (bool, error) {
	stdout, _, err := c.runner.Run(ctx, mountTimeout, "mount")
	if err != nil {
		return false, &MountQueryError{Err: err}
	}

	for _, line := range strings.Split(stdout, "\n") {
		if strings.Contains(line, target) {
			return true, nil
		}
	}
	return false, nil
}

// Mount mounts device at target, creating the directory as needed. If the
// target is already occupied, a best-effort unmount clears it first.
func (c *Client) Mount(ctx context.Context, device, target string) error {
	if err := os.MkdirAll(target, 0750); err != nil {
		return &MountError{Device: device, Target: target, Err: err}
	}

	if err := c.clearStaleMount(ctx, target); err != nil {
		return err
	}

	if _, _, err := c.runner.Run(ctx, mountTimeout, "mount", device, target); err != nil {
		return &MountError{Device: device, Target: target, Err: err}
	}
	klog.V(2).Infof("Mounted %s at %s", device, target)
	return nil
}

// clearStaleMount unmounts whatever occupies target before we take
// possession of it. Only unmount and mount-table query failures are
// swallowed (logged); anything else aborts the caller.
func (c *Client) clearStaleMount(ctx context.Context, target string) error {
	mounted, err := c.IsMounted(ctx, target)
	if err != nil {
		if isBestEffort(err) {
			klog.Warningf("Could not query mount table before mounting at %s: %v", target, err)
			return nil
		}
		return err
	}
	if !mounted {
		return nil
	}

	klog.V(2).Infof("Mount point %s is already occupied, unmounting first", target)
	if err := c.Unmount(ctx, target); err != nil {
		if isBestEffort(err) {
			klog.Warningf("Best-effort unmount of %s failed: %v", target, err)
			return nil
		}
		return err
	}
	return nil
}

// isBestEffort reports whether err is in the defined subset of error kinds
// the speculative pre-unmount is allowed to discard.
func isBestEffort(err error) bool {
	var ue *UnmountError
	var qe *MountQueryError
	return errors.As(err, &ue) || errors.As(err, &qe)
}

// Unmount unmounts target, confirms the mount is gone by polling the mount
// table, and removes the then-empty mount-point directory. Poll exhaustion
// is logged, not fatal, since the umount command itself already succeeded.
func (c *Client) Unmount(ctx context.Context, target string) error {
	if _, _, err := c.runner.Run(ctx, mountTimeout, "umount", target); err != nil {
		return &UnmountError{Target: target, Err: err}
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.pollInterval), confirmAttempts-1),
		ctx)
	pollErr := backoff.Retry(func() error {
		mounted, qerr := c.IsMounted(ctx, target)
		if qerr != nil {
			return backoff.Permanent(qerr)
		}
		if mounted {
			return errStillMounted
		}
		return nil
	}, b)
	if pollErr != nil {
		klog.Warningf("Path %s still reported mounted after %d checks: %v", target, confirmAttempts, pollErr)
	} else {
		klog.V(2).Infof("Unmounted %s", target)
	}

	// The directory is expected to be empty once the mount is gone
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		klog.Warningf("Could not remove mount point %s: %v", target, err)
	}
	return nil
}

// Stats returns capacity information for a mounted path.
func (c *Client) Stats(path string) (*Stats, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return nil, fmt.Errorf("statfs %s: %w", path, err)
	}

	bsize := uint64(st.Bsize)
	return &Stats{
		TotalBytes:     st.Blocks * bsize,
		FreeBytes:      st.Bfree * bsize,
		AvailableBytes: st.Bavail * bsize,
	}, nil
}
