// Package driver implements the docker volume-plugin lifecycle for
// RBD-backed volumes: it turns idempotent, possibly-redundant plugin
// requests into a correct sequence of attach/mkfs/mount operations and the
// matching teardown, tracking shared mounts with a reference table.
package driver

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/docker/go-plugins-helpers/volume"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/rbd-volume-driver/pkg/fs"
	"git.srvlab.io/whiskey/rbd-volume-driver/pkg/observability"
	"git.srvlab.io/whiskey/rbd-volume-driver/pkg/rbd"
	"git.srvlab.io/whiskey/rbd-volume-driver/pkg/refcount"
)

// Create option keys accepted via `docker volume create -o`.
const (
	optSize        = "size"
	optFSType      = "fstype"
	optMkfsOptions = "mkfs_options"
)

// anonymousCallerID tracks references for engines that predate mount IDs
// and send none on either Mount or Unmount. It must be a fixed value so
// the empty-ID Unmount balances the empty-ID Mount.
const anonymousCallerID = "anonymous"

// BlockClient is the rbd surface the orchestrator needs.
type BlockClient interface {
	QueryAttachment(ctx context.Context, pool, name string) (*rbd.MappedImage, error)
	Attach(ctx context.Context, name string, mapOptions []string) (string, error)
	Detach(ctx context.Context, name string) error
	List(ctx context.Context) ([]rbd.Image, error)
	Info(ctx context.Context, name string) (*rbd.Image, error)
	Create(ctx context.Context, name, size string) error
	Remove(ctx context.Context, name string) error
}

// FilesystemClient is the local filesystem surface the orchestrator needs.
type FilesystemClient interface {
	MakeFilesystem(ctx context.Context, fsType, device, options string) error
	IsMounted(ctx context.Context, target string) (bool, error)
	Mount(ctx context.Context, device, target string) error
	Unmount(ctx context.Context, target string) error
	Stats(path string) (*fs.Stats, error)
}

// Config holds the immutable per-process driver settings.
type Config struct {
	// Pool is the rbd pool all volumes live in
	Pool string

	// MountRoot is the directory volumes are mounted under; a volume's
	// mount point is <MountRoot>/<Pool>/<name>
	MountRoot string

	// MapOptions are passed to `rbd map` verbatim
	MapOptions []string

	// Defaults for volume creation, overridable per Create request
	DefaultSize        string
	DefaultFSType      string
	DefaultMkfsOptions string
}

// Driver is the volume lifecycle orchestrator. It implements
// volume.Driver from go-plugins-helpers.
type Driver struct {
	cfg      Config
	block    BlockClient
	fs       FilesystemClient
	refs     *refcount.Table
	locks    *nameLockManager
	breakers *volumeBreakers

	// metrics may be nil when metrics are disabled
	metrics *observability.Metrics
}

// New creates the driver and reconciles the reference table against the
// live mount table, dropping references whose mounts did not survive a
// restart.
func New(cfg Config, block BlockClient, fsClient FilesystemClient, refs *refcount.Table, metrics *observability.Metrics) *Driver {
	d := &Driver{
		cfg:      cfg,
		block:    block,
		fs:       fsClient,
		refs:     refs,
		locks:    newNameLockManager(),
		breakers: newVolumeBreakers(),
		metrics:  metrics,
	}

	refs.Reconcile(d.mountpoint)
	d.updateGauge()
	return d
}

// mountpoint derives the canonical mount point for a volume name.
func (d *Driver) mountpoint(name string) string {
	return filepath.Join(d.cfg.MountRoot, d.cfg.Pool, name)
}

// observe records one operation's outcome when metrics are enabled.
func (d *Driver) observe(op string, start time.Time, err error) {
	if d.metrics != nil {
		d.metrics.ObserveOperation(op, time.Since(start), err)
	}
}

// updateGauge refreshes the referenced-volumes gauge.
func (d *Driver) updateGauge() {
	if d.metrics != nil {
		d.metrics.SetReferencedVolumes(len(d.refs.Names()))
	}
}

// Create provisions a new image and lays down its filesystem with a
// transient attach/mkfs/detach cycle, leaving the volume detached. A
// created image is not rolled back when a later step fails; retrying the
// create will fail on the existing image and the operator decides.
func (d *Driver) Create(req *volume.CreateRequest) (err error) {
	start := time.Now()
	defer func() { d.observe("create", start, err) }()

	d.locks.Lock(req.Name)
	defer d.locks.Unlock(req.Name)

	ctx := context.Background()

	size := d.cfg.DefaultSize
	fsType := d.cfg.DefaultFSType
	mkfsOptions := d.cfg.DefaultMkfsOptions
	if v, ok := req.Options[optSize]; ok && v != "" {
		size = v
	}
	if v, ok := req.Options[optFSType]; ok && v != "" {
		fsType = v
	}
	if v, ok := req.Options[optMkfsOptions]; ok && v != "" {
		mkfsOptions = v
	}

	klog.V(2).Infof("Creating volume %s/%s (size %s, fstype %s)", d.cfg.Pool, req.Name, size, fsType)
	if err = d.block.Create(ctx, req.Name, size); err != nil {
		return err
	}

	device, err := d.block.Attach(ctx, req.Name, d.cfg.MapOptions)
	if err != nil {
		return err
	}
	if err = d.fs.MakeFilesystem(ctx, fsType, device, mkfsOptions); err != nil {
		return err
	}
	if err = d.block.Detach(ctx, req.Name); err != nil {
		return err
	}

	klog.V(2).Infof("Created volume %s/%s", d.cfg.Pool, req.Name)
	return nil
}

// Mount makes the volume available at its canonical mount point and
// records the caller's reference. Idempotent for an already-mounted
// volume: the existing path is returned and only the reference count
// changes.
func (d *Driver) Mount(req *volume.MountRequest) (resp *volume.MountResponse, err error) {
	start := time.Now()
	defer func() { d.observe("mount", start, err) }()

	d.locks.Lock(req.Name)
	defer d.locks.Unlock(req.Name)

	ctx := context.Background()

	callerID := req.ID
	if callerID == "" {
		callerID = anonymousCallerID
		klog.V(2).Infof("Mount request for %s carried no ID, tracking as %q", req.Name, callerID)
	}

	target := d.mountpoint(req.Name)
	mounted, err := d.fs.IsMounted(ctx, target)
	if err != nil {
		return nil, err
	}
	if mounted {
		n := d.refs.Add(req.Name, callerID)
		d.updateGauge()
		klog.V(2).Infof("Volume %s already mounted at %s (%d references)", req.Name, target, n)
		return &volume.MountResponse{Mountpoint: target}, nil
	}

	// A mount failure leaves a successful attach in place: the device
	// stays mapped for the daemon's retry
	err = d.breakers.Execute(req.Name, func() error {
		device, aerr := d.block.Attach(ctx, req.Name, d.cfg.MapOptions)
		if aerr != nil {
			return aerr
		}
		return d.fs.Mount(ctx, device, target)
	})
	if err != nil {
		return nil, err
	}

	n := d.refs.Add(req.Name, callerID)
	d.updateGauge()
	klog.V(2).Infof("Mounted volume %s at %s (%d references)", req.Name, target, n)
	return &volume.MountResponse{Mountpoint: target}, nil
}

// Unmount drops the caller's reference and tears down the mount and
// attachment once no references remain. A zero count with a live mount
// (the table was lost in a restart) still tears down.
func (d *Driver) Unmount(req *volume.UnmountRequest) (err error) {
	start := time.Now()
	defer func() { d.observe("unmount", start, err) }()

	d.locks.Lock(req.Name)
	defer d.locks.Unlock(req.Name)

	ctx := context.Background()

	callerID := req.ID
	if callerID == "" {
		callerID = anonymousCallerID
	}

	remaining, removed := d.refs.Remove(req.Name, callerID)
	d.updateGauge()
	if !removed {
		klog.V(2).Infof("Unmount for untracked reference %q on volume %s", callerID, req.Name)
	}
	if remaining > 0 {
		klog.V(2).Infof("Volume %s still has %d references, keeping mount", req.Name, remaining)
		return nil
	}

	return d.teardown(ctx, req.Name)
}

// teardown unmounts and detaches whatever of the volume is still up.
// Every sub-step is idempotent, so it is safe on an already-torn-down
// volume.
func (d *Driver) teardown(ctx context.Context, name string) error {
	target := d.mountpoint(name)

	mounted, err := d.fs.IsMounted(ctx, target)
	if err != nil {
		return err
	}
	if mounted {
		if err := d.fs.Unmount(ctx, target); err != nil {
			return err
		}
	}

	attached, err := d.block.QueryAttachment(ctx, d.cfg.Pool, name)
	if err != nil {
		return err
	}
	if attached != nil {
		if err := d.block.Detach(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Remove tears the volume down if needed and moves its image to the
// trash.
func (d *Driver) Remove(req *volume.RemoveRequest) (err error) {
	start := time.Now()
	defer func() { d.observe("remove", start, err) }()

	d.locks.Lock(req.Name)
	defer d.locks.Unlock(req.Name)

	ctx := context.Background()

	if err = d.teardown(ctx, req.Name); err != nil {
		return err
	}
	if err = d.block.Remove(ctx, req.Name); err != nil {
		return err
	}
	klog.V(2).Infof("Removed volume %s/%s", d.cfg.Pool, req.Name)
	return nil
}

// Path returns the canonical mount point for an existing volume. The
// point is deterministic, so it is reported whether or not the volume is
// currently mounted.
func (d *Driver) Path(req *volume.PathRequest) (resp *volume.PathResponse, err error) {
	start := time.Now()
	defer func() { d.observe("path", start, err) }()

	ctx := context.Background()

	img, err := d.block.Info(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, fmt.Errorf("volume %s not found in pool %s", req.Name, d.cfg.Pool)
	}
	return &volume.PathResponse{Mountpoint: d.mountpoint(req.Name)}, nil
}

// Get returns the volume's name, mount point (when mounted), and status.
func (d *Driver) Get(req *volume.GetRequest) (resp *volume.GetResponse, err error) {
	start := time.Now()
	defer func() { d.observe("get", start, err) }()

	ctx := context.Background()

	img, err := d.block.Info(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, fmt.Errorf("volume %s not found in pool %s", req.Name, d.cfg.Pool)
	}

	status := map[string]interface{}{
		"size":   img.Size,
		"format": img.Format,
	}

	vol := &volume.Volume{
		Name:   req.Name,
		Status: status,
	}

	target := d.mountpoint(req.Name)
	mounted, err := d.fs.IsMounted(ctx, target)
	if err != nil {
		return nil, err
	}
	if mounted {
		vol.Mountpoint = target
		if stats, serr := d.fs.Stats(target); serr == nil {
			status["capacity_bytes"] = stats.TotalBytes
			status["available_bytes"] = stats.AvailableBytes
		} else {
			klog.V(4).Infof("Could not stat %s: %v", target, serr)
		}
	}

	return &volume.GetResponse{Volume: vol}, nil
}

// List returns the names of all images in the pool.
func (d *Driver) List() (resp *volume.ListResponse, err error) {
	start := time.Now()
	defer func() { d.observe("list", start, err) }()

	ctx := context.Background()

	images, err := d.block.List(ctx)
	if err != nil {
		return nil, err
	}

	vols := make([]*volume.Volume, 0, len(images))
	for _, img := range images {
		vols = append(vols, &volume.Volume{Name: img.Name})
	}
	return &volume.ListResponse{Volumes: vols}, nil
}

// Capabilities reports the driver scope. Volumes are backed by a shared
// pool, so they are global, not local to this host.
func (d *Driver) Capabilities() *volume.CapabilitiesResponse {
	return &volume.CapabilitiesResponse{
		Capabilities: volume.Capability{Scope: "global"},
	}
}
