package main

import (
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/docker/go-plugins-helpers/volume"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/rbd-volume-driver/pkg/driver"
	"git.srvlab.io/whiskey/rbd-volume-driver/pkg/execute"
	"git.srvlab.io/whiskey/rbd-volume-driver/pkg/fs"
	"git.srvlab.io/whiskey/rbd-volume-driver/pkg/observability"
	"git.srvlab.io/whiskey/rbd-volume-driver/pkg/rbd"
	"git.srvlab.io/whiskey/rbd-volume-driver/pkg/refcount"
)

var (
	// Plugin configuration
	pluginName = flag.String("name", "rbd", "Plugin name; also the unix socket name under /run/docker/plugins")
	socketGID  = flag.Int("socket-gid", 0, "Group ID owning the plugin socket")
	mountRoot  = flag.String("mount-root", volume.DefaultDockerRootDirectory, "Directory volumes are mounted under")
	stateDir   = flag.String("state-dir", "/var/lib/rbd-volume-driver", "Directory for the driver's reference state (empty disables persistence)")

	// Ceph configuration
	pool          = flag.String("pool", "rbd", "Ceph pool backing all volumes")
	cluster       = flag.String("cluster", "", "Ceph cluster name (empty uses the ceph.conf default)")
	cephUser      = flag.String("user", "", "Ceph user identity (empty uses the ceph.conf default)")
	mapOptions    = flag.String("map-options", "", "Comma-separated options passed to rbd map")
	imageOrder    = flag.Int("order", 22, "Object-size order for rbd create")
	imageFeatures = flag.String("image-features", "", "Value for rbd create --image-feature")

	// Volume creation defaults, overridable per docker volume create
	defaultSize        = flag.String("size", "20480", "Default image size for rbd create --size")
	defaultFSType      = flag.String("fstype", "xfs", "Default filesystem type for new volumes")
	defaultMkfsOptions = flag.String("mkfs-options", "", "Default extra mkfs options for new volumes")

	// Observability
	metricsAddress = flag.String("metrics-address", "", "Address for the Prometheus /metrics endpoint (empty disables metrics)")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *pool == "" {
		klog.Fatal("--pool must not be empty")
	}

	// The rbd CLI picks up cluster and user from CEPH_ARGS, keeping the
	// per-command argument shapes stable
	var cephArgs []string
	if *cluster != "" {
		cephArgs = append(cephArgs, "--cluster", *cluster)
	}
	if *cephUser != "" {
		cephArgs = append(cephArgs, "--id", *cephUser)
	}
	if len(cephArgs) > 0 {
		if err := os.Setenv("CEPH_ARGS", strings.Join(cephArgs, " ")); err != nil {
			klog.Fatalf("Failed to set CEPH_ARGS: %v", err)
		}
	}

	if *stateDir != "" {
		if err := os.MkdirAll(*stateDir, 0700); err != nil {
			klog.Fatalf("Failed to create state directory %s: %v", *stateDir, err)
		}
	}

	var opts []string
	if *mapOptions != "" {
		opts = strings.Split(*mapOptions, ",")
	}

	runner := execute.New()
	blockClient := rbd.NewClient(runner, rbd.Config{
		Pool:          *pool,
		Order:         *imageOrder,
		ImageFeatures: *imageFeatures,
	})
	fsClient := fs.NewClient(runner)
	refs := refcount.New(*stateDir)

	var metrics *observability.Metrics
	if *metricsAddress != "" {
		metrics = observability.NewMetrics()
		go func() {
			if err := metrics.Serve(*metricsAddress); err != nil {
				klog.Errorf("Metrics endpoint failed: %v", err)
			}
		}()
	}

	d := driver.New(driver.Config{
		Pool:               *pool,
		MountRoot:          *mountRoot,
		MapOptions:         opts,
		DefaultSize:        *defaultSize,
		DefaultFSType:      *defaultFSType,
		DefaultMkfsOptions: *defaultMkfsOptions,
	}, blockClient, fsClient, refs, metrics)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		klog.Infof("Received signal %s, shutting down", sig)
		os.Exit(0)
	}()

	h := volume.NewHandler(d)
	klog.Infof("Serving volume plugin %q (pool %s, mount root %s)", *pluginName, *pool, *mountRoot)
	if err := h.ServeUnix(*pluginName, *socketGID); err != nil {
		klog.Fatalf("Plugin server failed: %v", err)
	}
}
