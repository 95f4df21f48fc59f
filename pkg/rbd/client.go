// Package rbd wraps the rbd CLI: attaching, detaching, listing, creating,
// and trashing images in a single pool. All state is derived from the CLI's
// structured output; the client itself holds only configuration.
package rbd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/rbd-volume-driver/pkg/execute"
)

const (
	// commandTimeout bounds every rbd invocation
	commandTimeout = 30 * time.Second

	// confirmAttempts is how many times detach polls showmapped before
	// giving up (non-fatally)
	confirmAttempts = 5

	// defaultPollInterval is the spacing between confirmation polls
	defaultPollInterval = 1 * time.Second

	// defaultRateLimit / defaultRateBurst gate rbd CLI invocations so
	// confirmation polls and daemon retry storms cannot flood the kernel
	// module
	defaultRateLimit = 10
	defaultRateBurst = 5
)

// errStillMapped signals the detach confirmation loop to keep polling
var errStillMapped = errors.New("image still mapped")

// Config holds the immutable per-process settings for the rbd client.
type Config struct {
	// Pool is the pool every operation is scoped to
	Pool string

	// Order is the object-size order passed to `rbd create`
	Order int

	// ImageFeatures is the optional --image-feature value for `rbd create`
	ImageFeatures string

	// RateLimit is the sustained CLI invocation rate (ops/sec, 0 = default)
	RateLimit float64

	// RateBurst is the CLI invocation burst size (0 = default)
	RateBurst int
}

// Client runs rbd CLI commands against one pool.
type Client struct {
	runner        execute.Runner
	pool          string
	order         int
	imageFeatures string
	limiter       *rate.Limiter
	pollInterval  time.Duration
}

// NewClient creates an rbd client over the given command runner.
func NewClient(runner execute.Runner, cfg Config) *Client {
	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit == 0 {
		limit = rate.Limit(defaultRateLimit)
	}
	burst := cfg.RateBurst
	if burst == 0 {
		burst = defaultRateBurst
	}

	return &Client{
		runner:        runner,
		pool:          cfg.Pool,
		order:         cfg.Order,
		imageFeatures: cfg.ImageFeatures,
		limiter:       rate.NewLimiter(limit, burst),
		pollInterval:  defaultPollInterval,
	}
}

// run gates a CLI invocation through the rate limiter and executes it.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	stdout, _, err := c.runner.Run(ctx, commandTimeout, "rbd", args...)
	return stdout, err
}

// QueryAttachment returns the current attachment of (pool, name) on this
// host, or nil if the image is not mapped. At most one attachment per
// (pool, image) is expected; the first match wins if duplicates occur.
func (c *Client) QueryAttachment(ctx context.Context, pool, name string) (*MappedImage, error) {
	stdout, err := c.run(ctx, "showmapped", "--format", "json")
	if err != nil {
		return nil, err
	}

	var mapped []MappedImage
	if err := json.Unmarshal([]byte(stdout), &mapped); err != nil {
		return nil, &ValidationError{
			Command: "rbd showmapped",
			Reason:  "output is not a JSON array of mappings",
			Err:     err,
		}
	}
	for i := range mapped {
		if mapped[i].Pool == "" || mapped[i].Name == "" || mapped[i].Device == "" {
			return nil, &ValidationError{
				Command: "rbd showmapped",
				Reason:  fmt.Sprintf("mapping %d is missing a required field", i),
			}
		}
	}

	for i := range mapped {
		if mapped[i].Pool == pool && mapped[i].Name == name {
			klog.V(4).Infof("Image %s/%s is mapped at %s", pool, name, mapped[i].Device)
			return &mapped[i], nil
		}
	}
	return nil, nil
}

// Attach maps the image and returns the local device path. Idempotent: if
// the image is already mapped, the existing device is returned without
// issuing another map command.
func (c *Client) Attach(ctx context.Context, name string, mapOptions []string) (string, error) {
	existing, err := c.QueryAttachment(ctx, c.pool, name)
	if err != nil {
		return "", &AttachError{Name: name, Err: err}
	}
	if existing != nil {
		klog.V(2).Infof("Image %s/%s already mapped at %s (idempotent)", c.pool, name, existing.Device)
		return existing.Device, nil
	}

	args := append([]string{"map"}, mapOptions...)
	args = append(args, "--pool", c.pool, name)
	stdout, err := c.run(ctx, args...)
	if err != nil {
		return "", &AttachError{Name: name, Err: err}
	}

	device := strings.TrimSpace(stdout)
	klog.V(2).Infof("Mapped image %s/%s at %s", c.pool, name, device)
	return device, nil
}

// Detach unmaps the image. Idempotent: a no-op if the image is not mapped.
// After a successful unmap, showmapped is polled until the mapping is gone;
// poll exhaustion is logged, not fatal, since the unmap command itself
// already succeeded.
func (c *Client) Detach(ctx context.Context, name string) error {
	existing, err := c.QueryAttachment(ctx, c.pool, name)
	if err != nil {
		return err
	}
	if existing == nil {
		klog.V(2).Infof("Image %s/%s is not mapped, nothing to detach (idempotent)", c.pool, name)
		return nil
	}

	if _, err := c.run(ctx, "unmap", "--pool", c.pool, name); err != nil {
		return &DetachError{Name: name, Err: err}
	}

	// Confirm the kernel released the mapping before reporting success
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.pollInterval), confirmAttempts-1),
		ctx)
	pollErr := backoff.Retry(func() error {
		mapped, qerr := c.QueryAttachment(ctx, c.pool, name)
		if qerr != nil {
			return backoff.Permanent(qerr)
		}
		if mapped != nil {
			return errStillMapped
		}
		return nil
	}, b)
	if pollErr != nil {
		klog.Warningf("Image %s/%s still reported mapped after %d checks: %v", c.pool, name, confirmAttempts, pollErr)
	} else {
		klog.V(2).Infof("Unmapped image %s/%s", c.pool, name)
	}
	return nil
}

// List returns all images in the pool, validated against the expected
// schema. A record missing its size is a ValidationError, not a silent
// partial result.
func (c *Client) List(ctx context.Context) ([]Image, error) {
	stdout, err := c.run(ctx, "list", "--pool", c.pool, "--long", "--format", "json")
	if err != nil {
		return nil, err
	}

	var raw []imageRecord
	if err := json.Unmarshal([]byte(stdout), &raw); err != nil {
		return nil, &ValidationError{
			Command: "rbd list",
			Reason:  "output is not a JSON array of images",
			Err:     err,
		}
	}

	images := make([]Image, 0, len(raw))
	for i, rec := range raw {
		if rec.Image == "" {
			return nil, &ValidationError{
				Command: "rbd list",
				Reason:  fmt.Sprintf("image %d is missing its name", i),
			}
		}
		if rec.Size == nil {
			return nil, &ValidationError{
				Command: "rbd list",
				Reason:  fmt.Sprintf("image %q is missing its size", rec.Image),
			}
		}
		images = append(images, Image{
			Name:   rec.Image,
			ID:     rec.ID,
			Size:   *rec.Size,
			Format: rec.Format,
		})
	}
	return images, nil
}

// Info returns the image record for name, or nil if the pool has no such
// image.
func (c *Client) Info(ctx context.Context, name string) (*Image, error) {
	images, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range images {
		if images[i].Name == name {
			return &images[i], nil
		}
	}
	return nil, nil
}

// Create provisions a new image of the given size (passed verbatim to
// `rbd create --size`).
func (c *Client) Create(ctx context.Context, name, size string) error {
	args := []string{"create", "--order", strconv.Itoa(c.order), "--pool", c.pool, "--size", size}
	if c.imageFeatures != "" {
		args = append(args, "--image-feature", c.imageFeatures)
	}
	args = append(args, name)

	if _, err := c.run(ctx, args...); err != nil {
		return &CreateError{Name: name, Err: err}
	}
	klog.V(2).Infof("Created image %s/%s (size %s, order %d)", c.pool, name, size, c.order)
	return nil
}

// Remove moves the image to the pool's trash rather than destroying it:
// the name is freed immediately, data reclamation happens later.
func (c *Client) Remove(ctx context.Context, name string) error {
	if _, err := c.run(ctx, "trash", "move", "--pool", c.pool, name); err != nil {
		return &RemoveError{Name: name, Err: err}
	}
	klog.V(2).Infof("Moved image %s/%s to trash", c.pool, name)
	return nil
}
