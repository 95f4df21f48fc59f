package rbd

import (
	"encoding/json"
	"fmt"

	"git.srvlab.io/whiskey/rbd-volume-driver/pkg/execute"
)

// MappedImage is one entry of `rbd showmapped --format json`: an image
// currently attached on this host.
type MappedImage struct {
	ID        json.Number `json:"id"`
	Pool      string      `json:"pool"`
	Namespace string      `json:"namespace"`
	Name      string      `json:"name"`
	Snapshot  string      `json:"snap"`
	Device    string      `json:"device"`
}

// Image is one validated entry of `rbd list --pool <pool> --long --format json`.
type Image struct {
	Name   string
	ID     string
	Size   uint64
	Format int
}

// imageRecord is the raw wire shape of a list entry. The id is an opaque
// hex string, not a number. Size is a pointer so a missing field is
// distinguishable from zero during validation.
type imageRecord struct {
	Image  string  `json:"image"`
	ID     string  `json:"id"`
	Size   *uint64 `json:"size"`
	Format int     `json:"format"`
}

// ValidationError reports command output that does not conform to the
// expected structured shape. It is distinct from CommandError: the command
// succeeded but produced something we refuse to interpret.
type ValidationError struct {
	Command string
	Reason  string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unexpected output from %q: %s: %v", e.Command, e.Reason, e.Err)
	}
	return fmt.Sprintf("unexpected output from %q: %s", e.Command, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// AttachError wraps a failed `rbd map`.
type AttachError struct {
	Name string
	Err  error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attach of image %q failed (exit %d): %v", e.Name, execute.ExitCode(e.Err), e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }

// DetachError wraps a failed `rbd unmap`.
type DetachError struct {
	Name string
	Err  error
}

func (e *DetachError) Error() string {
	return fmt.Sprintf("detach of image %q failed (exit %d): %v", e.Name, execute.ExitCode(e.Err), e.Err)
}

func (e *DetachError) Unwrap() error { return e.Err }

// CreateError wraps a failed `rbd create`.
type CreateError struct {
	Name string
	Err  error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("create of image %q failed (exit %d): %v", e.Name, execute.ExitCode(e.Err), e.Err)
}

func (e *CreateError) Unwrap() error { return e.Err }

// RemoveError wraps a failed `rbd trash move`.
type RemoveError struct {
	Name string
	Err  error
}

func (e *RemoveError) Error() string {
	return fmt.Sprintf("remove of image %q failed (exit %d): %v", e.Name, execute.ExitCode(e.Err), e.Err)
}

func (e *RemoveError) Unwrap() error { return e.Err }
