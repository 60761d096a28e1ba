// Package transfer relays files to and from remote backends. It is a
// consumed capability of scenarios (feed files, exported reports), not part
// of the correlation core.
package transfer

import (
	"context"
	"fmt"
	"strings"
)

// Backend identifies a remote scheme.
type Backend string

const (
	BackendS3   Backend = "s3"
	BackendSFTP Backend = "sftp"
)

// RemoteRef addresses a remote object: s3://bucket/key or sftp://host/path.
type RemoteRef struct {
	Backend Backend
	// Bucket for S3, host for SFTP.
	Location string
	Path     string
}

func (r RemoteRef) String() string {
	return fmt.Sprintf("%s://%s/%s", r.Backend, r.Location, r.Path)
}

// ParseRef parses the scheme://location/path remote address form.
func ParseRef(ref string) (RemoteRef, error) {
	scheme, rest, ok := strings.Cut(ref, "://")
	if !ok {
		return RemoteRef{}, fmt.Errorf("remote ref %q: missing scheme", ref)
	}
	var backend Backend
	switch scheme {
	case "s3":
		backend = BackendS3
	case "sftp":
		backend = BackendSFTP
	default:
		return RemoteRef{}, fmt.Errorf("remote ref %q: unsupported scheme %q", ref, scheme)
	}
	location, path, ok := strings.Cut(rest, "/")
	if !ok || location == "" || path == "" {
		return RemoteRef{}, fmt.Errorf("remote ref %q: want %s://location/path", ref, scheme)
	}
	return RemoteRef{Backend: backend, Location: location, Path: path}, nil
}

// Entry is one remote listing item.
type Entry struct {
	Path string
	Size int64
}

// Transferer relays whole objects between local paths and one backend.
type Transferer interface {
	Upload(ctx context.Context, localPath string, remote RemoteRef) error
	Download(ctx context.Context, remote RemoteRef, localPath string) error
	List(ctx context.Context, remote RemoteRef) ([]Entry, error)
}

// Registry routes refs to the transferer for their backend.
type Registry struct {
	backends map[Backend]Transferer
}

func NewRegistry() *Registry {
	return &Registry{backends: map[Backend]Transferer{}}
}

func (r *Registry) Register(b Backend, t Transferer) {
	r.backends[b] = t
}

func (r *Registry) For(ref RemoteRef) (Transferer, error) {
	t, ok := r.backends[ref.Backend]
	if !ok {
		return nil, fmt.Errorf("no transferer registered for backend %q", ref.Backend)
	}
	return t, nil
}

func (r *Registry) Upload(ctx context.Context, localPath string, ref RemoteRef) error {
	t, err := r.For(ref)
	if err != nil {
		return err
	}
	return t.Upload(ctx, localPath, ref)
}

func (r *Registry) Download(ctx context.Context, ref RemoteRef, localPath string) error {
	t, err := r.For(ref)
	if err != nil {
		return err
	}
	return t.Download(ctx, ref, localPath)
}

func (r *Registry) List(ctx context.Context, ref RemoteRef) ([]Entry, error) {
	t, err := r.For(ref)
	if err != nil {
		return nil, err
	}
	return t.List(ctx, ref)
}

func checkBackend(ref RemoteRef, want Backend) error {
	if ref.Backend != want {
		return fmt.Errorf("ref %s: want backend %q", ref, want)
	}
	return nil
}
