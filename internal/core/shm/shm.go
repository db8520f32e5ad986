// Package shm manages memory regions shared between the producing and the
// consuming side of a live stream. Regions are heap-backed when both sides run
// in the same process, or backed by memory-mapped files under a directory when
// they run in separate processes. A Handle names a region and crosses the
// message boundary; the other side resolves it with Open.
package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrRegionNotFound = errors.New("shm: region not found")
	ErrInvalidSize    = errors.New("shm: invalid region size")
	ErrClosed         = errors.New("shm: registry closed")
)

// Handle identifies a region. Path is set for file-backed regions only.
type Handle struct {
	ID   string `msgpack:"id" json:"id"`
	Size int    `msgpack:"size" json:"size"`
	Path string `msgpack:"path,omitempty" json:"path,omitempty"`
}

type Region struct {
	handle Handle
	data   []byte
	unmap  func() error
}

func (r *Region) Handle() Handle { return r.handle }
func (r *Region) Bytes() []byte  { return r.data }
func (r *Region) Size() int      { return len(r.data) }

// Allocator creates regions on the producing side.
type Allocator interface {
	Allocate(size int) (*Region, error)
	Release(h Handle) error
}

// Opener resolves handles on the consuming side.
type Opener interface {
	Open(h Handle) (*Region, error)
}

// Registry is both an Allocator and an Opener. With an empty dir it hands out
// heap regions that are only reachable inside this process.
type Registry struct {
	dir    string
	log    *zap.Logger
	mu     sync.Mutex
	owned  map[string]*Region
	opened map[string]*Region
	closed bool
}

type Option func(*Registry)

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.log = l }
}

func NewRegistry(dir string, opts ...Option) *Registry {
	r := &Registry{
		dir:    dir,
		log:    zap.NewNop(),
		owned:  make(map[string]*Region),
		opened: make(map[string]*Region),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Allocate(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	id := uuid.NewString()
	region := &Region{handle: Handle{ID: id, Size: size}}
	if r.dir == "" {
		region.data = make([]byte, size)
	} else {
		if err := os.MkdirAll(r.dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir shm dir: %w", err)
		}
		path := filepath.Join(r.dir, id+".shm")
		data, unmap, err := mapFile(path, size, true)
		if err != nil {
			return nil, fmt.Errorf("map region %s: %w", id, err)
		}
		region.handle.Path = path
		region.data = data
		region.unmap = func() error {
			err := unmap()
			if rmErr := os.Remove(path); rmErr != nil && err == nil && !errors.Is(rmErr, os.ErrNotExist) {
				err = rmErr
			}
			return err
		}
	}
	r.owned[id] = region
	r.log.Debug("shm region allocated", zap.String("id", id), zap.Int("size", size), zap.String("path", region.handle.Path))
	return region, nil
}

func (r *Registry) Open(h Handle) (*Region, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if region, ok := r.owned[h.ID]; ok {
		return region, nil
	}
	if region, ok := r.opened[h.ID]; ok {
		return region, nil
	}
	if h.Path == "" {
		return nil, fmt.Errorf("%w: %s", ErrRegionNotFound, h.ID)
	}
	data, unmap, err := mapFile(h.Path, h.Size, false)
	if err != nil {
		return nil, fmt.Errorf("open region %s: %w", h.ID, err)
	}
	region := &Region{handle: h, data: data, unmap: unmap}
	r.opened[h.ID] = region
	return region, nil
}

// Release unmaps a region this registry allocated or opened. Heap regions are
// only forgotten; slices already handed out stay valid.
func (r *Registry) Release(h Handle) error {
	r.mu.Lock()
	region, ok := r.owned[h.ID]
	if ok {
		delete(r.owned, h.ID)
	} else if region, ok = r.opened[h.ID]; ok {
		delete(r.opened, h.ID)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRegionNotFound, h.ID)
	}
	if region.unmap != nil {
		return region.unmap()
	}
	return nil
}

func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	regions := make([]*Region, 0, len(r.owned)+len(r.opened))
	for _, region := range r.owned {
		regions = append(regions, region)
	}
	for _, region := range r.opened {
		regions = append(regions, region)
	}
	r.owned = map[string]*Region{}
	r.opened = map[string]*Region{}
	r.mu.Unlock()

	var errs []error
	for _, region := range regions {
		if region.unmap != nil {
			if err := region.unmap(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
