// Package slowstore abstracts the asynchronous I/O library that drains
// staged writes to the parallel filesystem and serves the Read Mirror's
// first-touch reads. Implementing the async-I/O runtime itself is out of
// scope here, so this package exposes only the submit/wait shape its
// callers need, plus an in-memory fake used by tests and local runs.
package slowstore

import (
	"context"
	"sync"

	"github.com/hdfgroup/arraycache/pkg/cacheerrors"
)

// Request is a handle to an in-flight asynchronous operation. Wait blocks
// until the operation completes and returns its terminal error, if any.
// Calling Wait more than once returns the same result.
type Request interface {
	Wait(ctx context.Context) error
}

// Store is the capability surface the Write Pipeline's drain actor and the
// Read Mirror's prefetch/read-to-cache paths call against.
type Store interface {
	// SubmitWrite asynchronously writes data at key, returning a handle
	// the caller waits on during drain.
	SubmitWrite(ctx context.Context, key string, offset int64, data []byte) (Request, error)
	// SubmitRead asynchronously reads len(dst) bytes from key at offset
	// into dst, returning a handle the caller waits on.
	SubmitRead(ctx context.Context, key string, offset int64, dst []byte) (Request, error)
}

// completedRequest is returned by the in-memory fake: the operation has
// already finished synchronously by the time SubmitWrite/SubmitRead return,
// so Wait just replays the stored error.
type completedRequest struct{ err error }

func (r completedRequest) Wait(ctx context.Context) error { return r.err }

// InMemory is a Store backed by a plain map, standing in for the slow
// store in tests and single-node runs where no real parallel filesystem
// is mounted.
type InMemory struct {
	mu      sync.Mutex
	objects map[string][]byte

	// FailNext, when set, makes the request returned by the next
	// SubmitWrite or SubmitRead report this error from Wait instead of
	// succeeding — used to exercise the Write
	// Pipeline's latched-drain-error path.
	FailNext error
}

// NewInMemory builds an empty in-memory slow store.
func NewInMemory() *InMemory {
	return &InMemory{objects: make(map[string][]byte)}
}

var _ Store = (*InMemory)(nil)

// SubmitWrite copies data into the object named key at offset, growing the
// backing slice as needed.
func (s *InMemory) SubmitWrite(ctx context.Context, key string, offset int64, data []byte) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailNext != nil {
		err := s.FailNext
		s.FailNext = nil
		return completedRequest{err: err}, nil
	}

	obj := s.objects[key]
	need := offset + int64(len(data))
	if int64(len(obj)) < need {
		grown := make([]byte, need)
		copy(grown, obj)
		obj = grown
	}
	copy(obj[offset:], data)
	s.objects[key] = obj
	return completedRequest{}, nil
}

// SubmitRead copies len(dst) bytes from the object named key at offset
// into dst.
func (s *InMemory) SubmitRead(ctx context.Context, key string, offset int64, dst []byte) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailNext != nil {
		err := s.FailNext
		s.FailNext = nil
		return completedRequest{err: err}, nil
	}

	obj, ok := s.objects[key]
	if !ok {
		return completedRequest{err: cacheerrors.Newf(cacheerrors.CodeSlowStoreError, "no object %q", key).WithComponent("slowstore")}, nil
	}
	if offset+int64(len(dst)) > int64(len(obj)) {
		return completedRequest{err: cacheerrors.Newf(cacheerrors.CodeSlowStoreError, "read past end of object %q", key).WithComponent("slowstore")}, nil
	}
	copy(dst, obj[offset:offset+int64(len(dst))])
	return completedRequest{}, nil
}

// Peek returns a copy of an object's current contents, used by tests.
func (s *InMemory) Peek(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(obj))
	copy(out, obj)
	return out, true
}
