// Package global implements the "global" Storage Backend variant: a shared
// object store standing in for the auxiliary slow-store file §4.2
// describes for multi-rank, globally-visible staging. It is built against
// the AWS SDK v2 S3 client and the CargoShip transporter, the closest
// available analog in the retrieved example pack to "aux file write".
package global

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	"github.com/hdfgroup/arraycache/internal/backend"
	"github.com/hdfgroup/arraycache/pkg/cacheerrors"
	"github.com/hdfgroup/arraycache/pkg/cachetypes"
)

// Config configures the global backend's S3 client and connection pool.
type Config struct {
	Bucket             string
	Region             string
	Endpoint           string
	ForcePathStyle     bool
	PoolSize           int
	EnableAcceleration bool
}

// clientPool is a small fixed-size channel pool of S3 clients.
type clientPool struct {
	clients chan *s3.Client
}

func newClientPool(size int, factory func() *s3.Client) *clientPool {
	if size <= 0 {
		size = 8
	}
	p := &clientPool{clients: make(chan *s3.Client, size)}
	for i := 0; i < size; i++ {
		p.clients <- factory()
	}
	return p
}

func (p *clientPool) get() *s3.Client  { return <-p.clients }
func (p *clientPool) put(c *s3.Client) { p.clients <- c }

// Backend is the object-store-backed Storage Backend variant.
type Backend struct {
	cfg         Config
	pool        *clientPool
	transporter *cargoships3.Transporter

	mu       sync.Mutex
	aux      map[string]bool // open "aux file" handles, keyed by stage/mirror name
	written  map[string]int64
}

// New builds a global backend against the given bucket/region.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, cacheerrors.New(cacheerrors.CodeMisconfiguredCache, "global backend requires a bucket").WithComponent("global")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, cacheerrors.New(cacheerrors.CodeMisconfiguredCache, "load AWS config").WithCause(err).WithComponent("global")
	}

	factory := func() *s3.Client {
		return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
			if cfg.EnableAcceleration {
				o.UseAccelerate = true
			}
		})
	}

	pool := newClientPool(cfg.PoolSize, factory)

	transporter := cargoships3.NewTransporter(factory(), awsconfig.S3Config{
		Bucket:             cfg.Bucket,
		StorageClass:       awsconfig.StorageClassStandard,
		MultipartThreshold: 32 * 1024 * 1024,
		MultipartChunkSize: 16 * 1024 * 1024,
		Concurrency:        cfg.PoolSize,
	})

	return &Backend{
		cfg:         cfg,
		pool:        pool,
		transporter: transporter,
		aux:         make(map[string]bool),
		written:     make(map[string]int64),
	}, nil
}

var _ backend.Backend = (*Backend)(nil)

// CreateWriteStage opens the auxiliary slow-store object, keeping only a
// logical handle — S3 has no truncate-to-capacity concept.
func (b *Backend) CreateWriteStage(ctx context.Context, stage string, capacity int64) error {
	return b.open(stage)
}

// CreateReadMirror opens the auxiliary object for a read mirror.
func (b *Backend) CreateReadMirror(ctx context.Context, mirror string, size int64) error {
	return b.open(mirror)
}

func (b *Backend) open(name string) error {
	b.mu.Lock()
	b.aux[name] = true
	b.mu.Unlock()
	return nil
}

// WriteIntoStage invokes a slow-store write of the scattered selection
// directly into the aux object; there is no local opaque reference to
// return since the bytes already landed in the shared store. baseOffset is
// ignored: every task owns its own aux object rather than a byte range
// within a shared one, per PerTaskStage.
func (b *Backend) WriteIntoStage(ctx context.Context, stage string, baseOffset int64, sel cachetypes.Selection, elem cachetypes.ElementType, src []byte) (string, error) {
	return b.writeAux(ctx, stage, sel, elem, src)
}

// PerTaskStage reports that the global backend wants its own
// CreateWriteStage/DestroyWriteStage call per Write Pipeline task instead
// of one shared per-rank stage: each task becomes its own slow-store
// object, so there is no shared byte range to reuse the way file-mmap and
// RAM do.
func (b *Backend) PerTaskStage() bool { return true }

// PopulateMirror invokes the same slow-store write path against a
// read-mirror-keyed object.
func (b *Backend) PopulateMirror(ctx context.Context, mirror string, sel cachetypes.Selection, elem cachetypes.ElementType, src []byte) (string, error) {
	return b.writeAux(ctx, mirror, sel, elem, src)
}

func (b *Backend) writeAux(ctx context.Context, name string, sel cachetypes.Selection, elem cachetypes.ElementType, src []byte) (string, error) {
	b.mu.Lock()
	_, ok := b.aux[name]
	b.mu.Unlock()
	if !ok {
		return "", cacheerrors.Newf(cacheerrors.CodeStageWriteError, "aux object %q not open", name).WithComponent("global")
	}

	plan := backend.PlanScatter(sel, elem)
	contiguous := make([]byte, 0, elem.Size*int(sel.Elements()))
	for _, run := range plan {
		contiguous = append(contiguous, src[run.SrcByteOffset:run.SrcByteOffset+run.RunByteLength]...)
	}

	if err := b.putObject(ctx, name, contiguous); err != nil {
		return "", cacheerrors.New(cacheerrors.CodeSlowStoreError, "slow-store write").WithCause(err).WithComponent("global").WithOperation("writeAux")
	}

	b.mu.Lock()
	b.written[name] += int64(len(contiguous))
	b.mu.Unlock()
	return "", nil
}

func (b *Backend) putObject(ctx context.Context, key string, data []byte) error {
	client := b.pool.get()
	defer b.pool.put(client)

	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}

// ReadObject fetches an aux object's full contents.
func (b *Backend) ReadObject(ctx context.Context, key string) ([]byte, error) {
	client := b.pool.get()
	defer b.pool.put(client)

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, cacheerrors.New(cacheerrors.CodeSlowStoreError, "slow-store read").WithCause(err).WithComponent("global")
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// DestroyWriteStage closes the aux file handle for a write stage.
func (b *Backend) DestroyWriteStage(ctx context.Context, stage string) error {
	return b.close(stage)
}

// DestroyReadMirror closes the aux file handle for a read mirror.
func (b *Backend) DestroyReadMirror(ctx context.Context, mirror string, size int64) error {
	return b.close(mirror)
}

func (b *Backend) close(name string) error {
	b.mu.Lock()
	delete(b.aux, name)
	delete(b.written, name)
	b.mu.Unlock()
	return nil
}

// PurgeFolder recursively removes every object under the given key prefix.
func (b *Backend) PurgeFolder(ctx context.Context, prefix string) error {
	client := b.pool.get()
	defer b.pool.put(client)

	var continuation *string
	for {
		list, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.cfg.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			return cacheerrors.New(cacheerrors.CodePartialCacheRemoval, "list objects for purge").WithCause(err).WithComponent("global")
		}
		for _, obj := range list.Contents {
			if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(b.cfg.Bucket),
				Key:    obj.Key,
			}); err != nil {
				return cacheerrors.New(cacheerrors.CodePartialCacheRemoval, "delete object during purge").WithCause(err).WithComponent("global")
			}
		}
		if list.IsTruncated == nil || !*list.IsTruncated {
			break
		}
		continuation = list.NextContinuationToken
	}
	return nil
}

// HealthCheck verifies the backend's bucket is reachable, mirroring the
// teacher's own client health check.
func (b *Backend) HealthCheck(ctx context.Context) error {
	client := b.pool.get()
	defer b.pool.put(client)

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.cfg.Bucket)}); err != nil {
		return fmt.Errorf("global backend health check: %w", err)
	}
	return nil
}
