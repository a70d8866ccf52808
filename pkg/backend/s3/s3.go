// Package s3 implements a block backend on Amazon S3 or S3-compatible storage.
//
// The device is stored as fixed-size chunk objects. Objects that were never
// written read back as zeroes, so a freshly provisioned device costs nothing
// until data lands on it.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/marmos91/dittoblock/pkg/backend"
)

// ChunkSize is the fixed object granularity. 1 MiB keeps the object count
// manageable while bounding the read-modify-write cost of partial writes.
const ChunkSize = 1 << 20

// S3Backend implements backend.Backend using chunked S3 objects.
//
// Object Key Design:
//   - One object per chunk: "<prefix><device>/<chunk index, decimal>"
//   - Missing objects read as zeroes (sparse device)
//
// S3 Characteristics:
//   - Range reads serve partial chunk reads without full downloads
//   - Partial chunk writes are read-modify-write (GetObject + PutObject)
//   - Last-write-wins on concurrent writes to the same chunk; the per-chunk
//     mutex serializes writers within this process
//
// Thread Safety:
// Safe for concurrent use. Writers to the same chunk are serialized by a
// striped lock so a read-modify-write cannot lose a concurrent update from
// this process.
type S3Backend struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
	device    string
	size      int64

	// chunkLocks stripes write serialization across chunks
	chunkLocks [64]sync.Mutex
}

// S3BackendConfig contains configuration for the S3 backend.
type S3BackendConfig struct {
	// Client is the configured S3 client
	Client *s3.Client

	// Bucket is the S3 bucket name, which must already exist
	Bucket string

	// KeyPrefix is an optional prefix for all object keys
	KeyPrefix string

	// Device names this device inside the bucket
	Device string

	// Size is the device size in bytes
	Size int64
}

// NewS3Backend creates an S3-backed device.
func NewS3Backend(ctx context.Context, cfg S3BackendConfig) (*S3Backend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if cfg.Device == "" {
		return nil, fmt.Errorf("device name is required")
	}
	if cfg.Size <= 0 {
		return nil, backend.NewError(backend.ErrInvalidArgument,
			fmt.Sprintf("invalid device size %d", cfg.Size))
	}

	return &S3Backend{
		client:    cfg.Client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
		device:    cfg.Device,
		size:      cfg.Size,
	}, nil
}

func (b *S3Backend) chunkObjectKey(index uint64) string {
	return fmt.Sprintf("%s%s/%d", b.keyPrefix, b.device, index)
}

// readChunk fetches [chunkOff, chunkOff+len(dst)) of one chunk using a byte
// range request. A missing object fills dst with zeroes.
func (b *S3Backend) readChunk(ctx context.Context, index uint64, chunkOff uint64, dst []byte) error {
	rng := fmt.Sprintf("bytes=%d-%d", chunkOff, chunkOff+uint64(len(dst))-1)
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.chunkObjectKey(index)),
		Range:  aws.String(rng),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) || isNotFound(err) {
			clear(dst)
			return nil
		}
		return mapS3Error(err, "get object")
	}
	defer result.Body.Close()

	// Objects are always full chunks, so a short body only happens when the
	// range ran past the object end; the remainder is zero.
	n, err := io.ReadFull(result.Body, dst)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return mapS3Error(err, "read object body")
	}
	clear(dst[n:])
	return nil
}

// getFullChunk downloads one whole chunk, returning zeroes when absent.
func (b *S3Backend) getFullChunk(ctx context.Context, index uint64) ([]byte, error) {
	chunk := make([]byte, ChunkSize)
	if err := b.readChunk(ctx, index, 0, chunk); err != nil {
		return nil, err
	}
	return chunk, nil
}

// ReadAt fills buf from the device starting at off.
func (b *S3Backend) ReadAt(ctx context.Context, buf []byte, off uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	pos := 0
	for pos < len(buf) {
		chunkOff := (off + uint64(pos)) % ChunkSize
		index := (off + uint64(pos)) / ChunkSize
		n := min(ChunkSize-int(chunkOff), len(buf)-pos)

		if err := b.readChunk(ctx, index, chunkOff, buf[pos:pos+n]); err != nil {
			return err
		}
		pos += n
	}
	return nil
}

// WriteAt stores buf to the device starting at off.
func (b *S3Backend) WriteAt(ctx context.Context, buf []byte, off uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	pos := 0
	for pos < len(buf) {
		chunkOff := (off + uint64(pos)) % ChunkSize
		index := (off + uint64(pos)) / ChunkSize
		n := min(ChunkSize-int(chunkOff), len(buf)-pos)

		if err := b.writeChunk(ctx, index, chunkOff, buf[pos:pos+n]); err != nil {
			return err
		}
		pos += n
	}
	return nil
}

func (b *S3Backend) writeChunk(ctx context.Context, index uint64, chunkOff uint64, src []byte) error {
	lock := &b.chunkLocks[index%uint64(len(b.chunkLocks))]
	lock.Lock()
	defer lock.Unlock()

	var chunk []byte
	if chunkOff == 0 && len(src) == ChunkSize {
		chunk = src
	} else {
		full, err := b.getFullChunk(ctx, index)
		if err != nil {
			return err
		}
		copy(full[chunkOff:], src)
		chunk = full
	}

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.chunkObjectKey(index)),
		Body:   bytes.NewReader(chunk),
	})
	if err != nil {
		return mapS3Error(err, "put object")
	}
	return nil
}

// Flush is a no-op: PutObject is durable on return.
func (b *S3Backend) Flush(ctx context.Context) error {
	return ctx.Err()
}

// Discard deletes fully-covered chunk objects and zero-fills partial edges.
func (b *S3Backend) Discard(ctx context.Context, off uint64, length uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}

	end := off + length
	pos := off
	for pos < end {
		chunkOff := pos % ChunkSize
		index := pos / ChunkSize
		n := min(uint64(ChunkSize)-chunkOff, end-pos)

		if chunkOff == 0 && n == ChunkSize {
			_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(b.bucket),
				Key:    aws.String(b.chunkObjectKey(index)),
			})
			if err != nil && !isNotFound(err) {
				return mapS3Error(err, "delete object")
			}
		} else {
			zeroes := make([]byte, n)
			if err := b.writeChunk(ctx, index, chunkOff, zeroes); err != nil {
				return err
			}
		}
		pos += n
	}
	return nil
}

// Length returns the configured device size.
func (b *S3Backend) Length(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return b.size, nil
}

// Close releases nothing: the S3 client is shared and owned by the caller.
func (b *S3Backend) Close() error {
	return nil
}

// isNotFound catches the generic not-found shapes S3-compatible services
// return where AWS would send NoSuchKey.
func isNotFound(err error) bool {
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}

// mapS3Error classifies an S3 error into the backend vocabulary.
func mapS3Error(err error, op string) error {
	code := backend.ErrIOError
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied":
			code = backend.ErrPermissionDenied
		case "QuotaExceeded", "ServiceQuotaExceededException":
			code = backend.ErrNoSpace
		}
	}
	return backend.NewError(code, fmt.Sprintf("%s: %v", op, err))
}
