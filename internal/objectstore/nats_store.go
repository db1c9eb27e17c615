// Package objectstore keeps synthesized audio in a NATS JetStream object store bucket.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	bucketDescriptionFmt = "Synthesized speech for the %s bucket."
	defaultContentType   = "application/octet-stream"
	wavContentType       = "audio/wav"
	contentTypeHeader    = "Content-Type"

	// Object chunks default to 128 KiB; chunkHeadroom leaves room for headers.
	maxChunkSize  = 128 * 1024
	chunkHeadroom = 4 * 1024
)

// ErrKeyEmpty indicates that an object key was not provided.
var ErrKeyEmpty = errors.New("object key cannot be empty")

// NatsObjectStore implements core.ObjectStore on NATS JetStream.
type NatsObjectStore struct {
	bucket    string
	store     nats.ObjectStore
	chunkSize uint32
}

// Option configures a NatsObjectStore.
type Option func(*NatsObjectStore)

// WithMaxPayload keeps every uploaded chunk under the server's max payload.
// Pass nats.Conn.MaxPayload().
func WithMaxPayload(maxPayload int64) Option {
	return func(n *NatsObjectStore) {
		n.chunkSize = chunkSizeFor(maxPayload)
	}
}

func chunkSizeFor(maxPayload int64) uint32 {
	if maxPayload <= 2*chunkHeadroom {
		return 0
	}

	return uint32(min(maxPayload-chunkHeadroom, maxChunkSize))
}

// New creates the bucket, or binds to it when it already exists.
func New(jetstreamContext nats.JetStreamContext, bucketName string, opts ...Option) (*NatsObjectStore, error) {
	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf(bucketDescriptionFmt, bucketName),
		TTL:         0,
		MaxBytes:    0,
		Storage:     nats.FileStorage,
		Replicas:    1,
		Placement:   nil,
		Metadata:    nil,
		Compression: false,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
		}

		store, err = jetstreamContext.ObjectStore(bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucketName, err)
		}
	}

	objectStore := &NatsObjectStore{
		bucket: bucketName,
		store:  store,
	}

	for _, opt := range opts {
		opt(objectStore)
	}

	return objectStore, nil
}

// Bucket returns the bucket name.
func (n *NatsObjectStore) Bucket() string {
	return n.bucket
}

// Download retrieves an object from the bucket.
func (n *NatsObjectStore) Download(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrKeyEmpty
	}

	obj, err := n.store.Get(key, nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("failed to read object '%s': %w", key, readErr)
	}

	if closeErr != nil {
		return data, fmt.Errorf("failed to close object '%s': %w", key, closeErr)
	}

	return data, nil
}

// Upload saves an object to the bucket, tagging it with a content type derived
// from the key's extension.
func (n *NatsObjectStore) Upload(ctx context.Context, key string, data []byte) error {
	if key == "" {
		return ErrKeyEmpty
	}

	var metaOpts *nats.ObjectMetaOptions
	if n.chunkSize > 0 {
		metaOpts = &nats.ObjectMetaOptions{Link: nil, ChunkSize: n.chunkSize}
	}

	_, err := n.store.Put(&nats.ObjectMeta{
		Name:        key,
		Description: "",
		Headers:     nats.Header{contentTypeHeader: []string{ContentType(key)}},
		Metadata:    nil,
		Opts:        metaOpts,
	}, bytes.NewReader(data), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, n.bucket, err)
	}

	return nil
}

// ContentType guesses the media type of an object from its key.
func ContentType(key string) string {
	ext := filepath.Ext(key)
	if ext == ".wav" {
		return wavContentType
	}

	if contentType := mime.TypeByExtension(ext); contentType != "" {
		return contentType
	}

	return defaultContentType
}
