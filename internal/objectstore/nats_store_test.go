// Package objectstore_test tests the NATS object store implementation.
package objectstore_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/book-expert/csm-service/internal/objectstore"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StartTestServer starts an in-memory NATS server for testing purposes.
func StartTestServer(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()

	return startServerWithMaxPayload(t, 0)
}

func startServerWithMaxPayload(t *testing.T, maxPayload int32) (*server.Server, *nats.Conn) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()

	if maxPayload > 0 {
		opts.MaxPayload = maxPayload
	}

	natsServer := test.RunServer(&opts)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	t.Cleanup(func() {
		natsConnection.Close()
		natsServer.Shutdown()
	})

	return natsServer, natsConnection
}

func TestNatsObjectStore_UploadDownload(t *testing.T) {
	t.Parallel()

	_, natsConnection := StartTestServer(t)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(jetstreamContext, "test-audio")
	require.NoError(t, err)
	assert.Equal(t, "test-audio", store.Bucket())

	ctx := context.Background()
	key := "chunk-0001.wav"
	uploadData := []byte("RIFF....WAVEfmt fake audio payload")

	require.NoError(t, store.Upload(ctx, key, uploadData))

	downloadData, err := store.Download(ctx, key)
	require.NoError(t, err)
	require.Equal(t, uploadData, downloadData)

	objectStore, err := jetstreamContext.ObjectStore("test-audio")
	require.NoError(t, err)

	info, err := objectStore.GetInfo(key)
	require.NoError(t, err)
	assert.Equal(t, "audio/wav", info.Headers.Get("Content-Type"))
}

func TestNatsObjectStore_BindsExistingBucket(t *testing.T) {
	t.Parallel()

	_, natsConnection := StartTestServer(t)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	first, err := objectstore.New(jetstreamContext, "shared-audio")
	require.NoError(t, err)
	require.NoError(t, first.Upload(context.Background(), "a.wav", []byte("a")))

	second, err := objectstore.New(jetstreamContext, "shared-audio")
	require.NoError(t, err)

	data, err := second.Download(context.Background(), "a.wav")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), data)
}

func TestNatsObjectStore_Errors(t *testing.T) {
	t.Parallel()

	_, natsConnection := StartTestServer(t)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(jetstreamContext, "errors-audio")
	require.NoError(t, err)

	require.ErrorIs(t, store.Upload(context.Background(), "", []byte("x")), objectstore.ErrKeyEmpty)

	_, err = store.Download(context.Background(), "")
	require.ErrorIs(t, err, objectstore.ErrKeyEmpty)

	_, err = store.Download(context.Background(), "missing.wav")
	require.Error(t, err)
}

func TestNatsObjectStore_ChunksUnderMaxPayload(t *testing.T) {
	t.Parallel()

	_, natsConnection := startServerWithMaxPayload(t, 32*1024)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(jetstreamContext, "small-payload-audio",
		objectstore.WithMaxPayload(natsConnection.MaxPayload()))
	require.NoError(t, err)

	uploadData := bytes.Repeat([]byte("pcm!"), 25_000)

	require.NoError(t, store.Upload(context.Background(), "long.wav", uploadData))

	downloadData, err := store.Download(context.Background(), "long.wav")
	require.NoError(t, err)
	assert.Equal(t, uploadData, downloadData)

	objectStore, err := jetstreamContext.ObjectStore("small-payload-audio")
	require.NoError(t, err)

	info, err := objectStore.GetInfo("long.wav")
	require.NoError(t, err)
	assert.Greater(t, info.Chunks, uint32(1))
}

func TestContentType(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "audio/wav", objectstore.ContentType("x.wav"))
	assert.Equal(t, "application/octet-stream", objectstore.ContentType("no-extension"))
	assert.Contains(t, objectstore.ContentType("notes.txt"), "text/plain")
}
