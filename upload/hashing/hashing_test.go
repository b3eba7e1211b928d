package hashing

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_HashChunk(t *testing.T) {
	data := []byte("0123456789abcdef0123456789abcdef")
	source := bytes.NewReader(data)

	s := NewService(2, log.NewLogger())
	defer s.Close()

	res := <-s.HashChunk(context.Background(), source, 8, 16, 3)
	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Index)

	want := sha256.Sum256(data[8:24])
	assert.Equal(t, hex.EncodeToString(want[:]), res.Digest)
}

func TestService_HashFile(t *testing.T) {
	data := bytes.Repeat([]byte("beamup"), 1000)
	source := bytes.NewReader(data)

	s := NewService(0, log.NewLogger())
	defer s.Close()

	res := <-s.HashFile(context.Background(), source, int64(len(data)))
	require.NoError(t, res.Err)
	assert.Equal(t, FileIndex, res.Index)

	want := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(want[:]), res.Digest)
}

func TestService_EmptyRange(t *testing.T) {
	s := NewService(1, log.NewLogger())
	defer s.Close()

	res := <-s.HashChunk(context.Background(), bytes.NewReader(nil), 0, 0, 0)
	require.NoError(t, res.Err)

	want := sha256.Sum256(nil)
	assert.Equal(t, hex.EncodeToString(want[:]), res.Digest)
}

func TestService_RoutesResultsByIndex(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 1024)
	source := bytes.NewReader(data)

	s := NewService(4, log.NewLogger())
	defer s.Close()

	// Concurrent requests each get their answer on their own channel.
	channels := make(map[int]<-chan Result)
	for i := 0; i < 8; i++ {
		channels[i] = s.HashChunk(context.Background(), source, int64(i*128), 128, i)
	}

	for index, ch := range channels {
		select {
		case res := <-ch:
			require.NoError(t, res.Err)
			assert.Equal(t, index, res.Index)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for chunk %d digest", index)
		}
	}
}

func TestService_CancelledContext(t *testing.T) {
	s := NewService(1, log.NewLogger())
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := <-s.HashChunk(ctx, bytes.NewReader([]byte("data")), 0, 4, 0)
	assert.Error(t, res.Err)
}
