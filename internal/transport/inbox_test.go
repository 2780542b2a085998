package transport

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu       sync.Mutex
	messages []string
	sources  []string
}

func (c *collector) handle(_ context.Context, source, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = append(c.sources, source)
	c.messages = append(c.messages, text)
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messages...)
}

func TestNewInboxValidatesArguments(t *testing.T) {
	_, err := NewInbox("", func(context.Context, string, string) {}, nil)
	assert.Error(t, err)

	_, err = NewInbox(t.TempDir(), nil, nil)
	assert.Error(t, err)
}

func TestInboxConsumeArchivesFile(t *testing.T) {
	dir := t.TempDir()
	c := &collector{}
	inbox, err := NewInbox(dir, c.handle, nil)
	require.NoError(t, err)

	path := filepath.Join(dir, "001.txt")
	require.NoError(t, os.WriteFile(path, []byte("EURUSD CALL $10 5M"), 0o644))

	inbox.consume(context.Background(), path)
	inbox.consume(context.Background(), path)

	assert.Equal(t, []string{"EURUSD CALL $10 5M"}, c.snapshot())
	assert.Equal(t, []string{"inbox:001.txt"}, c.sources)
	_, err = os.Stat(filepath.Join(dir, processedDir, "001.txt"))
	assert.NoError(t, err)
}

func TestInboxIgnoresOtherExtensions(t *testing.T) {
	dir := t.TempDir()
	c := &collector{}
	inbox, err := NewInbox(dir, c.handle, nil)
	require.NoError(t, err)

	path := filepath.Join(dir, "notes.json")
	require.NoError(t, os.WriteFile(path, []byte("EURUSD CALL"), 0o644))
	inbox.consume(context.Background(), path)

	assert.Empty(t, c.snapshot())
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestInboxRunPicksUpExistingAndNewFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("first"), 0o644))

	c := &collector{}
	inbox, err := NewInbox(dir, c.handle, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- inbox.Run(ctx) }()

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)

	tmp := filepath.Join(t.TempDir(), "b.msg")
	require.NoError(t, os.WriteFile(tmp, []byte("second"), 0o644))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, "b.msg")))

	require.Eventually(t, func() bool { return len(c.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"first", "second"}, c.snapshot())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("inbox did not stop")
	}
}
