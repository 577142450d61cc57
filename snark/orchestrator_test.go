package snark

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bonsai "github.com/wolfeidau/bonsai-local"
	"github.com/wolfeidau/bonsai-local/backend"
	"github.com/wolfeidau/bonsai-local/blob"
	"github.com/wolfeidau/bonsai-local/queue"
	"github.com/wolfeidau/bonsai-local/registry"
)

type harness struct {
	orch   *Orchestrator
	queue  *queue.Queue
	snarks *registry.Registry[*registry.SnarkSession]
	blobs  *blob.Store
}

func newHarness(t *testing.T, timeout time.Duration, conv Converter) *harness {
	t.Helper()
	dir := t.TempDir()
	fs, err := backend.NewFilesystem(filepath.Join(dir, "content"))
	require.NoError(t, err)
	blobs, err := blob.Open(blob.Config{Backend: fs, IndexPath: filepath.Join(dir, "index.db"), TempDir: dir, NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = blobs.Close() })

	h := &harness{
		queue:  queue.New("snark", 8),
		snarks: registry.New[*registry.SnarkSession](registry.Config{TTL: time.Hour}),
		blobs:  blobs,
	}
	h.orch, err = NewOrchestrator(Config{
		Queue:     h.queue,
		Snarks:    h.snarks,
		Blobs:     blobs,
		Converter: conv,
		Timeout:   timeout,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h.orch.Start(ctx)
	t.Cleanup(func() {
		h.queue.Close()
		cancel()
		h.orch.Wait()
	})
	return h
}

// submit stores a parent receipt and enqueues a conversion of it.
func (h *harness) submit(t *testing.T, id, parent string, receipt []byte) {
	t.Helper()
	if receipt != nil {
		_, err := h.blobs.PutBytes(context.Background(), blob.Receipts, parent, receipt)
		require.NoError(t, err)
	}
	_, isNew := h.snarks.CreateOrGet(id, func(now time.Time) *registry.SnarkSession {
		return registry.NewSnarkSession(id, parent, now)
	})
	require.True(t, isNew)
	require.NoError(t, h.queue.TryEnqueue(queue.Job{SessionID: id, Kind: queue.KindSnark, EnqueuedAt: time.Now()}))
}

func (h *harness) waitTerminal(t *testing.T, id string) *registry.SnarkSession {
	t.Helper()
	var snark *registry.SnarkSession
	require.Eventually(t, func() bool {
		s, err := h.snarks.Get(id)
		if err != nil {
			return false
		}
		snark = s
		return s.State.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return snark
}

func reverse(_ context.Context, receipt []byte) ([]byte, error) {
	out := make([]byte, len(receipt))
	for i, b := range receipt {
		out[len(receipt)-1-i] = b
	}
	return out, nil
}

func TestNewOrchestratorValidates(t *testing.T) {
	_, err := NewOrchestrator(Config{})
	require.Error(t, err)
}

func TestOrchestratorConverts(t *testing.T) {
	h := newHarness(t, time.Second, ConverterFunc(reverse))
	h.submit(t, "k1", "s1", []byte("stark"))

	snark := h.waitTerminal(t, "k1")
	require.Equal(t, registry.Succeeded, snark.State)
	require.Equal(t, "s1", snark.ParentID)

	proof, err := h.blobs.GetBytes(context.Background(), blob.Receipts, "k1")
	require.NoError(t, err)
	require.Equal(t, "krats", string(proof))
	require.Equal(t, bonsai.HashBytes(proof), snark.Proof)
}

func TestOrchestratorRunsOneAtATime(t *testing.T) {
	var (
		mu            sync.Mutex
		running, peak int
		order         []string
	)
	conv := ConverterFunc(func(_ context.Context, receipt []byte) ([]byte, error) {
		mu.Lock()
		running++
		peak = max(peak, running)
		order = append(order, string(receipt))
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return receipt, nil
	})
	h := newHarness(t, time.Second, conv)
	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		h.submit(t, "k-"+id, "s-"+id, []byte(id))
	}
	for _, id := range ids {
		require.Equal(t, registry.Succeeded, h.waitTerminal(t, "k-"+id).State)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, peak)
	require.Equal(t, ids, order)
}

func TestOrchestratorConverterFailure(t *testing.T) {
	conv := ConverterFunc(func(context.Context, []byte) ([]byte, error) {
		return nil, &ConversionError{ExitCode: 3, Stderr: "bad seal"}
	})
	h := newHarness(t, time.Second, conv)
	h.submit(t, "k1", "s1", []byte("stark"))

	snark := h.waitTerminal(t, "k1")
	require.Equal(t, registry.Failed, snark.State)
	require.ErrorIs(t, snark.Err, bonsai.ErrConversion)
	require.Contains(t, snark.Err.Message, "bad seal")

	ok, err := h.blobs.Has(context.Background(), blob.Receipts, "k1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOrchestratorTimeout(t *testing.T) {
	conv := ConverterFunc(func(ctx context.Context, _ []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, 30*time.Millisecond, conv)
	h.submit(t, "k1", "s1", []byte("stark"))

	snark := h.waitTerminal(t, "k1")
	require.Equal(t, registry.Failed, snark.State)
	require.ErrorIs(t, snark.Err, bonsai.ErrConversion)
	require.Contains(t, snark.Err.Message, "timed out")
}

func TestOrchestratorMissingParentReceipt(t *testing.T) {
	h := newHarness(t, time.Second, ConverterFunc(reverse))
	h.submit(t, "k1", "gone", nil)

	snark := h.waitTerminal(t, "k1")
	require.Equal(t, registry.Failed, snark.State)
	require.Contains(t, snark.Err.Message, "gone")
}

func TestOrchestratorRecoversPanic(t *testing.T) {
	var calls int
	conv := ConverterFunc(func(_ context.Context, receipt []byte) ([]byte, error) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return receipt, nil
	})
	h := newHarness(t, time.Second, conv)
	h.submit(t, "k1", "s1", []byte("a"))
	h.submit(t, "k2", "s2", []byte("b"))

	first := h.waitTerminal(t, "k1")
	require.Equal(t, registry.Failed, first.State)
	require.Contains(t, first.Err.Message, "boom")
	require.Equal(t, registry.Succeeded, h.waitTerminal(t, "k2").State)
}

func TestOrchestratorDropsJobWithoutSession(t *testing.T) {
	called := false
	conv := ConverterFunc(func(context.Context, []byte) ([]byte, error) {
		called = true
		return nil, errors.New("unexpected")
	})
	h := newHarness(t, time.Second, conv)
	require.NoError(t, h.queue.TryEnqueue(queue.Job{SessionID: "ghost", Kind: queue.KindSnark}))

	require.Eventually(t, func() bool { return h.queue.InFlight() == 0 }, time.Second, 5*time.Millisecond)
	require.Zero(t, h.orch.Active())
	require.False(t, called)
}
