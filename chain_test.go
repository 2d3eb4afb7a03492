package mark5xfer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// genSource emits n blocks of size sz filled with a fixed byte, then exits.
type genSource struct {
	n, sz int
	fill  byte
}

func (g *genSource) Name() string { return "gen" }

func (g *genSource) Run(ctx context.Context, io StageIO) error {
	for i := 0; i < g.n; i++ {
		blk := io.Pool.Get(g.sz)
		for j := range blk.Bytes() {
			blk.Bytes()[j] = g.fill
		}
		select {
		case <-ctx.Done():
			blk.Release()
			return ctx.Err()
		default:
		}
		if err := io.Out.Push(blk); err != nil {
			blk.Release()
			return err
		}
	}
	return nil
}

// doubler multiplies every byte by 2 as it passes through.
type doubler struct{}

func (doubler) Name() string { return "doubler" }

func (doubler) Run(ctx context.Context, io StageIO) error {
	for {
		blk, err := io.In.Pop()
		if err != nil {
			return err
		}
		for i, b := range blk.Bytes() {
			blk.Bytes()[i] = b * 2
		}
		if err := io.Out.Push(blk); err != nil {
			blk.Release()
			return err
		}
	}
}

// collectSink appends every block's first byte to a slice.
type collectSink struct {
	got []byte
}

func (s *collectSink) Name() string { return "collect" }

func (s *collectSink) Run(ctx context.Context, io StageIO) error {
	for {
		blk, err := io.In.Pop()
		if err != nil {
			return err
		}
		s.got = append(s.got, blk.Bytes()[0])
		blk.Release()
	}
}

func TestChainEndToEnd(t *testing.T) {
	pool := NewBlockpool()
	chain := NewChain(pool, 2, nil, nil)

	sink := &collectSink{}
	chain.Add(&genSource{n: 5, sz: 16, fill: 3}, nil)
	chain.Add(doubler{}, nil)
	chain.Add(sink, nil)

	chain.Run(context.Background())

	done := make(chan struct{})
	go func() {
		_ = chain.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("chain did not drain and exit on its own")
	}

	require.Equal(t, []byte{6, 6, 6, 6, 6}, sink.got)
}

func TestChainStopUnblocksStages(t *testing.T) {
	pool := NewBlockpool()
	chain := NewChain(pool, 1, nil, nil)

	// An effectively infinite source paired with a sink that never runs
	// (not added), so the source blocks on Push once the boundary queue
	// fills; Stop must still unblock and exit it.
	chain.Add(&genSource{n: 1 << 30, sz: 8, fill: 1}, nil)

	chain.Run(context.Background())
	time.Sleep(20 * time.Millisecond)
	chain.Stop()

	done := make(chan struct{})
	go func() {
		_ = chain.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not unblock a stage parked on Push")
	}
}

func TestChainStagesNamesInOrder(t *testing.T) {
	pool := NewBlockpool()
	chain := NewChain(pool, 4, nil, nil)
	chain.Add(&genSource{n: 1, sz: 8}, nil)
	chain.Add(doubler{}, nil)
	chain.Add(&collectSink{}, nil)

	require.Equal(t, []string{"gen", "doubler", "collect"}, chain.Stages())
}
