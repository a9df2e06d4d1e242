package network

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"openhashdb-bitswap/network/bitswap/message"
)

type recordingSender struct {
	mu    sync.Mutex
	sends map[peer.ID][]*message.Message
	dial  map[peer.ID]chan struct{}
	gate  map[peer.ID]chan struct{}
	start chan peer.ID
}

func newRecordingSender() *recordingSender {
	return &recordingSender{
		sends: make(map[peer.ID][]*message.Message),
		dial:  make(map[peer.ID]chan struct{}),
		gate:  make(map[peer.ID]chan struct{}),
		start: make(chan peer.ID, 16),
	}
}

// slowDial holds writes to p before their message is taken.
func (r *recordingSender) slowDial(p peer.ID) chan struct{} {
	ch := make(chan struct{})
	r.mu.Lock()
	r.dial[p] = ch
	r.mu.Unlock()
	return ch
}

func (r *recordingSender) block(p peer.ID) chan struct{} {
	ch := make(chan struct{})
	r.mu.Lock()
	r.gate[p] = ch
	r.mu.Unlock()
	return ch
}

func (r *recordingSender) send(ctx context.Context, p peer.ID, take func() *message.Message) error {
	r.mu.Lock()
	dial := r.dial[p]
	gate := r.gate[p]
	r.mu.Unlock()

	var msg *message.Message
	if dial == nil {
		msg = take()
	}
	r.start <- p
	if dial != nil {
		select {
		case <-dial:
		case <-ctx.Done():
			return ctx.Err()
		}
		msg = take()
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	r.sends[p] = append(r.sends[p], msg)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) sent(p peer.ID) []*message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sends[p]
}

func TestSendQueueMergesPendingJob(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rs := newRecordingSender()
	q := newSendQueue(context.Background(), 1, rs.send)
	defer q.close()

	blocker := peer.ID("blocker")
	target := peer.ID("target")
	release := rs.block(blocker)

	ctx := context.Background()
	errc := make(chan error, 8)
	go func() { errc <- q.push(ctx, blocker, &message.Message{PendingBytes: 1}) }()
	require.Equal(t, blocker, <-rs.start)

	a := &message.Message{
		Blocks: []message.Block{{Prefix: []byte("p"), Data: []byte("b1")}},
		Wantlist: &message.Wantlist{Full: true, Entries: []message.Entry{
			{CID: []byte("x"), Priority: 5},
			{CID: []byte("y"), Priority: 100},
		}},
	}
	b := &message.Message{
		Blocks: []message.Block{{Prefix: []byte("p"), Data: []byte("b2")}},
		Wantlist: &message.Wantlist{Entries: []message.Entry{
			{CID: []byte("y")},
			{CID: []byte("z")},
		}},
	}
	go func() { errc <- q.push(ctx, target, a) }()
	require.Eventually(t, func() bool { return q.queued() == 1 }, time.Second, time.Millisecond)
	go func() { errc <- q.push(ctx, target, b) }()

	// give the second push time to merge before the slot frees up
	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		j := q.pending[target]
		return j != nil && len(j.msg.Blocks) == 2
	}, time.Second, time.Millisecond)

	close(release)
	for i := 0; i < 3; i++ {
		require.NoError(t, <-errc)
	}

	sends := rs.sent(target)
	require.Len(t, sends, 1)
	got := sends[0]
	assert.Equal(t, []message.Block{
		{Prefix: []byte("p"), Data: []byte("b1")},
		{Prefix: []byte("p"), Data: []byte("b2")},
	}, got.Blocks)
	assert.True(t, got.Wantlist.Full)
	assert.Equal(t, []message.Entry{
		{CID: []byte("x"), Priority: 5},
		{CID: []byte("y"), Priority: 100},
		{CID: []byte("z")},
	}, got.Wantlist.Entries)
}

func TestSendQueueOneInFlightPerPeer(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rs := newRecordingSender()
	q := newSendQueue(context.Background(), 4, rs.send)
	defer q.close()

	p := peer.ID("p")
	release := rs.block(p)
	ctx := context.Background()
	errc := make(chan error, 2)

	go func() { errc <- q.push(ctx, p, &message.Message{PendingBytes: 1}) }()
	require.Equal(t, p, <-rs.start)
	go func() { errc <- q.push(ctx, p, &message.Message{PendingBytes: 2}) }()

	// the second job must wait even though slots are free
	require.Eventually(t, func() bool { return q.queued() == 1 }, time.Second, time.Millisecond)
	select {
	case <-rs.start:
		t.Fatal("second write started while first in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-errc)
	require.NoError(t, <-errc)
	assert.Len(t, rs.sent(p), 2)
}

func TestSendQueueMergesWhileDialing(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rs := newRecordingSender()
	q := newSendQueue(context.Background(), 4, rs.send)
	defer q.close()

	p := peer.ID("far")
	dialed := rs.slowDial(p)
	ctx := context.Background()
	errc := make(chan error, 3)

	blk := func(data string) *message.Message {
		return &message.Message{Blocks: []message.Block{{Prefix: []byte("p"), Data: []byte(data)}}}
	}
	go func() { errc <- q.push(ctx, p, blk("b1")) }()
	require.Equal(t, p, <-rs.start)
	go func() { errc <- q.push(ctx, p, blk("b2")) }()
	go func() { errc <- q.push(ctx, p, blk("b3")) }()

	// the job is in flight but not taken, so later pushes join it
	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.pending[p] != nil && len(q.pending[p].msg.Blocks) == 3 && len(q.order) == 0
	}, time.Second, time.Millisecond)

	close(dialed)
	for i := 0; i < 3; i++ {
		require.NoError(t, <-errc)
	}
	sends := rs.sent(p)
	require.Len(t, sends, 1)
	assert.Len(t, sends[0].Blocks, 3)
}

func TestSendQueueCloseFailsPending(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rs := newRecordingSender()
	q := newSendQueue(context.Background(), 1, rs.send)

	blocker := peer.ID("blocker")
	rs.block(blocker)
	errc := make(chan error, 2)
	go func() { errc <- q.push(context.Background(), blocker, &message.Message{PendingBytes: 1}) }()
	<-rs.start
	go func() { errc <- q.push(context.Background(), peer.ID("other"), &message.Message{PendingBytes: 1}) }()
	require.Eventually(t, func() bool { return q.queued() == 1 }, time.Second, time.Millisecond)

	q.close()

	var gotNotStarted, gotCanceled bool
	for i := 0; i < 2; i++ {
		err := <-errc
		switch {
		case errors.Is(err, ErrNotStarted):
			gotNotStarted = true
		case errors.Is(err, context.Canceled):
			gotCanceled = true
		}
	}
	assert.True(t, gotNotStarted)
	assert.True(t, gotCanceled)

	require.ErrorIs(t, q.push(context.Background(), blocker, &message.Message{}), ErrNotStarted)
}

func TestSendQueueCallerContext(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rs := newRecordingSender()
	q := newSendQueue(context.Background(), 1, rs.send)
	defer q.close()

	release := rs.block(peer.ID("slow"))
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.push(ctx, peer.ID("slow"), &message.Message{PendingBytes: 1})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
