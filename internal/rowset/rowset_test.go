package rowset

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"rowflow/internal/row"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testSchema = row.NewSchema(row.Field{Name: "n", Type: row.TypeInteger})

func TestBufferFIFOAndEOF(t *testing.T) {
	b := NewBuffer("a", "b", 4, nil, nil)
	for i := int64(0); i < 3; i++ {
		require.True(t, b.Put(testSchema, row.Row{i}))
	}
	b.SetDone()
	assert.False(t, b.Put(testSchema, row.Row{int64(9)}), "put after done")

	for i := int64(0); i < 3; i++ {
		it, res := b.Get()
		require.Equal(t, OK, res)
		assert.Equal(t, i, it.Row[0])
	}
	_, res := b.Get()
	assert.Equal(t, EOF, res)
	assert.True(t, b.Finished())
	assert.Equal(t, "a -> b", Name(b))
}

func TestBufferPutBlocksUntilRead(t *testing.T) {
	b := NewBuffer("a", "b", 1, nil, nil)
	require.True(t, b.Put(testSchema, row.Row{int64(1)}))

	done := make(chan bool)
	go func() { done <- b.Put(testSchema, row.Row{int64(2)}) }()

	select {
	case <-done:
		t.Fatal("put returned while buffer was full")
	case <-time.After(20 * time.Millisecond):
	}
	_, res := b.Get()
	require.Equal(t, OK, res)
	assert.True(t, <-done)
}

func TestBufferStopUnparksPut(t *testing.T) {
	stop := make(chan struct{})
	b := NewBuffer("a", "b", 1, stop, nil)
	require.True(t, b.Put(testSchema, row.Row{int64(1)}))

	done := make(chan bool)
	go func() { done <- b.Put(testSchema, row.Row{int64(2)}) }()
	time.Sleep(10 * time.Millisecond)
	close(stop)

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("put still parked after stop")
	}
}

func TestBufferStopUnparksGet(t *testing.T) {
	stop := make(chan struct{})
	b := NewBuffer("a", "b", 1, stop, nil)

	done := make(chan Result)
	go func() {
		_, res := b.Get()
		done <- res
	}()
	time.Sleep(10 * time.Millisecond)
	close(stop)

	select {
	case res := <-done:
		assert.Equal(t, Stopped, res)
	case <-time.After(time.Second):
		t.Fatal("get still parked after stop")
	}
}

func TestBufferWake(t *testing.T) {
	wake := make(chan struct{}, 1)
	b := NewBuffer("a", "b", 2, nil, wake)
	_, res := b.TryGet()
	assert.Equal(t, Empty, res)

	b.Put(testSchema, row.Row{int64(1)})
	b.Put(testSchema, row.Row{int64(2)})
	select {
	case <-wake:
	default:
		t.Fatal("no wake signal after put")
	}
	b.SetDone()
	select {
	case <-wake:
	default:
		t.Fatal("no wake signal after done")
	}
}

func TestQueue(t *testing.T) {
	q := NewQueue("a", "b")
	_, res := q.Get()
	assert.Equal(t, Empty, res)

	for i := int64(0); i < 5; i++ {
		q.Put(testSchema, row.Row{i})
	}
	assert.Equal(t, 5, q.Len())
	for i := int64(0); i < 3; i++ {
		it, res := q.Get()
		require.Equal(t, OK, res)
		assert.Equal(t, i, it.Row[0])
	}
	q.Put(testSchema, row.Row{int64(5)})
	q.SetDone()
	assert.False(t, q.Finished())
	for i := int64(3); i < 6; i++ {
		it, res := q.TryGet()
		require.Equal(t, OK, res)
		assert.Equal(t, i, it.Row[0])
	}
	_, res = q.Get()
	assert.Equal(t, EOF, res)
	assert.True(t, q.Finished())
}
