package stream

import (
	"sync/atomic"
	"testing"

	"github.com/indigo-web/hget/status"
	"github.com/indigo-web/hget/transport"
	"github.com/indigo-web/hget/transport/dummy"
	"github.com/stretchr/testify/require"
)

func newReader(t *testing.T, windowSize int, budget uint64, script dummy.Script) (*Reader, *dummy.Adapter, *atomic.Bool) {
	a := dummy.New(script)
	conn, err := a.Open(transport.Params{RemotePort: 80})
	require.NoError(t, err)
	require.Equal(t, transport.StateEstablished, a.State(conn))
	_, err = a.Send(conn, []byte("GET / HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	cancelled := new(atomic.Bool)
	r := NewReader(a, make([]byte, windowSize), cancelled, a, budget)
	r.Reset(conn)

	return r, a, cancelled
}

func readAll(r *Reader) (string, error) {
	var data []byte
	for {
		char, err := r.Byte()
		if err != nil {
			return string(data), err
		}

		data = append(data, char)
	}
}

func TestReader(t *testing.T) {
	t.Run("bytes across pieces and refills", func(t *testing.T) {
		r, _, _ := newReader(t, 4, 100, dummy.Script{
			Responses: [][]string{{"Hel", "", "lo, wor", "ld!"}},
		})

		data, err := readAll(r)
		require.ErrorIs(t, err, status.ErrConnectionLost)
		require.Equal(t, "Hello, world!", data)
	})

	t.Run("take", func(t *testing.T) {
		r, _, _ := newReader(t, 8, 100, dummy.Script{
			Responses: [][]string{{"abcdefghij"}},
			KeepOpen:  true,
		})

		require.NoError(t, r.Fill())
		require.Equal(t, 8, r.Buffered())
		require.Equal(t, "abc", string(r.Take(3)))
		char, err := r.Byte()
		require.NoError(t, err)
		require.Equal(t, byte('d'), char)
		require.Equal(t, "efgh", string(r.Take(100)))
		require.Zero(t, r.Buffered())
		require.Empty(t, r.Take(1))

		require.NoError(t, r.Fill())
		require.Equal(t, "ij", string(r.Take(2)))
	})

	t.Run("skip", func(t *testing.T) {
		r, _, _ := newReader(t, 2, 100, dummy.Script{
			Responses: [][]string{{"\r\nx"}},
			KeepOpen:  true,
		})

		require.NoError(t, r.Skip(2))
		char, err := r.Byte()
		require.NoError(t, err)
		require.Equal(t, byte('x'), char)
	})

	t.Run("reset discards buffered bytes", func(t *testing.T) {
		r, a, _ := newReader(t, 16, 100, dummy.Script{
			Responses: [][]string{{"stale"}, {"fresh"}},
			KeepOpen:  true,
		})

		require.NoError(t, r.Fill())
		r.Reset(transport.Conn(1))
		require.Zero(t, r.Buffered())

		_, err := a.Send(transport.Conn(1), []byte("GET / HTTP/1.1\r\n\r\n"))
		require.NoError(t, err)
		require.NoError(t, r.Fill())
		require.Equal(t, "fresh", string(r.Take(16)))
	})

	t.Run("cancellation is observed within a poll", func(t *testing.T) {
		r, a, cancelled := newReader(t, 16, 1_000_000, dummy.Script{
			Responses: [][]string{{}},
			KeepOpen:  true,
		})
		a.OnYield = func(yields int) {
			if yields == 3 {
				cancelled.Store(true)
			}
		}

		_, err := r.Byte()
		require.ErrorIs(t, err, status.ErrCancelled)
		require.Equal(t, 3, a.Yields())
	})

	t.Run("timeout", func(t *testing.T) {
		const budget = 5

		r, a, _ := newReader(t, 16, budget, dummy.Script{
			Responses: [][]string{{}},
			KeepOpen:  true,
		})

		_, err := r.Byte()
		require.ErrorIs(t, err, status.ErrTransferTimeout)
		require.Equal(t, budget+1, a.Yields())
	})

	t.Run("unknown connection", func(t *testing.T) {
		r, _, _ := newReader(t, 16, 100, dummy.Script{KeepOpen: true})
		r.Reset(transport.Conn(42))

		_, err := r.Byte()
		require.ErrorIs(t, err, status.ErrConnectionLost)
	})
}
