package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fdbkv/fdb/internal/metrics"
	"github.com/fdbkv/fdb/pkg/engine"
	"github.com/fdbkv/fdb/pkg/protocol"
	"github.com/fdbkv/fdb/pkg/value"
)

func startServer(t *testing.T, opts Options) (*Server, *engine.Engine) {
	t.Helper()
	eng, err := engine.Open(engine.Options{Clock: clock.NewMock(), DataDir: t.TempDir(), CacheSize: 100})
	require.NoError(t, err)

	opts.Addr = "127.0.0.1:0"
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	srv := New(eng, opts)
	require.NoError(t, srv.Listen())
	go srv.Serve()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, srv.Stop(ctx))
		assert.NoError(t, eng.Close())
	})
	return srv, eng
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn net.Conn, cmd *protocol.Command) *protocol.Response {
	t.Helper()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, protocol.WriteCommand(conn, cmd))
	resp, err := protocol.ReadResponse(conn)
	require.NoError(t, err)
	return resp
}

func TestCommands(t *testing.T) {
	srv, _ := startServer(t, Options{})
	conn := dial(t, srv)

	resp := roundTrip(t, conn, protocol.NewCommand(protocol.CmdPing))
	assert.Equal(t, "PONG", resp.Data)

	v := value.Map(map[string]value.Value{"name": value.String("alice"), "age": value.Int(30)})
	resp = roundTrip(t, conn, protocol.NewCommand(protocol.CmdSet, "user:1", v))
	assert.Equal(t, protocol.RespOK, resp.Type)
	roundTrip(t, conn, protocol.NewCommand(protocol.CmdSet, "user:2", value.Int(2)))
	roundTrip(t, conn, protocol.NewCommand(protocol.CmdSet, "session:1", value.Null()))

	resp = roundTrip(t, conn, protocol.NewCommand(protocol.CmdGet, "user:1"))
	require.Equal(t, protocol.RespValue, resp.Type)
	assert.True(t, value.Equal(v, resp.Data.(value.Value)))

	resp = roundTrip(t, conn, protocol.NewCommand(protocol.CmdGet, "nope"))
	assert.Equal(t, protocol.RespNil, resp.Type)

	resp = roundTrip(t, conn, protocol.NewCommand(protocol.CmdExists, "user:2"))
	assert.Equal(t, int64(1), resp.Data)

	resp = roundTrip(t, conn, protocol.NewCommand(protocol.CmdKeys, "user:*"))
	assert.ElementsMatch(t, []string{"user:1", "user:2"}, resp.Data)

	resp = roundTrip(t, conn, protocol.NewCommand(protocol.CmdKeys))
	assert.Len(t, resp.Data, 3)

	resp = roundTrip(t, conn, protocol.NewCommand(protocol.CmdDBSize))
	assert.Equal(t, int64(3), resp.Data)

	resp = roundTrip(t, conn, protocol.NewCommand(protocol.CmdSave))
	assert.Equal(t, int64(3), resp.Data)

	resp = roundTrip(t, conn, protocol.NewCommand(protocol.CmdDel, "user:2"))
	assert.Equal(t, int64(1), resp.Data)
	resp = roundTrip(t, conn, protocol.NewCommand(protocol.CmdDel, "user:2"))
	assert.Equal(t, int64(0), resp.Data)

	resp = roundTrip(t, conn, protocol.NewCommand(protocol.CmdInfo))
	require.Equal(t, protocol.RespValue, resp.Type)
	info, ok := resp.Data.(value.Value).AsMap()
	require.True(t, ok)
	entries, _ := info["cache_entries"].AsInt()
	assert.Equal(t, int64(2), entries)
	conns, _ := info["connections"].AsInt()
	assert.Equal(t, int64(1), conns)
	assert.Contains(t, info, "uptime_seconds")
	assert.Contains(t, info, "dirty_entries")

	for i := 0; i < 2; i++ {
		resp = roundTrip(t, conn, protocol.NewCommand(protocol.CmdFlushDB))
		assert.Equal(t, protocol.RespOK, resp.Type)
		resp = roundTrip(t, conn, protocol.NewCommand(protocol.CmdDBSize))
		assert.Equal(t, int64(0), resp.Data)
	}
}

func TestProtocolErrorsKeepConnectionOpen(t *testing.T) {
	srv, _ := startServer(t, Options{})
	conn := dial(t, srv)

	bad := []*protocol.Command{
		{Type: protocol.CommandType(200)},
		protocol.NewCommand(protocol.CmdGet),
		protocol.NewCommand(protocol.CmdGet, "a", "b"),
		protocol.NewCommand(protocol.CmdSet, "k", []byte{0xee, 0x01}),
		protocol.NewCommand(protocol.CmdGet, ""),
	}
	for _, cmd := range bad {
		resp := roundTrip(t, conn, cmd)
		assert.Equal(t, protocol.RespError, resp.Type, cmd.Type.String())
		assert.Contains(t, resp.Error, "ERR")

		resp = roundTrip(t, conn, protocol.NewCommand(protocol.CmdPing))
		assert.Equal(t, "PONG", resp.Data)
	}

	// A well-framed but undecodable body is also answered.
	require.NoError(t, protocol.WriteFrame(conn, []byte{byte(protocol.CmdGet), 0x7f}))
	resp, err := protocol.ReadResponse(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.RespError, resp.Type)

	resp = roundTrip(t, conn, protocol.NewCommand(protocol.CmdPing))
	assert.Equal(t, "PONG", resp.Data)
}

func TestUnknownCommandIsReportedByName(t *testing.T) {
	srv, _ := startServer(t, Options{})
	conn := dial(t, srv)

	resp := roundTrip(t, conn, protocol.NewCommand(protocol.CommandType(42), "x"))
	assert.Equal(t, "ERR unknown command 'UNKNOWN(42)'", resp.Error)
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	srv, _ := startServer(t, Options{})
	conn := dial(t, srv)

	_, err := conn.Write([]byte{0xff, 0xff, 0xff, 0xff})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = protocol.ReadFrame(conn)
	assert.ErrorIs(t, err, io.EOF)
}

func TestAdmissionControl(t *testing.T) {
	srv, _ := startServer(t, Options{MaxConnections: 2})

	first := dial(t, srv)
	second := dial(t, srv)
	for _, c := range []net.Conn{first, second} {
		assert.Equal(t, "PONG", roundTrip(t, c, protocol.NewCommand(protocol.CmdPing)).Data)
	}

	extra := dial(t, srv)
	require.NoError(t, extra.SetReadDeadline(time.Now().Add(5*time.Second)))
	resp, err := protocol.ReadResponse(extra)
	require.NoError(t, err)
	assert.Equal(t, protocol.RespError, resp.Type)
	assert.Equal(t, RejectMessage, resp.Error)
	_, err = protocol.ReadFrame(extra)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, uint64(1), srv.Stats().Rejected)

	// Closing one admitted connection frees its slot.
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return srv.Stats().Connections == 1 }, 5*time.Second, 5*time.Millisecond)

	again := dial(t, srv)
	assert.Equal(t, "PONG", roundTrip(t, again, protocol.NewCommand(protocol.CmdPing)).Data)
}

func TestConcurrentClients(t *testing.T) {
	srv, eng := startServer(t, Options{})

	var wg sync.WaitGroup
	for c := 0; c < 8; c++ {
		conn := dial(t, srv)
		wg.Add(1)
		go func(c int, conn net.Conn) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				key := fmt.Sprintf("c%d:%d", c, i)
				assert.NoError(t, protocol.WriteCommand(conn, protocol.NewCommand(protocol.CmdSet, key, value.Int(int64(i)))))
				resp, err := protocol.ReadResponse(conn)
				if assert.NoError(t, err) {
					assert.Equal(t, protocol.RespOK, resp.Type)
				}
				assert.NoError(t, protocol.WriteCommand(conn, protocol.NewCommand(protocol.CmdSet, "shared", value.Int(int64(c)))))
				_, err = protocol.ReadResponse(conn)
				assert.NoError(t, err)
			}
		}(c, conn)
	}
	wg.Wait()

	ctx := context.Background()
	n, err := eng.DBSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8*20+1, n)

	v, ok, err := eng.Get(ctx, "shared")
	require.NoError(t, err)
	require.True(t, ok)
	got, _ := v.AsInt()
	assert.GreaterOrEqual(t, got, int64(0))
	assert.Less(t, got, int64(8))
}

func TestReadTimeoutClosesIdleConnection(t *testing.T) {
	srv, _ := startServer(t, Options{ReadTimeout: 50 * time.Millisecond})
	conn := dial(t, srv)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := protocol.ReadFrame(conn)
	assert.ErrorIs(t, err, io.EOF)
}

func TestStopClosesIdleConnections(t *testing.T) {
	srv, _ := startServer(t, Options{})
	conn := dial(t, srv)
	assert.Equal(t, "PONG", roundTrip(t, conn, protocol.NewCommand(protocol.CmdPing)).Data)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, srv.Stop(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := protocol.ReadFrame(conn)
	assert.Error(t, err)
	assert.Zero(t, srv.Stats().Connections)
}
