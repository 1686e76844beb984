package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fdbkv/fdb/pkg/engine"
	"github.com/fdbkv/fdb/pkg/protocol"
	"github.com/fdbkv/fdb/pkg/value"
)

type handler func(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error)

func (s *Server) commandTable() map[protocol.CommandType]handler {
	return map[protocol.CommandType]handler{
		protocol.CmdPing:    s.handlePing,
		protocol.CmdSet:     s.handleSet,
		protocol.CmdGet:     s.handleGet,
		protocol.CmdDel:     s.handleDel,
		protocol.CmdExists:  s.handleExists,
		protocol.CmdKeys:    s.handleKeys,
		protocol.CmdDBSize:  s.handleDBSize,
		protocol.CmdFlushDB: s.handleFlushDB,
		protocol.CmdInfo:    s.handleInfo,
		protocol.CmdSave:    s.handleSave,
	}
}

// execute validates cmd and runs it against the engine. Validation happens in
// a fixed order: the command must be known, then have the right number of
// arguments, then its arguments must decode. Every failure becomes an error
// response; nothing here closes the connection.
func (s *Server) execute(ctx context.Context, log *zap.Logger, cmd *protocol.Command) *protocol.Response {
	s.commands.Add(1)
	start := time.Now()

	h, ok := s.handlers[cmd.Type]
	if !ok {
		s.metrics.ObserveCommand("UNKNOWN", true, time.Since(start))
		return protocol.ErrorResponse(fmt.Sprintf("ERR unknown command '%s'", cmd.Type))
	}

	resp, err := s.run(ctx, h, cmd)
	if err != nil {
		if !isClientError(err) {
			log.Warn("command failed", zap.Stringer("command", cmd.Type), zap.Error(err))
		}
		resp = protocol.ErrorResponse(errorMessage(err))
	}

	elapsed := time.Since(start)
	s.metrics.ObserveCommand(cmd.Type.String(), resp.Type == protocol.RespError, elapsed)
	log.Debug("command", zap.Stringer("command", cmd.Type), zap.Duration("elapsed", elapsed))
	return resp
}

func (s *Server) run(ctx context.Context, h handler, cmd *protocol.Command) (*protocol.Response, error) {
	if err := protocol.CheckArity(cmd); err != nil {
		return nil, err
	}
	return h(ctx, cmd)
}

func isClientError(err error) bool {
	return errors.Is(err, protocol.ErrProtocol) ||
		errors.Is(err, engine.ErrInvalidKey) ||
		errors.Is(err, engine.ErrInvalidValue)
}

func errorMessage(err error) string {
	return "ERR " + err.Error()
}

func boolResponse(b bool) *protocol.Response {
	if b {
		return protocol.IntResponse(1)
	}
	return protocol.IntResponse(0)
}

func (s *Server) handlePing(_ context.Context, _ *protocol.Command) (*protocol.Response, error) {
	return protocol.StringResponse("PONG"), nil
}

// handleSet decodes the value argument and stores it.
func (s *Server) handleSet(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	v, err := value.Decode(cmd.Args[1])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid value: %v", protocol.ErrProtocol, err)
	}
	if err := s.engine.Set(ctx, cmd.Arg(0), v); err != nil {
		return nil, err
	}
	return protocol.OKResponse(), nil
}

// handleGet returns the encoded value, or NIL when the key is absent.
func (s *Server) handleGet(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	v, ok, err := s.engine.Get(ctx, cmd.Arg(0))
	if err != nil {
		return nil, err
	}
	if !ok {
		return protocol.NilResponse(), nil
	}
	return protocol.ValueResponse(v), nil
}

// handleDel returns 1 if the key existed, 0 otherwise.
func (s *Server) handleDel(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	deleted, err := s.engine.Delete(ctx, cmd.Arg(0))
	if err != nil {
		return nil, err
	}
	return boolResponse(deleted), nil
}

func (s *Server) handleExists(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	ok, err := s.engine.Exists(ctx, cmd.Arg(0))
	if err != nil {
		return nil, err
	}
	return boolResponse(ok), nil
}

// handleKeys lists keys matching the pattern, every key when it is omitted.
func (s *Server) handleKeys(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	pattern := "*"
	if len(cmd.Args) > 0 {
		pattern = cmd.Arg(0)
	}
	keys, err := s.engine.Keys(ctx, pattern)
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []string{}
	}
	return protocol.ArrayResponse(keys), nil
}

func (s *Server) handleDBSize(ctx context.Context, _ *protocol.Command) (*protocol.Response, error) {
	n, err := s.engine.DBSize(ctx)
	if err != nil {
		return nil, err
	}
	return protocol.IntResponse(int64(n)), nil
}

func (s *Server) handleFlushDB(ctx context.Context, _ *protocol.Command) (*protocol.Response, error) {
	if err := s.engine.FlushDB(ctx); err != nil {
		return nil, err
	}
	return protocol.OKResponse(), nil
}

// handleSave forces a flush and returns the number of entries written.
func (s *Server) handleSave(ctx context.Context, _ *protocol.Command) (*protocol.Response, error) {
	n, err := s.engine.Save(ctx)
	if err != nil {
		return nil, fmt.Errorf("saved %d entries, %d failed: %w", n, len(multierr.Errors(err)), err)
	}
	return protocol.IntResponse(int64(n)), nil
}

// handleInfo reports engine and connection statistics as a map value.
func (s *Server) handleInfo(_ context.Context, _ *protocol.Command) (*protocol.Response, error) {
	es := s.engine.Stats()
	ss := s.Stats()

	info := map[string]value.Value{
		"cache_entries":        value.Int(int64(es.CacheEntries)),
		"cache_capacity":       value.Int(int64(es.CacheCapacity)),
		"dirty_entries":        value.Int(int64(es.DirtyEntries)),
		"pending_evictions":    value.Int(int64(es.PendingEvicts)),
		"uptime_seconds":       value.Int(int64(es.Uptime / time.Second)),
		"connections":          value.Int(ss.Connections),
		"total_connections":    value.Int(int64(ss.TotalConnections)),
		"rejected_connections": value.Int(int64(ss.Rejected)),
		"commands_processed":   value.Int(int64(ss.Commands)),
		"cache_hits":           value.Int(int64(es.CacheHits)),
		"cache_misses":         value.Int(int64(es.CacheMisses)),
		"evictions":            value.Int(int64(es.Evictions)),
		"disk_loads":           value.Int(int64(es.DiskLoads)),
		"flushes":              value.Int(int64(es.Flushes)),
		"flushed_entries":      value.Int(int64(es.FlushedEntries)),
		"flush_failures":       value.Int(int64(es.FlushFailures)),
		"corrupt_records":      value.Int(int64(es.CorruptRecords)),
	}
	return protocol.ValueResponse(value.Map(info)), nil
}
