package rpc

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/durable/internal/logging"
	"github.com/danmuck/durable/internal/observability"
	"github.com/rs/zerolog"
)

// Handler answers one call. The returned bytes become the result Params; an
// error becomes a KindError reply carrying its text.
type Handler func(ctx context.Context, env Envelope) ([]byte, error)

// Server answers calls arriving on connections.
type Server struct {
	Handler   Handler
	AuthToken string
	Logger    *zerolog.Logger
}

// Serve answers calls on conn with h until conn closes or ctx ends.
func Serve(ctx context.Context, conn Connection, h Handler) error {
	return (&Server{Handler: h}).Serve(ctx, conn)
}

// Serve reads calls from conn and answers each on its own goroutine, so a
// slow call does not hold back replies to later ones. It returns after every
// in-flight call has replied. A closed connection is a clean return.
func (s *Server) Serve(ctx context.Context, conn Connection) error {
	logger := s.logger()
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		b, err := conn.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		env, err := DecodeEnvelope(b)
		if err != nil {
			logger.Warn().Err(err).Msg("rpc.server dropped undecodable message")
			continue
		}
		if env.Kind != KindCall {
			logger.Warn().Str("kind", env.Kind.String()).Msg("rpc.server dropped non-call message")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply := s.answer(ctx, env)
			out, err := EncodeEnvelope(reply)
			if err != nil {
				logger.Error().Err(err).Str("method", env.MethodName).Msg("rpc.server encode reply")
				return
			}
			if err := conn.Send(ctx, out); err != nil {
				logger.Warn().Err(err).Str("method", env.MethodName).Msg("rpc.server send reply")
			}
		}()
	}
}

func (s *Server) answer(ctx context.Context, env Envelope) (reply Envelope) {
	start := time.Now()
	if !s.authorized(env.Auth) {
		observability.RecordRPC("in", env.MethodName, time.Since(start), false)
		return env.reply(KindError, []byte(ErrUnauthorized.Error()))
	}
	defer func() {
		if p := recover(); p != nil {
			logger := s.logger()
			logger.Error().Interface("panic", p).Str("method", env.MethodName).Msg("rpc.server handler panic")
			reply = env.reply(KindError, []byte(fmt.Sprintf("panic: %v", p)))
		}
		observability.RecordRPC("in", env.MethodName, time.Since(start), reply.Kind == KindResult)
	}()

	result, err := s.Handler(ctx, env)
	if err != nil {
		return env.reply(KindError, []byte(err.Error()))
	}
	return env.reply(KindResult, result)
}

func (s *Server) authorized(auth []byte) bool {
	if s.AuthToken == "" {
		return true
	}
	return subtle.ConstantTimeCompare(auth, []byte(s.AuthToken)) == 1
}

func (s *Server) logger() zerolog.Logger {
	if s.Logger != nil {
		return s.Logger.With().Str("component", "rpc").Logger()
	}
	return logging.Component("rpc")
}
