// Copyright 2025-2026 Aiku AI

package embedbridge

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Bridge is the controller tying the codec, state machine and transport
// together. A single dispatch goroutine consumes inbound messages and
// operation results, so state machine transitions never run concurrently.
type Bridge struct {
	codec   *Codec
	machine *SessionMachine
	sink    EventSink
	log     zerolog.Logger

	inbound chan RawMessage
	results chan OpResult
}

// NewBridge wires a controller. Run must be called before Submit delivers
// anything.
func NewBridge(codec *Codec, machine *SessionMachine, sink EventSink, log zerolog.Logger) *Bridge {
	return &Bridge{
		codec:   codec,
		machine: machine,
		sink:    sink,
		log:     log.With().Str("component", "bridge").Logger(),
		inbound: make(chan RawMessage, 16),
		results: make(chan OpResult, 4),
	}
}

// Submit hands a raw inbound message to the dispatch loop.
func (b *Bridge) Submit(msg RawMessage) {
	b.inbound <- msg
}

// Run is the dispatch loop. It emits ready once at startup (the host may
// also poll with checkReady at any time) and returns when ctx is
// cancelled, after detaching any live chat client.
func (b *Bridge) Run(ctx context.Context) {
	b.log.Info().Msg("Bridge controller started")
	b.sink.Emit(ReadyEvent{})

	if op := b.machine.StartupRestore(ctx); op != nil {
		go b.runOp(ctx, op, b.log)
	}

	for {
		select {
		case <-ctx.Done():
			b.machine.Shutdown(context.Background())
			b.log.Info().Msg("Bridge controller stopped")
			return
		case msg := <-b.inbound:
			b.dispatch(ctx, msg)
		case res := <-b.results:
			b.machine.HandleResult(ctx, res)
		}
	}
}

func (b *Bridge) dispatch(ctx context.Context, msg RawMessage) {
	cmd, err := b.codec.Decode(msg)
	if err != nil {
		// Origin and schema rejections are silent toward the sender.
		b.log.Debug().Err(err).Msg("Dropped inbound message")
		return
	}

	log := b.log.With().Str("command", string(cmd.CommandType())).Logger()
	log.Debug().Msg("Dispatching command")

	op := b.handleCommand(cmd, log)
	if op == nil {
		return
	}
	go b.runOp(ctx, op, log)
}

// handleCommand routes the command into the state machine, converting any
// panic into the command's typed failure event. The host must never be
// left waiting with no response for a command it sent.
func (b *Bridge) handleCommand(cmd Command, log zerolog.Logger) (op *PendingOp) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Recovered panic while handling command")
			b.sink.Emit(failureEventFor(cmd, fmt.Sprintf("internal error: %v", r)))
			op = nil
		}
	}()
	return b.machine.HandleCommand(cmd)
}

func (b *Bridge) runOp(ctx context.Context, op *PendingOp, log zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Recovered panic in session operation")
			b.postResult(ctx, op.Failure(fmt.Errorf("internal error: %v", r)))
		}
	}()
	b.postResult(ctx, op.Run(ctx))
}

func (b *Bridge) postResult(ctx context.Context, res OpResult) {
	select {
	case b.results <- res:
	case <-ctx.Done():
	}
}

// failureEventFor maps a command to its typed failure event.
func failureEventFor(cmd Command, msg string) Event {
	switch cmd.CommandType() {
	case CommandLogin:
		return LoginFailedEvent{Error: msg}
	case CommandLogout:
		return LogoutAllFailedEvent{Error: msg}
	case CommandSelectRoom:
		return RoomSelectFailedEvent{Error: msg}
	default:
		return SessionLoadFailedEvent{Error: msg}
	}
}
