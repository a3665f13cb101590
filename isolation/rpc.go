package isolation

import (
	"context"
	"errors"
	"fmt"
	"net/rpc"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-plugin"

	"go.hackfix.me/dictstep/engine"
	"go.hackfix.me/dictstep/progress"
	"go.hackfix.me/dictstep/step"
)

const (
	// ProtocolVersion is the version of the plugin protocol. It must be
	// incremented on breaking changes of the RPC types.
	ProtocolVersion = 1
	// PluginName is the name the engine is dispensed under.
	PluginName = "engine"
)

// Handshake is the handshake configuration shared by the host and plugins.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  ProtocolVersion,
	MagicCookieKey:   "DICTSTEP_PLUGIN",
	MagicCookieValue: "dictstep-steps-v1",
}

// PluginSet returns the plugins served by a plugin process for impl.
func PluginSet(impl Engine) plugin.PluginSet {
	return plugin.PluginSet{PluginName: &EnginePlugin{Impl: impl}}
}

// EnginePlugin is the go-plugin definition of the engine. Impl is only set on
// the plugin side.
type EnginePlugin struct {
	Impl Engine
}

var _ plugin.Plugin = (*EnginePlugin)(nil)

// Server returns the RPC server of the engine.
func (p *EnginePlugin) Server(b *plugin.MuxBroker) (any, error) {
	return &EngineRPCServer{impl: p.Impl, broker: b}, nil
}

// Client returns the RPC client of the engine.
func (p *EnginePlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (any, error) {
	return &EngineRPCClient{client: c, broker: b}, nil
}

// StepsArgs are the arguments of the Steps call.
type StepsArgs struct {
	Discovery engine.Discovery
}

// StepsReply is the reply of the Steps call.
type StepsReply struct {
	Steps []step.Descriptor
	Err   *engine.ErrorRecord
}

// ApplyArgs are the arguments of the Apply call. ProgressID is the broker
// stream ID progress events are sent to, or 0 to discard them.
type ApplyArgs struct {
	Request    engine.ApplyRequest
	ProgressID uint32
	Deadline   time.Time
}

// ApplyReply is the reply of the Apply call.
type ApplyReply struct {
	Outcome *engine.Outcome
	Err     *engine.ErrorRecord
}

// EngineRPCServer serves the engine in the plugin process.
type EngineRPCServer struct {
	impl   Engine
	broker *plugin.MuxBroker
}

// Steps is the RPC handler of Engine.Steps.
func (s *EngineRPCServer) Steps(args StepsArgs, reply *StepsReply) error {
	steps, err := s.impl.Steps(context.Background(), args.Discovery)
	reply.Steps = steps
	reply.Err = engine.NewErrorRecord(err)
	return nil
}

// Apply is the RPC handler of Engine.Apply.
func (s *EngineRPCServer) Apply(args ApplyArgs, reply *ApplyReply) error {
	ctx := context.Background()
	if !args.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, args.Deadline)
		defer cancel()
	}

	sink := progress.Nop
	if args.ProgressID != 0 {
		conn, err := s.broker.Dial(args.ProgressID)
		if err == nil {
			client := rpc.NewClient(conn)
			defer client.Close()
			sink = &progressRPCClient{client: client}
		}
	}

	out, err := s.impl.Apply(ctx, args.Request, sink)
	reply.Outcome = out
	reply.Err = engine.NewErrorRecord(err)

	return nil
}

// EngineRPCClient is the host side of the engine RPC.
type EngineRPCClient struct {
	client *rpc.Client
	broker *plugin.MuxBroker
	// abort is called when a call is abandoned because its context is done.
	abort func()
	// grace is how long to wait for a reply after the deadline passed.
	grace  time.Duration
	killed atomic.Bool
}

var _ Engine = (*EngineRPCClient)(nil)

// Steps returns the descriptors of all steps discovered in the plugin.
func (c *EngineRPCClient) Steps(ctx context.Context, d engine.Discovery) ([]step.Descriptor, error) {
	var reply StepsReply
	if err := c.call(ctx, "Plugin.Steps", StepsArgs{Discovery: d}, &reply); err != nil {
		return nil, err
	}
	if reply.Err != nil {
		return nil, reply.Err.Err()
	}
	if reply.Steps == nil {
		reply.Steps = []step.Descriptor{}
	}

	return reply.Steps, nil
}

// Apply applies the selected steps in the plugin. Progress events are
// forwarded to sink.
func (c *EngineRPCClient) Apply(
	ctx context.Context, req engine.ApplyRequest, sink progress.Sink,
) (*engine.Outcome, error) {
	args := ApplyArgs{Request: req}
	if deadline, ok := ctx.Deadline(); ok {
		args.Deadline = deadline
	}
	if sink != nil {
		args.ProgressID = c.broker.NextId()
		go c.broker.AcceptAndServe(args.ProgressID, &ProgressRPCServer{sink: sink})
	}

	var reply ApplyReply
	if err := c.call(ctx, "Plugin.Apply", args, &reply); err != nil {
		return nil, err
	}
	if reply.Err != nil {
		return nil, reply.Err.Err()
	}

	out := reply.Outcome
	if out == nil {
		out = &engine.Outcome{}
	}
	if out.Results == nil {
		out.Results = []step.Result{}
	}
	if out.Skipped == nil {
		out.Skipped = []step.Descriptor{}
	}

	return out, nil
}

func (c *EngineRPCClient) call(ctx context.Context, method string, args, reply any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	call := c.client.Go(method, args, reply, make(chan *rpc.Call, 1))
	result := func() error {
		if call.Error != nil {
			return fmt.Errorf("plugin call %s failed: %w", method, call.Error)
		}
		return nil
	}

	select {
	case <-call.Done:
		return result()
	case <-ctx.Done():
	}

	// The plugin aborts on the same deadline, so it gets a chance to roll back
	// and release the schema lock.
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && c.grace > 0 {
		timer := time.NewTimer(c.grace)
		defer timer.Stop()
		select {
		case <-call.Done:
			return result()
		case <-timer.C:
		}
	}

	if c.abort != nil {
		c.killed.Store(true)
		c.abort()
	}
	return fmt.Errorf("plugin call %s aborted: %w", method, ctx.Err())
}

// ProgressRPCServer receives progress events from the plugin process.
type ProgressRPCServer struct {
	sink progress.Sink
}

// Notify is the RPC handler of progress.Sink.Notify.
func (s *ProgressRPCServer) Notify(ev progress.Event, reply *bool) error {
	progress.Notify(s.sink, ev)
	*reply = true
	return nil
}

// progressRPCClient sends progress events to the host process. Delivery is
// best-effort, so errors are ignored.
type progressRPCClient struct {
	client *rpc.Client
}

func (c *progressRPCClient) Notify(ev progress.Event) {
	var ok bool
	_ = c.client.Call("Plugin.Notify", ev, &ok)
}
