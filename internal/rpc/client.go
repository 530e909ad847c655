package rpc

import (
	"net"

	"github.com/hashicorp/go-hclog"
)

// Client is an RPC client bound to one peer, holding one Flow per core
// ("Per-core 'flows': each flow owns one TCP connection to a
// peer"). Calls are routed to the flow matching the caller's core so a
// single slow peer core never head-of-line-blocks another.
type Client struct {
	flows []*Flow
}

// Dial establishes numFlows TCP connections to raddr, one per core, each
// wrapped in a credit-based Flow.
func Dial(raddr string, numFlows int, creditWindow int, log hclog.Logger) (*Client, error) {
	if numFlows < 1 {
		numFlows = 1
	}
	flows := make([]*Flow, 0, numFlows)
	for i := 0; i < numFlows; i++ {
		conn, err := net.Dial("tcp", raddr)
		if err != nil {
			for _, f := range flows {
				f.Close()
			}
			return nil, err
		}
		if err := writeFrame(conn, 0, TypeReserveConns, encodeCreditHandshake(creditWindow)); err != nil {
			conn.Close()
			for _, f := range flows {
				f.Close()
			}
			return nil, err
		}
		flows = append(flows, NewFlow(conn, creditWindow, log))
	}
	return &Client{flows: flows}, nil
}

func (c *Client) flowFor(core int) *Flow {
	if core < 0 || len(c.flows) == 0 {
		return c.flows[0]
	}
	return c.flows[core%len(c.flows)]
}

// Call makes a blocking RPC on the flow affinitized to core.
func (c *Client) Call(core int, typ Type, payload []byte) (ReturnCode, []byte, error) {
	return c.flowFor(core).Call(typ, payload)
}

// CallAsync makes a non-blocking RPC; cb runs on the flow's receiver
// goroutine once the reply arrives.
func (c *Client) CallAsync(core int, typ Type, payload []byte, cb func(ReturnCode, []byte, error)) {
	c.flowFor(core).CallAsync(typ, payload, cb)
}

// Close tears down every underlying flow.
func (c *Client) Close() error {
	var firstErr error
	for _, f := range c.flows {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
