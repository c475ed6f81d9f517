// Package forwarder implements the TCP traffic forwarder (C12): it
// accepts connections on the service port and pipes them bidirectionally
// to whichever endpoint currently holds the partition lease.
package forwarder

import (
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/cuemby/pbs/pkg/log"
	"github.com/cuemby/pbs/pkg/metrics"
)

// Forwarder listens on a fixed address and pipes every accepted
// connection to a configurable target. ResetForwardingAddress swaps
// the target atomically; connections already in flight keep using the
// target they were dialed with.
type Forwarder struct {
	listener net.Listener
	target   atomic.Value // string
	logger   zerolog.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// Listen binds addr and returns a Forwarder ready to Serve, initially
// forwarding to initialTarget.
func Listen(addr, initialTarget string) (*Forwarder, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	f := &Forwarder{listener: ln, logger: log.WithComponent("forwarder"), stopped: make(chan struct{})}
	f.target.Store(initialTarget)
	return f, nil
}

// ResetForwardingAddress atomically swaps the destination for new
// connections. In-flight pipes are unaffected.
func (f *Forwarder) ResetForwardingAddress(target string) {
	f.target.Store(target)
}

// Serve accepts connections until Stop is called.
func (f *Forwarder) Serve() error {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			select {
			case <-f.stopped:
				return nil
			default:
				return err
			}
		}
		f.wg.Add(1)
		go f.handle(conn)
	}
}

func (f *Forwarder) handle(client net.Conn) {
	defer f.wg.Done()
	defer client.Close()

	target, _ := f.target.Load().(string)
	if target == "" {
		return
	}
	upstream, err := net.Dial("tcp", target)
	if err != nil {
		f.logger.Error().Err(err).Str("target", target).Msg("dial upstream failed")
		return
	}
	defer upstream.Close()

	metrics.ForwardedConnectionsTotal.Inc()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(upstream, client)
		if c, ok := upstream.(interface{ CloseWrite() error }); ok {
			c.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		io.Copy(client, upstream)
		if c, ok := client.(interface{ CloseWrite() error }); ok {
			c.CloseWrite()
		}
	}()
	wg.Wait()
}

// Stop closes the listener, rejecting new connections; in-flight
// pipes continue to completion.
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() {
		close(f.stopped)
		f.listener.Close()
	})
	f.wg.Wait()
}

// Addr returns the listener's bound address.
func (f *Forwarder) Addr() net.Addr {
	return f.listener.Addr()
}
