package qdisp

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/qservgo/qserv/internal/transport"
)

// StaticWorkerPool resolves worker names against a fixed name->address
// table loaded from CzarConfig, dialing each worker lazily on first use
// and reusing the connection for every later Dispatch to that worker.
type StaticWorkerPool struct {
	tlsConfig *tls.Config
	addresses map[string]string

	mu    sync.Mutex
	conns map[string]*transport.Connection
}

// NewStaticWorkerPool builds a pool dialing over tlsConfig, resolving
// names through addresses (worker name -> "host:port").
func NewStaticWorkerPool(addresses map[string]string, tlsConfig *tls.Config) *StaticWorkerPool {
	return &StaticWorkerPool{
		tlsConfig: tlsConfig,
		addresses: addresses,
		conns:     make(map[string]*transport.Connection),
	}
}

// Connection implements qdisp.WorkerPool.
func (p *StaticWorkerPool) Connection(wname string) (*transport.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[wname]; ok {
		return conn, nil
	}
	addr, ok := p.addresses[wname]
	if !ok {
		return nil, fmt.Errorf("qdisp: no address configured for worker %s", wname)
	}
	conn, err := transport.Dial(context.Background(), addr, p.tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("qdisp: dial worker %s at %s: %w", wname, addr, err)
	}
	p.conns[wname] = conn
	return conn, nil
}

// Forget drops a cached connection, so the next Connection call redials
// it instead of handing back a connection the caller knows is dead.
func (p *StaticWorkerPool) Forget(wname string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[wname]; ok {
		conn.Close()
		delete(p.conns, wname)
	}
}

// Close tears down every cached worker connection.
func (p *StaticWorkerPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for wname, conn := range p.conns {
		conn.Close()
		delete(p.conns, wname)
	}
}
