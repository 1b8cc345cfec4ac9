// Package dispatch pushes entity changes to subscribed connections. A
// mutation reports the resource kind, the operation, and the changed ids;
// the dispatcher resolves ids into fresh authorized documents through the
// kind's fetcher and fans the result out to every eligible connection.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"refcore/internal/observe"
	"refcore/pkg/document"
)

// Operations carried by outbound messages.
const (
	OpAdd    = "add"
	OpUpdate = "update"
	OpRemove = "remove"
)

// Connection is one subscriber. Implementations must be safe for
// concurrent Send calls.
type Connection interface {
	ID() string
	UserID() string
	Groups() []string
	Send(msg document.Doc) error
}

// Delivery pairs a connection with the document it is authorized to see.
type Delivery struct {
	Conn Connection
	Doc  document.Doc
}

// Fetcher resolves changed ids into per-connection documents for one
// resource kind. A connection absent from the result for an id is not
// authorized to see that document.
type Fetcher interface {
	Fetch(ctx context.Context, conns []Connection, ids []string) ([]Delivery, error)
}

// Dispatcher fans out change notifications. The fetcher registry is fixed
// at construction; connections come and go at runtime.
type Dispatcher struct {
	fetchers map[string]Fetcher
	log      *slog.Logger
	metrics  *observe.Metrics

	mu    sync.RWMutex
	conns map[string]Connection
}

// New constructs a dispatcher over the given kind-to-fetcher registry.
// metrics may be nil.
func New(fetchers map[string]Fetcher, log *slog.Logger, metrics *observe.Metrics) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		fetchers: fetchers,
		log:      log,
		metrics:  metrics,
		conns:    make(map[string]Connection),
	}
}

// Register adds a connection to the fan-out set.
func (d *Dispatcher) Register(conn Connection) {
	d.mu.Lock()
	d.conns[conn.ID()] = conn
	d.mu.Unlock()
}

// Unregister drops a connection. Safe to call for unknown ids.
func (d *Dispatcher) Unregister(connID string) {
	d.mu.Lock()
	delete(d.conns, connID)
	d.mu.Unlock()
}

func (d *Dispatcher) connections() []Connection {
	d.mu.RLock()
	defer d.mu.RUnlock()
	conns := make([]Connection, 0, len(d.conns))
	for _, conn := range d.conns {
		conns = append(conns, conn)
	}
	return conns
}

// Dispatch notifies every eligible connection about the changed ids.
// Removes carry only the ids. Adds and updates carry the fetched document;
// on update, a connection that is no longer authorized to see an id
// receives a remove for it instead, so stale client caches are flushed.
// Each connection receives at most one message per id per call.
func (d *Dispatcher) Dispatch(ctx context.Context, kind, op string, ids []string) error {
	conns := d.connections()
	if len(conns) == 0 || len(ids) == 0 {
		return nil
	}

	if op == OpRemove {
		for _, conn := range conns {
			d.send(conn, kind, OpRemove, ids)
		}
		return nil
	}

	fetcher, ok := d.fetchers[kind]
	if !ok {
		return fmt.Errorf("dispatch: no fetcher for kind %q", kind)
	}
	deliveries, err := fetcher.Fetch(ctx, conns, ids)
	if err != nil {
		return err
	}

	seen := make(map[string]map[string]bool, len(conns))
	for _, conn := range conns {
		seen[conn.ID()] = make(map[string]bool, len(ids))
	}
	for _, delivery := range deliveries {
		id := document.ID(delivery.Doc)
		byConn := seen[delivery.Conn.ID()]
		if byConn == nil || byConn[id] {
			continue
		}
		byConn[id] = true
		d.send(delivery.Conn, kind, op, delivery.Doc)
	}

	if op != OpUpdate {
		return nil
	}
	// Connections that got nothing for an updated id lost visibility.
	for _, conn := range conns {
		byConn := seen[conn.ID()]
		for _, id := range ids {
			if byConn[id] {
				continue
			}
			byConn[id] = true
			d.send(conn, kind, OpRemove, []string{id})
		}
	}
	return nil
}

func (d *Dispatcher) send(conn Connection, kind, op string, data any) {
	msg := document.Doc{
		"interface": kind,
		"operation": op,
		"data":      data,
	}
	if err := conn.Send(msg); err != nil {
		d.log.Warn("dispatch send failed", "connection_id", conn.ID(), "kind", kind, "error", err)
		return
	}
	d.metrics.DispatchDelivered(kind, op)
}
