// Package registry centralizes callback management for BLE events.
//
// It replaces scattered per-event callback maps with a single owner keyed by
// connection or attribute handle, so callbacks registered for one connection
// can be dropped together when that connection ends.
package registry

import (
	"sync"

	"github.com/cornelk/hashmap"
	btlink "github.com/srg/btlink"
)

// WriteFunc is invoked when a characteristic or descriptor is written.
type WriteFunc func(value []byte)

// WriteDoneFunc is invoked when a write operation completes.
type WriteDoneFunc func(value btlink.ValueHandle, status int)

// NotifyFunc is invoked when a notification arrives on a connection.
type NotifyFunc func(data []byte)

// DisconnectFunc is invoked when a connection is lost.
type DisconnectFunc func()

// CentralConnectFunc is invoked when a central connects (peripheral side).
type CentralConnectFunc func(conn btlink.ConnHandle, addrType btlink.AddrType, addr []byte)

// CentralDisconnectFunc is invoked when a central disconnects.
type CentralDisconnectFunc func(conn btlink.ConnHandle)

// ScanResultFunc is invoked for each observed advertisement.
type ScanResultFunc func(adv btlink.Advertisement)

// ScanDoneFunc is invoked when a scan finishes.
type ScanDoneFunc func(found bool)

// CharResultFunc is invoked for each characteristic discovery result.
type CharResultFunc func(conn btlink.ConnHandle, value btlink.ValueHandle, uuid string)

// Registry stores user callbacks for asynchronous BLE events.
//
// Handle-keyed entries live in concurrent maps because registrations arrive
// from application code while lookups happen on the radio event path. The
// singleton slots are guarded by a mutex.
//
// Write callbacks are keyed by value handle and are attribute-scoped: they
// survive ClearConnection and may be reused across reconnects to the same
// peer type. The write-done, notify and disconnect entries are
// connection-scoped and are removed together when their connection ends.
type Registry struct {
	writeCbs     *hashmap.Map[btlink.ValueHandle, WriteFunc]
	writeDoneCbs *hashmap.Map[btlink.ConnHandle, WriteDoneFunc]
	notifyCbs    *hashmap.Map[btlink.ConnHandle, NotifyFunc]
	disconnCbs   *hashmap.Map[btlink.ConnHandle, DisconnectFunc]

	mu               sync.RWMutex
	centralConnCb    CentralConnectFunc
	centralDisconnCb CentralDisconnectFunc
	scanResultCb     ScanResultFunc
	scanDoneCb       ScanDoneFunc
	charResultCb     CharResultFunc
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		writeCbs:     hashmap.New[btlink.ValueHandle, WriteFunc](),
		writeDoneCbs: hashmap.New[btlink.ConnHandle, WriteDoneFunc](),
		notifyCbs:    hashmap.New[btlink.ConnHandle, NotifyFunc](),
		disconnCbs:   hashmap.New[btlink.ConnHandle, DisconnectFunc](),
	}
}

// OnWrite registers a callback for writes to the given value handle.
// A later registration for the same handle overwrites the earlier one.
func (r *Registry) OnWrite(value btlink.ValueHandle, cb WriteFunc) {
	r.writeCbs.Set(value, cb)
}

// OnWriteDone registers a callback for write completion on a connection.
func (r *Registry) OnWriteDone(conn btlink.ConnHandle, cb WriteDoneFunc) {
	r.writeDoneCbs.Set(conn, cb)
}

// OnNotify registers a callback for notifications from a connection.
func (r *Registry) OnNotify(conn btlink.ConnHandle, cb NotifyFunc) {
	r.notifyCbs.Set(conn, cb)
}

// OnDisconnect registers a callback for disconnection of a connection.
func (r *Registry) OnDisconnect(conn btlink.ConnHandle, cb DisconnectFunc) {
	r.disconnCbs.Set(conn, cb)
}

// OnCentralConnect sets the central-connect singleton callback.
func (r *Registry) OnCentralConnect(cb CentralConnectFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.centralConnCb = cb
}

// OnCentralDisconnect sets the central-disconnect singleton callback.
func (r *Registry) OnCentralDisconnect(cb CentralDisconnectFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.centralDisconnCb = cb
}

// OnScanResult sets the scan-result singleton callback.
func (r *Registry) OnScanResult(cb ScanResultFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanResultCb = cb
}

// OnScanDone sets the scan-done singleton callback.
func (r *Registry) OnScanDone(cb ScanDoneFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanDoneCb = cb
}

// OnCharResult sets the characteristic-discovery singleton callback.
func (r *Registry) OnCharResult(cb CharResultFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.charResultCb = cb
}

// WriteCallback returns the write callback for a value handle.
func (r *Registry) WriteCallback(value btlink.ValueHandle) (WriteFunc, bool) {
	return r.writeCbs.Get(value)
}

// WriteDoneCallback returns the write-done callback for a connection.
func (r *Registry) WriteDoneCallback(conn btlink.ConnHandle) (WriteDoneFunc, bool) {
	return r.writeDoneCbs.Get(conn)
}

// NotifyCallback returns the notify callback for a connection.
func (r *Registry) NotifyCallback(conn btlink.ConnHandle) (NotifyFunc, bool) {
	return r.notifyCbs.Get(conn)
}

// DisconnectCallback returns the disconnect callback for a connection.
func (r *Registry) DisconnectCallback(conn btlink.ConnHandle) (DisconnectFunc, bool) {
	return r.disconnCbs.Get(conn)
}

// CentralConnectCallback returns the central-connect singleton.
func (r *Registry) CentralConnectCallback() (CentralConnectFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.centralConnCb, r.centralConnCb != nil
}

// CentralDisconnectCallback returns the central-disconnect singleton.
func (r *Registry) CentralDisconnectCallback() (CentralDisconnectFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.centralDisconnCb, r.centralDisconnCb != nil
}

// ScanResultCallback returns the scan-result singleton.
func (r *Registry) ScanResultCallback() (ScanResultFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scanResultCb, r.scanResultCb != nil
}

// ScanDoneCallback returns the scan-done singleton.
func (r *Registry) ScanDoneCallback() (ScanDoneFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scanDoneCb, r.scanDoneCb != nil
}

// CharResultCallback returns the characteristic-discovery singleton.
func (r *Registry) CharResultCallback() (CharResultFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.charResultCb, r.charResultCb != nil
}

// ClearConnection removes the connection-scoped callbacks (write-done,
// notify, disconnect) for the given connection. Value-handle write callbacks
// are attribute-scoped and deliberately left untouched.
func (r *Registry) ClearConnection(conn btlink.ConnHandle) {
	r.writeDoneCbs.Del(conn)
	r.notifyCbs.Del(conn)
	r.disconnCbs.Del(conn)
}

// ClearAll empties every mapping and nulls every singleton.
func (r *Registry) ClearAll() {
	r.writeCbs.Range(func(k btlink.ValueHandle, _ WriteFunc) bool {
		r.writeCbs.Del(k)
		return true
	})
	r.writeDoneCbs.Range(func(k btlink.ConnHandle, _ WriteDoneFunc) bool {
		r.writeDoneCbs.Del(k)
		return true
	})
	r.notifyCbs.Range(func(k btlink.ConnHandle, _ NotifyFunc) bool {
		r.notifyCbs.Del(k)
		return true
	})
	r.disconnCbs.Range(func(k btlink.ConnHandle, _ DisconnectFunc) bool {
		r.disconnCbs.Del(k)
		return true
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	r.centralConnCb = nil
	r.centralDisconnCb = nil
	r.scanResultCb = nil
	r.scanDoneCb = nil
	r.charResultCb = nil
}

// HasCallbacks reports whether any connection-scoped category holds an entry
// for the given connection.
func (r *Registry) HasCallbacks(conn btlink.ConnHandle) bool {
	if _, ok := r.writeDoneCbs.Get(conn); ok {
		return true
	}
	if _, ok := r.notifyCbs.Get(conn); ok {
		return true
	}
	_, ok := r.disconnCbs.Get(conn)
	return ok
}
