// Package ptyio exposes a pseudo-terminal as a non-blocking, ring-buffered
// byte pipe. The bridge command uses it to present a BLE UART link as a
// local tty: bytes written to the Port are drained to the tty slave by a
// background loop, and bytes typed into the slave are buffered and either
// polled via Read or pushed through a read callback.
//
// All I/O against the PTY master runs on background goroutines using
// unix.Poll, so Read and Write never block the caller. Sizing the ring
// buffers and the poll timeout trades latency against CPU: a 50ms timeout
// is fine for interactive REPL traffic, lower it for bulk transfers.
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/srg/btlink/internal/groutine"
)

// DefaultPollTimeoutMs is the poll interval for the background I/O loops.
// It bounds both shutdown latency and idle CPU burn.
const DefaultPollTimeoutMs = 50

// ReadCallback receives data arriving from the tty slave. It is invoked
// from a background goroutine and must not retain the slice. A panicking
// callback is unregistered after the first panic.
type ReadCallback func(data []byte)

// ErrorCallback reports a fatal loop failure (closed FD, poll error).
// The Port is degraded afterwards and should be closed.
type ErrorCallback func(err error)

// Options configures OpenPort. Zero values pick defaults.
type Options struct {
	ReadCap       int // ring capacity for bytes read from the tty
	WriteCap      int // ring capacity for bytes queued towards the tty
	PollTimeoutMs int
	Logger        *logrus.Logger
	OnError       ErrorCallback
}

// Stats is a point-in-time snapshot of buffer occupancy and loss counters.
type Stats struct {
	ReadQueueLen      int32
	ReadQueueCap      int32
	WriteQueueLen     int32
	WriteQueueCap     int32
	DroppedReadCount  uint64 // bytes lost because the read ring was full
	DroppedWriteCount uint64 // bytes lost because the write ring was full
	ReadBytesTotal    uint64
	WriteBytesTotal   uint64
}

// Port is a non-blocking pseudo-terminal endpoint.
//
// Read returns syscall.EAGAIN when no data is buffered; Write queues bytes
// and may report a short count when the ring overflows. Both return
// os.ErrClosed after Close.
type Port interface {
	io.ReadWriteCloser

	// TTYName is the slave path, e.g. "/dev/pts/5".
	TTYName() string
	// SetReadCallback registers fn to be pushed incoming data; nil clears it.
	SetReadCallback(fn ReadCallback)
	Stats() Stats
}

type ringPort struct {
	logger        *logrus.Logger
	onError       ErrorCallback
	errorOnce     sync.Once
	pollTimeoutMs int

	master  *os.File
	slave   *os.File
	ttyName string

	writeBuf *ringbuffer.RingBuffer // caller -> tty
	readBuf  *ringbuffer.RingBuffer // tty -> caller

	readNotify chan struct{}
	readCb     atomic.Value // holds ReadCallback or nil
	chunkPool  sync.Pool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed uint32

	droppedRead  uint64
	droppedWrite uint64
	readBytes    uint64
	writeBytes   uint64
}

// OpenPort allocates a PTY pair, puts the slave in raw mode and starts the
// background I/O loops.
func OpenPort(opts *Options) (Port, error) {
	if opts == nil {
		opts = &Options{}
	}
	readCap := opts.ReadCap
	if readCap <= 0 {
		readCap = 64 * 1024
	}
	writeCap := opts.WriteCap
	if writeCap <= 0 {
		writeCap = 64 * 1024
	}
	pollMs := opts.PollTimeoutMs
	if pollMs <= 0 {
		pollMs = DefaultPollTimeoutMs
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	master, slave, err := openRawPTY()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &ringPort{
		logger:        logger,
		onError:       opts.OnError,
		pollTimeoutMs: pollMs,
		master:        master,
		slave:         slave,
		ttyName:       slave.Name(),
		writeBuf:      ringbuffer.New(writeCap),
		readBuf:       ringbuffer.New(readCap),
		readNotify:    make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
	}

	p.wg.Add(3)
	groutine.Go(ctx, "pty-read-loop", func(context.Context) { p.readLoop() })
	groutine.Go(ctx, "pty-write-loop", func(context.Context) { p.writeLoop() })
	groutine.Go(ctx, "pty-read-dispatch", func(context.Context) { p.dispatchLoop() })

	return p, nil
}

// openRawPTY opens a PTY pair with the slave in raw mode and the master
// non-blocking.
func openRawPTY() (master, slave *os.File, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("open pty (check permissions and pty limits): %w", err)
	}
	cleanup := func() {
		_ = master.Close()
		_ = slave.Close()
	}
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		name := slave.Name()
		cleanup()
		return nil, nil, fmt.Errorf("set %s to raw mode: %w", name, err)
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		name := slave.Name()
		cleanup()
		return nil, nil, fmt.Errorf("set pty master for %s non-blocking: %w", name, err)
	}
	return master, slave, nil
}

// fatal reports the first unrecoverable loop error.
func (p *ringPort) fatal(err error) {
	if p.onError == nil {
		return
	}
	p.errorOnce.Do(func() { p.onError(err) })
}

// readLoop moves bytes from the PTY master into the read ring.
func (p *ringPort) readLoop() {
	defer p.wg.Done()

	fd := int32(p.master.Fd())
	fds := []unix.PollFd{{Fd: fd, Events: unix.POLLIN}}
	buf := make([]byte, 4096)

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		nReady, err := unix.Poll(fds, p.pollTimeoutMs)
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			p.logger.Warnf("pty read poll: %v", err)
			p.fatal(fmt.Errorf("pty read poll: %w", err))
			return
		}
		if nReady == 0 || fds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		n, err := syscall.Read(int(fd), buf)
		if err != nil {
			if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR) {
				continue
			}
			if atomic.LoadUint32(&p.closed) == 1 || errors.Is(err, syscall.EBADF) {
				return
			}
			p.logger.Warnf("pty read: %v", err)
			p.fatal(fmt.Errorf("pty read: %w", err))
			return
		}
		if n == 0 {
			// EOF: slave side went away
			p.fatal(io.EOF)
			return
		}

		written, werr := p.readBuf.Write(buf[:n])
		if werr != nil && !errors.Is(werr, ringbuffer.ErrIsFull) {
			p.logger.Warnf("pty read buffer: %v", werr)
			continue
		}
		if written < n {
			atomic.AddUint64(&p.droppedRead, uint64(n-written))
			p.logger.Warnf("pty read buffer overflow, dropped %d bytes", n-written)
		}
		atomic.AddUint64(&p.readBytes, uint64(written))

		select {
		case p.readNotify <- struct{}{}:
		default:
		}
	}
}

// writeLoop drains the write ring into the PTY master.
func (p *ringPort) writeLoop() {
	defer p.wg.Done()

	fd := int32(p.master.Fd())
	fds := []unix.PollFd{{Fd: fd, Events: unix.POLLOUT}}
	buf := make([]byte, 4096)

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		if p.writeBuf.IsEmpty() {
			// Nothing queued: sleep one poll interval instead of spinning.
			time.Sleep(time.Duration(p.pollTimeoutMs) * time.Millisecond)
			continue
		}

		n, err := p.writeBuf.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			p.logger.Warnf("pty write buffer: %v", err)
			continue
		}
		if n == 0 {
			continue
		}

		off := 0
		for off < n {
			select {
			case <-p.ctx.Done():
				return
			default:
			}

			wn, werr := syscall.Write(int(fd), buf[off:n])
			if werr != nil {
				if errors.Is(werr, syscall.EAGAIN) {
					if _, perr := unix.Poll(fds, p.pollTimeoutMs); perr != nil && !errors.Is(perr, syscall.EINTR) {
						p.logger.Warnf("pty write poll: %v", perr)
					}
					continue
				}
				if errors.Is(werr, syscall.EINTR) {
					continue
				}
				if atomic.LoadUint32(&p.closed) == 1 || errors.Is(werr, syscall.EBADF) {
					return
				}
				p.logger.Warnf("pty write: %v", werr)
				p.fatal(fmt.Errorf("pty write: %w", werr))
				return
			}
			off += wn
			atomic.AddUint64(&p.writeBytes, uint64(wn))
		}
	}
}

// dispatchLoop pushes buffered read data through the registered callback.
// It reloads the callback each batch so SetReadCallback takes effect within
// one iteration.
func (p *ringPort) dispatchLoop() {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("pty dispatcher panicked: %v", r)
		}
		p.wg.Done()
	}()

	tmp := make([]byte, 4096)
	const maxChunksPerWake = 16

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.readNotify:
		}

		for {
			select {
			case <-p.ctx.Done():
				return
			default:
			}

			cb, _ := p.readCb.Load().(ReadCallback)
			if cb == nil {
				break
			}

			chunks := 0
			for chunks < maxChunksPerWake {
				n, err := p.readBuf.TryRead(tmp)
				if n == 0 || errors.Is(err, ringbuffer.ErrIsEmpty) {
					break
				}

				chunk, _ := p.chunkPool.Get().([]byte)
				if cap(chunk) < n {
					chunk = make([]byte, n)
				} else {
					chunk = chunk[:n]
				}
				copy(chunk, tmp[:n])

				if !p.invoke(cb, chunk) {
					break
				}
				chunks++
			}

			if chunks == 0 || p.readBuf.Length() == 0 {
				break
			}
			runtime.Gosched()
		}
	}
}

// invoke runs the callback with panic protection; a panicking callback is
// unregistered. Returns false when the callback panicked.
func (p *ringPort) invoke(cb ReadCallback, chunk []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("pty read callback panicked: %v", r)
			p.readCb.Store(ReadCallback(nil))
			p.fatal(fmt.Errorf("read callback panic: %v", r))
			ok = false
		}
		p.chunkPool.Put(chunk) //nolint:staticcheck
	}()
	cb(chunk)
	return true
}

// Write queues data for transmission to the tty. Non-blocking; a short
// count means the ring overflowed and the excess was dropped.
func (p *ringPort) Write(data []byte) (int, error) {
	if atomic.LoadUint32(&p.closed) == 1 {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}

	written, err := p.writeBuf.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return 0, err
	}
	if written < len(data) {
		dropped := len(data) - written
		atomic.AddUint64(&p.droppedWrite, uint64(dropped))
		p.logger.Warnf("pty write buffer overflow, dropped %d of %d bytes", dropped, len(data))
	}
	return written, nil
}

// Read copies buffered tty input into b. Returns syscall.EAGAIN when the
// ring is empty.
func (p *ringPort) Read(b []byte) (int, error) {
	if atomic.LoadUint32(&p.closed) == 1 {
		return 0, os.ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}

	n, err := p.readBuf.TryRead(b)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return 0, err
	}
	if n == 0 {
		return 0, syscall.EAGAIN
	}
	return n, nil
}

// SetReadCallback registers fn for push delivery; nil reverts to pull via
// Read. Buffered data triggers an immediate dispatch.
func (p *ringPort) SetReadCallback(fn ReadCallback) {
	if atomic.LoadUint32(&p.closed) == 1 {
		return
	}
	p.readCb.Store(fn)
	select {
	case p.readNotify <- struct{}{}:
	default:
	}
}

// Close cancels the loops, closes both FDs and waits for goroutine exit.
func (p *ringPort) Close() error {
	if !atomic.CompareAndSwapUint32(&p.closed, 0, 1) {
		return nil
	}

	p.cancel()

	// Closing the FDs unblocks any in-flight syscalls with EBADF.
	if err := p.master.Close(); err != nil {
		p.logger.Warnf("close pty master: %v", err)
	}
	if err := p.slave.Close(); err != nil {
		p.logger.Warnf("close pty slave: %v", err)
	}

	done := make(chan struct{})
	groutine.Go(context.Background(), "pty-wait-close", func(context.Context) {
		p.wg.Wait()
		close(done)
	})

	timeout := 3*time.Duration(p.pollTimeoutMs)*time.Millisecond + time.Second
	if timeout < 5*time.Second {
		timeout = 5 * time.Second
	}
	select {
	case <-done:
	case <-time.After(timeout):
		p.logger.Errorf("pty %s: close timed out after %v waiting for I/O loops; "+
			"loops will self-terminate within %dms", p.ttyName, timeout, p.pollTimeoutMs)
	}
	return nil
}

func (p *ringPort) Stats() Stats {
	return Stats{
		ReadQueueLen:      int32(p.readBuf.Length()),
		ReadQueueCap:      int32(p.readBuf.Capacity()),
		WriteQueueLen:     int32(p.writeBuf.Length()),
		WriteQueueCap:     int32(p.writeBuf.Capacity()),
		DroppedReadCount:  atomic.LoadUint64(&p.droppedRead),
		DroppedWriteCount: atomic.LoadUint64(&p.droppedWrite),
		ReadBytesTotal:    atomic.LoadUint64(&p.readBytes),
		WriteBytesTotal:   atomic.LoadUint64(&p.writeBytes),
	}
}

func (p *ringPort) TTYName() string {
	return p.ttyName
}
