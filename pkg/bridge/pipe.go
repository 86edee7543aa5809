package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bodhya/bodhya/pkg/errors"
)

const maxFrameSize = 16 * 1024 * 1024

// pipeTransport speaks line-delimited JSON-RPC 2.0 with a child process over
// its stdin and stdout.
type pipeTransport struct {
	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	grace  time.Duration
	logger *slog.Logger

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *rpcFrame
	failure error

	dead      chan struct{} // closed when the connection is invalidated
	exited    chan struct{} // closed after the process has been reaped
	closeOnce sync.Once
}

func startPipe(name string, argv []string, env []string, grace time.Duration, logger *slog.Logger) (*pipeTransport, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = env
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.New(errors.CodeProviderUnavailable, "open provider stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.New(errors.CodeProviderUnavailable, "open provider stdout", err)
	}
	cmd.Stderr = &logWriter{logger: logger, provider: name}
	cmd.WaitDelay = grace
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, errors.New(errors.CodeProviderUnavailable, "start provider", err).
			WithContext("command", argv[0])
	}

	p := &pipeTransport{
		name:    name,
		cmd:     cmd,
		stdin:   stdin,
		grace:   grace,
		logger:  logger,
		pending: make(map[int64]chan *rpcFrame),
		dead:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	go p.readLoop(stdout)
	return p, nil
}

func (p *pipeTransport) readLoop(stdout io.Reader) {
	r := bufio.NewReaderSize(stdout, 64*1024)
	for {
		line, err := readLine(r)
		if len(line) > 0 {
			p.handleLine(line)
		}
		if err != nil {
			if errors.HasCode(err, errors.CodeProtocol) {
				p.invalidate(err)
				_, _ = io.Copy(io.Discard, r)
			}
			break
		}
	}

	p.invalidate(errors.Newf(errors.CodeProviderUnavailable, "provider %q exited", p.name))
	waitErr := p.cmd.Wait()
	p.logger.Info("bridge.provider.exit", "provider", p.name, "error", waitErr)
	close(p.exited)
}

func readLine(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		buf = append(buf, chunk...)
		if err != nil {
			return bytes.TrimSpace(buf), err
		}
		if len(buf) > maxFrameSize {
			return nil, errors.Newf(errors.CodeProtocol, "frame exceeds %d bytes", maxFrameSize)
		}
		if !isPrefix {
			return bytes.TrimSpace(buf), nil
		}
	}
}

func (p *pipeTransport) handleLine(line []byte) {
	frame, kind, id, err := decodeFrame(line)
	if err != nil {
		p.logger.Warn("bridge.protocol.error", "provider", p.name, "error", err)
		p.invalidate(err)
		return
	}
	switch kind {
	case frameNotification:
		p.logger.Debug("bridge.notification", "provider", p.name, "method", frame.Method)
		return
	case frameRequest:
		p.answer(frame)
		return
	}

	p.mu.Lock()
	ch, ok := p.pending[id]
	delete(p.pending, id)
	p.mu.Unlock()
	switch {
	case !ok:
		p.invalidate(errors.Newf(errors.CodeProtocol, "unmatched response id %d", id).
			WithContext("provider", p.name))
	case ch != nil:
		ch <- frame
	}
}

// answer replies to requests the provider sends to us. Only ping is
// supported.
func (p *pipeTransport) answer(frame *rpcFrame) {
	resp := rpcResponse{JSONRPC: jsonrpcVersion, ID: frame.ID}
	if frame.Method == methodPing {
		resp.Result = struct{}{}
	} else {
		resp.Error = &rpcError{Code: rpcMethodNotFound, Message: "method not found: " + frame.Method}
	}
	_ = p.writeFrame(resp)
}

// invalidate fails every pending call with err. Only the first cause is kept.
func (p *pipeTransport) invalidate(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failure != nil {
		return
	}
	p.failure = err
	p.pending = map[int64]chan *rpcFrame{}
	close(p.dead)
}

func (p *pipeTransport) failed() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failure
}

func (p *pipeTransport) writeFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.New(errors.CodeInvalidInput, "encode request", err)
	}
	data = append(data, '\n')
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(data); err != nil {
		return errors.New(errors.CodeProviderUnavailable, "write to provider", err).WithContext("provider", p.name)
	}
	return nil
}

func (p *pipeTransport) notify(method string, params any) error {
	if err := p.failed(); err != nil {
		return err
	}
	return p.writeFrame(rpcRequest{JSONRPC: jsonrpcVersion, Method: method, Params: params})
}

// call sends a request and waits for the response with the same id.
func (p *pipeTransport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := p.nextID.Add(1)
	ch := make(chan *rpcFrame, 1)

	p.mu.Lock()
	if p.failure != nil {
		err := p.failure
		p.mu.Unlock()
		return nil, err
	}
	p.pending[id] = ch
	p.mu.Unlock()

	if err := p.writeFrame(rpcRequest{JSONRPC: jsonrpcVersion, ID: &id, Method: method, Params: params}); err != nil {
		p.forget(id)
		return nil, err
	}

	select {
	case frame := <-ch:
		if frame.Error != nil {
			return nil, errors.Newf(errors.CodeToolInvocation, "%s", frame.Error.Message).
				WithContext("provider", p.name).
				WithContext("method", method).
				WithContext("rpc_code", frame.Error.Code)
		}
		return frame.Result, nil
	case <-p.dead:
		return nil, p.failed()
	case <-ctx.Done():
		p.forget(id)
		return nil, contextError(ctx, method)
	}
}

// forget drops a pending id. A late response to it is ignored rather than
// treated as unmatched.
func (p *pipeTransport) forget(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[id]; ok {
		p.pending[id] = nil
	}
}

func (p *pipeTransport) done() <-chan struct{} { return p.dead }

// close closes stdin, interrupts the process, kills it after the grace
// period and waits until it has been reaped.
func (p *pipeTransport) close() error {
	p.closeOnce.Do(func() {
		_ = p.stdin.Close()
		if !p.waitExit(50 * time.Millisecond) {
			_ = interruptGroup(p.cmd)
			if !p.waitExit(p.grace) {
				_ = killGroup(p.cmd)
				<-p.exited
			}
		}
		// Helpers forked by the provider stay in its group after it exits.
		_ = killGroup(p.cmd)
	})
	return nil
}

func (p *pipeTransport) waitExit(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.exited:
		return true
	case <-t.C:
		return false
	}
}

type logWriter struct {
	logger   *slog.Logger
	provider string
	mu       sync.Mutex
	buf      []byte
}

func (w *logWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(w.buf[:i]); len(line) > 0 {
			w.logger.Debug("bridge.provider.stderr", "provider", w.provider, "line", string(line))
		}
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > 64*1024 {
		w.buf = w.buf[:0]
	}
	return len(b), nil
}
