package sandbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"sync"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/gearsrt/runtime/internal/domain"
)

// wireMessage is the framed envelope exchanged with the worker process: a
// 4-byte big-endian length prefix followed by a JSON payload.
type wireMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

const (
	msgCompile    = "compile"
	msgInvoke     = "invoke"
	msgResume     = "resume"
	msgResult     = "result"
	msgError      = "error"
	msgHostCall   = "host_call"
	msgHostResult = "host_result"
)

type compilePayload struct {
	Name   string `json:"name"`
	Source string `json:"source"`
}

type compileResult struct {
	Functions     []domain.FunctionDecl             `json:"functions"`
	Notifications []domain.NotificationConsumerDecl `json:"notifications"`
	Streams       []domain.StreamConsumerDecl       `json:"streams"`
}

type invokePayload struct {
	Library  string          `json:"library"`
	Function string          `json:"function"`
	Args     json.RawMessage `json:"args"`
}

type resumePayload struct {
	TaskID string          `json:"task_id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// hostCallPayload is a worker-initiated request to re-enter the store mid
// invocation: client.call, client.block (as "block_acquire"/"block_release"),
// or run_on_background.
type hostCallPayload struct {
	Name string   `json:"name"`
	Args []string `json:"args"`
}

type hostResultPayload struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// HostDispatch answers one host_call frame with its result, invoked from
// inside a converse loop so it can itself trigger further round trips (e.g.
// a client.call issued while block's write lock is held).
type HostDispatch func(ctx context.Context, name string, args []string) (json.RawMessage, error)

// worker is a single out-of-process engine instance: one OS process per
// engine tag, speaking the framed protocol over vsock when available and
// falling back to a TCP loopback connection otherwise.
type worker struct {
	engine  domain.Engine
	cmd     *exec.Cmd
	conn    net.Conn
	timeout time.Duration

	mu        sync.Mutex
	inFlight  int
	drained   chan struct{}
}

func spawnWorker(ctx context.Context, engine domain.Engine, binaryPath string, invokeTimeout time.Duration) (*worker, error) {
	cmd := exec.CommandContext(context.Background(), binaryPath)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn worker process: %w", err)
	}

	conn, err := dialWorker(ctx, uint32(cmd.Process.Pid))
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}

	return &worker{
		engine:  engine,
		cmd:     cmd,
		conn:    conn,
		timeout: invokeTimeout,
		drained: make(chan struct{}),
	}, nil
}

// dialWorker connects to the worker's control socket. It prefers AF_VSOCK
// (for a worker running in an isolated guest) and falls back to a TCP
// loopback dial when vsock is unavailable on this kernel.
func dialWorker(ctx context.Context, cid uint32) (net.Conn, error) {
	const workerPort = 9000

	if conn, err := vsock.Dial(cid, workerPort, nil); err == nil {
		return conn, nil
	}

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", "127.0.0.1:9000")
	if err != nil {
		return nil, fmt.Errorf("dial worker (vsock and tcp fallback both failed): %w", err)
	}
	return conn, nil
}

func (w *worker) send(msg wireMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)
	_, err = w.conn.Write(buf)
	return err
}

func (w *worker) recv() (wireMessage, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(w.conn, lenBuf); err != nil {
		return wireMessage{}, err
	}
	size := binary.BigEndian.Uint32(lenBuf)
	data := make([]byte, size)
	if _, err := io.ReadFull(w.conn, data); err != nil {
		return wireMessage{}, err
	}
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return wireMessage{}, err
	}
	return msg, nil
}

// converse sends req and then drives the wire protocol until the worker
// produces a terminal msgResult/msgError: any msgHostCall frame received in
// between is a re-entry request (client.call, client.block,
// run_on_background) and is answered via dispatch before the loop continues.
// A nil dispatch answers every host_call with an error, for call sites
// (compile) that never expect re-entry.
func (w *worker) converse(ctx context.Context, req wireMessage, dispatch HostDispatch) (wireMessage, error) {
	w.mu.Lock()
	w.inFlight++
	if w.inFlight == 1 {
		w.drained = make(chan struct{})
	}
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.inFlight--
		if w.inFlight == 0 {
			select {
			case <-w.drained:
			default:
				close(w.drained)
			}
		}
		w.mu.Unlock()
	}()

	if dl, ok := ctx.Deadline(); ok {
		_ = w.conn.SetDeadline(dl)
	} else {
		_ = w.conn.SetDeadline(time.Now().Add(w.timeout))
	}
	defer w.conn.SetDeadline(time.Time{})

	if err := w.send(req); err != nil {
		return wireMessage{}, fmt.Errorf("send to worker: %w", err)
	}

	for {
		resp, err := w.recv()
		if err != nil {
			return wireMessage{}, fmt.Errorf("receive from worker: %w", err)
		}
		if resp.Type != msgHostCall {
			return resp, nil
		}

		var call hostCallPayload
		if err := json.Unmarshal(resp.Payload, &call); err != nil {
			return wireMessage{}, fmt.Errorf("decode host call: %w", err)
		}

		var hr hostResultPayload
		if dispatch == nil {
			hr.Error = fmt.Sprintf("host capability %q is not available for this call", call.Name)
		} else {
			result, callErr := dispatch(ctx, call.Name, call.Args)
			if callErr != nil {
				hr.Error = callErr.Error()
			} else {
				hr.Result = result
			}
		}

		hrPayload, _ := json.Marshal(hr)
		if err := w.send(wireMessage{Type: msgHostResult, Payload: hrPayload}); err != nil {
			return wireMessage{}, fmt.Errorf("send to worker: %w", err)
		}
	}
}

func (w *worker) compile(ctx context.Context, lib domain.Library) (domain.Library, error) {
	payload, _ := json.Marshal(compilePayload{Name: lib.Name, Source: lib.Source})
	resp, err := w.converse(ctx, wireMessage{Type: msgCompile, Payload: payload}, nil)
	if err != nil {
		return domain.Library{}, err
	}
	if resp.Type == msgError {
		var msg string
		_ = json.Unmarshal(resp.Payload, &msg)
		return domain.Library{}, errors.New(msg)
	}
	var result compileResult
	if err := json.Unmarshal(resp.Payload, &result); err != nil {
		return domain.Library{}, fmt.Errorf("decode compile result: %w", err)
	}
	lib.Functions = result.Functions
	lib.Notifications = result.Notifications
	lib.Streams = result.Streams
	return lib, nil
}

func (w *worker) invoke(ctx context.Context, library, function string, args []byte, dispatch HostDispatch) ([]byte, error) {
	payload, _ := json.Marshal(invokePayload{Library: library, Function: function, Args: args})
	resp, err := w.converse(ctx, wireMessage{Type: msgInvoke, Payload: payload}, dispatch)
	if err != nil {
		return nil, err
	}
	if resp.Type == msgError {
		var msg string
		_ = json.Unmarshal(resp.Payload, &msg)
		return nil, errors.New(msg)
	}
	return resp.Payload, nil
}

// resume delivers a background continuation's outcome (or, with a nil
// result and empty resumeErr, a request to begin running it) back into the
// worker, returning whatever the continuation ultimately resolves to.
func (w *worker) resume(ctx context.Context, taskID string, result []byte, resumeErr string, dispatch HostDispatch) ([]byte, error) {
	payload, _ := json.Marshal(resumePayload{TaskID: taskID, Result: result, Error: resumeErr})
	resp, err := w.converse(ctx, wireMessage{Type: msgResume, Payload: payload}, dispatch)
	if err != nil {
		return nil, err
	}
	if resp.Type == msgError {
		var msg string
		_ = json.Unmarshal(resp.Payload, &msg)
		return nil, errors.New(msg)
	}
	return resp.Payload, nil
}

// drainLastCall blocks until the worker's in-flight call count reaches zero,
// so isolates_stats only moves a superseded worker from active to not_active
// once it is truly idle, never racing a call still in progress.
func (w *worker) drainLastCall() {
	w.mu.Lock()
	idle := w.inFlight == 0
	drained := w.drained
	w.mu.Unlock()
	if idle {
		return
	}
	<-drained
}

func (w *worker) stop() {
	if w.conn != nil {
		_ = w.conn.Close()
	}
	if w.cmd != nil && w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
}
