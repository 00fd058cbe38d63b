package player

import (
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"time"
)

// ipcRequest is one command line on the wire. The player echoes the
// request id back on the matching response when one is set.
type ipcRequest struct {
	Command   []any `json:"command"`
	RequestID int64 `json:"request_id,omitempty"`
}

type ipcResponse struct {
	RequestID int64           `json:"request_id"`
	Error     string          `json:"error"`
	Data      json.RawMessage `json:"data"`
}

// openIPC polls for the player's socket, which appears only once the
// child has finished starting up.
func (c *Controller) openIPC(path string) bool {
	deadline := time.Now().Add(c.connectTimeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("unix", path, ipcDefaultTimeout)
		if err == nil {
			c.ipcMu.Lock()
			c.conn = conn
			c.recvBuf = nil
			c.requestID = 0
			c.ipcMu.Unlock()
			return true
		}
		time.Sleep(ipcConnectRetryDelay)
	}
	return false
}

func (c *Controller) closeIPC() {
	c.ipcMu.Lock()
	defer c.ipcMu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.recvBuf = nil
}

func (c *Controller) hasConn() bool {
	c.ipcMu.Lock()
	defer c.ipcMu.Unlock()
	return c.conn != nil
}

// fire sends a command without waiting for the player's reply. The
// unread reply line carries no request id and is dropped by the next
// query's scan.
func (c *Controller) fire(command ...any) bool {
	c.ipcMu.Lock()
	defer c.ipcMu.Unlock()
	if c.conn == nil {
		return false
	}
	return c.writeLocked(ipcRequest{Command: command}) == nil
}

// query sends a command and waits for the response matching its
// request id. Event lines and stale responses are discarded.
func (c *Controller) query(timeout time.Duration, command ...any) (*ipcResponse, bool) {
	c.ipcMu.Lock()
	defer c.ipcMu.Unlock()
	if c.conn == nil {
		return nil, false
	}
	c.requestID++
	id := c.requestID
	if err := c.writeLocked(ipcRequest{Command: command, RequestID: id}); err != nil {
		return nil, false
	}
	resp := c.readResponseLocked(id, timeout)
	return resp, resp != nil
}

func (c *Controller) writeLocked(req ipcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_ = c.conn.SetWriteDeadline(time.Now().Add(ipcDefaultTimeout))
	_, err = c.conn.Write(data)
	return err
}

func (c *Controller) readResponseLocked(id int64, timeout time.Duration) *ipcResponse {
	if timeout < ipcMinReadWindow {
		timeout = ipcMinReadWindow
	}
	deadline := time.Now().Add(timeout)
	chunk := make([]byte, 4096)
	for {
		for {
			i := bytes.IndexByte(c.recvBuf, '\n')
			if i < 0 {
				break
			}
			line := c.recvBuf[:i]
			c.recvBuf = c.recvBuf[i+1:]
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var resp ipcResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				continue
			}
			if resp.RequestID == id {
				return &resp
			}
		}
		if !time.Now().Before(deadline) {
			return nil
		}
		window := time.Until(deadline)
		if window < ipcMinReadWindow {
			window = ipcMinReadWindow
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(window))
		n, err := c.conn.Read(chunk)
		if n > 0 {
			c.recvBuf = append(c.recvBuf, chunk[:n]...)
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return nil
		}
	}
}

// LoadFile replaces the player's playlist with the given file.
func (c *Controller) LoadFile(path string) bool {
	return c.fire("loadfile", path, "replace")
}

// AppendFile queues the given file after the current one.
func (c *Controller) AppendFile(path string) bool {
	return c.fire("loadfile", path, "append")
}

// PlaylistNext forces a jump to the next playlist entry.
func (c *Controller) PlaylistNext() bool {
	return c.fire("playlist-next", "force")
}

// PlaylistRemove drops the playlist entry at index.
func (c *Controller) PlaylistRemove(index int) bool {
	return c.fire("playlist-remove", index)
}

// SetProperty assigns a player property.
func (c *Controller) SetProperty(name string, value any) bool {
	return c.fire("set_property", name, value)
}

// SeekAbsolute seeks the current file to an absolute position.
func (c *Controller) SeekAbsolute(seconds float64) bool {
	return c.fire("seek", seconds, "absolute+exact")
}

// Ping performs a full IPC round trip and reports whether the player
// answered it.
func (c *Controller) Ping() bool {
	resp, ok := c.query(ipcDefaultTimeout, "get_property", "idle-active")
	return ok && resp.Error == "success"
}

// GetProperty reads a player property. The value is nil when the
// player answered without data. timeout zero or below uses the
// default per-op timeout.
func (c *Controller) GetProperty(name string, timeout time.Duration) (any, bool) {
	if timeout <= 0 {
		timeout = ipcDefaultTimeout
	}
	resp, ok := c.query(timeout, "get_property", name)
	if !ok || resp.Error != "success" {
		return nil, false
	}
	var v any
	if len(resp.Data) > 0 {
		_ = json.Unmarshal(resp.Data, &v)
	}
	return v, true
}
