package sandbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"ExtensionHost/pkg/plugin"
)

// Frames exchanged between the host and a worker, one JSON object per line. The host sends
// invoke and reply; the worker sends call, log and result.
const (
	frameInvoke = "invoke"
	frameCall   = "call"
	frameReply  = "reply"
	frameLog    = "log"
	frameResult = "result"
)

type frame struct {
	Type     string       `json:"type"`
	ID       uint64       `json:"id,omitempty"`
	Invoke   *invokeFrame `json:"invoke,omitempty"`
	Module   string       `json:"module,omitempty"`
	Function string       `json:"function,omitempty"`
	Args     []any        `json:"args,omitempty"`
	Value    any          `json:"value,omitempty"`
	Error    *Failure     `json:"error,omitempty"`
}

// invokeFrame carries one invocation. Sources are only sent the first time a worker sees a program.
type invokeFrame struct {
	Program  string            `json:"program"`
	Slug     string            `json:"slug,omitempty"`
	Entry    string            `json:"entry,omitempty"`
	Sources  map[string][]byte `json:"sources,omitempty"`
	Handler  HandlerRef        `json:"handler"`
	Kind     string            `json:"kind"`
	Identity plugin.Identity   `json:"identity"`
	Config   map[string]any    `json:"config,omitempty"`
	Depth    int               `json:"depth"`
	Args     []any             `json:"args,omitempty"`
	Limits   Limits            `json:"limits"`
	Modules  []moduleSpec      `json:"modules"`
}

// moduleSpec names the functions a worker proxies back to the host.
type moduleSpec struct {
	Name      string   `json:"name"`
	Functions []string `json:"functions"`
}

func specsOf(mods []Module) []moduleSpec {
	out := make([]moduleSpec, 0, len(mods))
	for _, mod := range mods {
		spec := moduleSpec{Name: mod.Name, Functions: make([]string, 0, len(mod.Functions))}
		for _, fn := range mod.Functions {
			spec.Functions = append(spec.Functions, fn.Name)
		}
		out = append(out, spec)
	}
	return out
}

type conn struct {
	scan *bufio.Scanner
	enc  *json.Encoder
}

func newConn(r io.Reader, w io.Writer, maxFrame int) *conn {
	scan := bufio.NewScanner(r)
	scan.Buffer(make([]byte, 0, 64*1024), maxFrame)
	return &conn{scan: scan, enc: json.NewEncoder(w)}
}

// read returns io.EOF when the peer closed the stream and bufio.ErrTooLong for an oversized frame.
func (c *conn) read() (frame, error) {
	var f frame
	if !c.scan.Scan() {
		if err := c.scan.Err(); err != nil {
			return f, err
		}
		return f, io.EOF
	}
	if err := json.Unmarshal(c.scan.Bytes(), &f); err != nil {
		return f, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

func (c *conn) write(f frame) error {
	return c.enc.Encode(f)
}
