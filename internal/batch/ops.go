// Package batch executes ordered lists of heterogeneous session and topology
// operations. Every batch is validated in full before anything runs.
package batch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gluk-w/claworc/console-gateway/internal/buffer"
	"github.com/gluk-w/claworc/console-gateway/internal/errcodes"
	"gopkg.in/yaml.v3"
)

// Kind names an operation type.
type Kind string

const (
	KindSend           Kind = "send"
	KindRead           Kind = "read"
	KindWait           Kind = "wait"
	KindKeystroke      Kind = "keystroke"
	KindDisconnect     Kind = "disconnect"
	KindCommand        Kind = "command"
	KindConnectLink    Kind = "connect_link"
	KindDisconnectLink Kind = "disconnect_link"
)

// Topology reports whether the kind mutates the upstream topology.
func (k Kind) Topology() bool {
	return k == KindConnectLink || k == KindDisconnectLink
}

// Operation is one batch step. The set of implementations is closed.
type Operation interface {
	Kind() Kind
	// TargetName is the session target, or "" for topology operations.
	TargetName() string
	isOperation()
}

// SendOp writes data to a session.
type SendOp struct {
	Target string `json:"target"`
	Data   string `json:"data"`
	Raw    bool   `json:"raw,omitempty"`
}

// ReadOp reads session output.
type ReadOp struct {
	Target          string `json:"target"`
	Mode            string `json:"mode,omitempty"`
	Pages           int    `json:"pages,omitempty"`
	Lines           int    `json:"lines,omitempty"`
	Raw             bool   `json:"raw,omitempty"`
	Pattern         string `json:"pattern,omitempty"`
	CaseInsensitive bool   `json:"case_insensitive,omitempty"`
	Invert          bool   `json:"invert,omitempty"`
	Before          int    `json:"before,omitempty"`
	After           int    `json:"after,omitempty"`
	Context         int    `json:"context,omitempty"`
}

// ReadOptions converts the operation to buffer read options.
func (o *ReadOp) ReadOptions() buffer.ReadOptions {
	mode, _ := buffer.ParseMode(o.Mode)
	if mode == "" {
		mode = buffer.Mode(o.Mode)
	}
	opts := buffer.ReadOptions{Mode: mode, Pages: o.Pages, Lines: o.Lines, Raw: o.Raw}
	if o.Pattern != "" {
		opts.Grep = &buffer.GrepOptions{
			Pattern:         o.Pattern,
			CaseInsensitive: o.CaseInsensitive,
			Invert:          o.Invert,
			Before:          o.Before,
			After:           o.After,
			Context:         o.Context,
		}
	}
	return opts
}

// WaitOp waits for a pattern, first sending Data when it is set.
type WaitOp struct {
	Target          string  `json:"target"`
	Data            string  `json:"data,omitempty"`
	Pattern         string  `json:"pattern,omitempty"`
	CaseInsensitive bool    `json:"case_insensitive,omitempty"`
	Timeout         float64 `json:"timeout,omitempty"` // seconds
	Raw             bool    `json:"raw,omitempty"`
}

// SendsData reports whether the wait writes to the session.
func (o *WaitOp) SendsData() bool { return o.Data != "" }

func (o *WaitOp) timeout() time.Duration {
	return time.Duration(o.Timeout * float64(time.Second))
}

// KeystrokeOp sends a named key.
type KeystrokeOp struct {
	Target string `json:"target"`
	Key    string `json:"key"`
}

// DisconnectOp closes a session.
type DisconnectOp struct {
	Target string `json:"target"`
}

// CommandOp submits a command or command set to a command-oriented target.
type CommandOp struct {
	Target      string   `json:"target"`
	Command     string   `json:"command,omitempty"`
	Commands    []string `json:"commands,omitempty"`
	WaitTimeout float64  `json:"wait_timeout,omitempty"` // seconds
}

// Endpoint is one side of a link: a node port.
type Endpoint struct {
	Node    string `json:"node" yaml:"node"`
	Adapter int    `json:"adapter" yaml:"adapter"`
	Port    int    `json:"port" yaml:"port"`
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s %d/%d", e.Node, e.Adapter, e.Port)
}

// ConnectLinkOp creates a link between two node ports.
type ConnectLinkOp struct {
	A Endpoint `json:"a"`
	B Endpoint `json:"b"`

	// planned is the placeholder ID later operations in the batch may use
	// to refer to this link before it exists.
	planned string
}

// DisconnectLinkOp removes a link, identified either by ID or by one of its
// endpoints.
type DisconnectLinkOp struct {
	LinkID   string    `json:"link_id,omitempty"`
	Endpoint *Endpoint `json:"endpoint,omitempty"`

	// resolved is the link ID found during validation.
	resolved string
}

func (*SendOp) Kind() Kind           { return KindSend }
func (*ReadOp) Kind() Kind           { return KindRead }
func (*WaitOp) Kind() Kind           { return KindWait }
func (*KeystrokeOp) Kind() Kind      { return KindKeystroke }
func (*DisconnectOp) Kind() Kind     { return KindDisconnect }
func (*CommandOp) Kind() Kind        { return KindCommand }
func (*ConnectLinkOp) Kind() Kind    { return KindConnectLink }
func (*DisconnectLinkOp) Kind() Kind { return KindDisconnectLink }

func (o *SendOp) TargetName() string         { return o.Target }
func (o *ReadOp) TargetName() string         { return o.Target }
func (o *WaitOp) TargetName() string         { return o.Target }
func (o *KeystrokeOp) TargetName() string    { return o.Target }
func (o *DisconnectOp) TargetName() string   { return o.Target }
func (o *CommandOp) TargetName() string      { return o.Target }
func (*ConnectLinkOp) TargetName() string    { return "" }
func (*DisconnectLinkOp) TargetName() string { return "" }

func (*SendOp) isOperation()           {}
func (*ReadOp) isOperation()           {}
func (*WaitOp) isOperation()           {}
func (*KeystrokeOp) isOperation()      {}
func (*DisconnectOp) isOperation()     {}
func (*CommandOp) isOperation()        {}
func (*ConnectLinkOp) isOperation()    {}
func (*DisconnectLinkOp) isOperation() {}

func newOperation(kind Kind) (Operation, bool) {
	switch kind {
	case KindSend:
		return &SendOp{}, true
	case KindRead:
		return &ReadOp{}, true
	case KindWait, "send_and_wait", "wait_for":
		return &WaitOp{}, true
	case KindKeystroke:
		return &KeystrokeOp{}, true
	case KindDisconnect:
		return &DisconnectOp{}, true
	case KindCommand, "submit_command":
		return &CommandOp{}, true
	case KindConnectLink:
		return &ConnectLinkOp{}, true
	case KindDisconnectLink:
		return &DisconnectLinkOp{}, true
	}
	return nil, false
}

// Decode builds typed operations from generic maps, each carrying a "type"
// field. Unknown types and unknown fields are rejected with the index of the
// offending operation.
func Decode(raw []map[string]any) ([]Operation, error) {
	ops := make([]Operation, 0, len(raw))
	for i, m := range raw {
		op, err := decodeOne(m)
		if err != nil {
			return nil, &StepError{Index: i, Kind: Kind(fmt.Sprint(m["type"])), Err: err}
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func decodeOne(m map[string]any) (Operation, error) {
	t, _ := m["type"].(string)
	if t == "" {
		return nil, errcodes.New(errcodes.InvalidParameter, "missing operation type")
	}
	op, ok := newOperation(Kind(strings.ToLower(t)))
	if !ok {
		return nil, errcodes.New(errcodes.InvalidParameter, "unknown operation type %q", t)
	}

	fields := make(map[string]any, len(m))
	for k, v := range m {
		if k != "type" {
			fields[k] = v
		}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, errcodes.Wrap(errcodes.InvalidParameter, err, "encode %s parameters", t)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(op); err != nil {
		return nil, errcodes.Wrap(errcodes.InvalidParameter, err, "invalid %s parameters", t)
	}
	return op, nil
}

// DecodeJSON decodes a JSON array of operations.
func DecodeJSON(data []byte) ([]Operation, error) {
	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errcodes.Wrap(errcodes.InvalidParameter, err, "batch is not a JSON array of operations")
	}
	return Decode(raw)
}

// batchFile is the YAML batch layout. A bare list of operations is accepted
// as well.
type batchFile struct {
	Operations []map[string]any `yaml:"operations"`
}

// ParseYAML decodes a YAML batch document.
func ParseYAML(data []byte) ([]Operation, error) {
	var list []map[string]any
	if err := yaml.Unmarshal(data, &list); err == nil && list != nil {
		return Decode(list)
	}
	var f batchFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errcodes.Wrap(errcodes.InvalidParameter, err, "parse batch file")
	}
	return Decode(f.Operations)
}

// LoadFile reads a YAML batch file.
func LoadFile(path string) ([]Operation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	return ParseYAML(data)
}
