package trees

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/drpcorg/mrindex/enumerator"
	"github.com/drpcorg/mrindex/mrerrors"
	"github.com/drpcorg/mrindex/progress"
	"github.com/drpcorg/mrindex/tlv"
)

// FormatVersion is the second byte of every serialized tree.
const FormatVersion = 1

const formatMagic = 'T'

// PayloadCodec encodes the Value of Custom nodes of one kind name.
// Encode must be deterministic and Encode(Decode(p)) must return p,
// otherwise re-serialization cannot be byte-exact.
type PayloadCodec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
}

type Config struct {
	// Codecs by Custom kind name.
	Codecs map[string]PayloadCodec
	// CheckpointEvery is how many nodes are visited between checks of
	// the caller's context.
	CheckpointEvery int
}

// Manager is the tree codec handle; build one and pass it to whoever
// needs to read or write trees. It holds no per-call state and is safe
// for concurrent use.
type Manager struct {
	codecs map[string]PayloadCodec
	every  int
}

func NewManager(cfg Config) *Manager {
	codecs := make(map[string]PayloadCodec, len(cfg.Codecs))
	for name, codec := range cfg.Codecs {
		codecs[name] = codec
	}
	every := cfg.CheckpointEvery
	if every < 1 {
		every = progress.DefaultEvery
	}
	return &Manager{codecs: codecs, every: every}
}

func (m *Manager) codec(name string) (PayloadCodec, error) {
	codec, ok := m.codecs[name]
	if !ok {
		return nil, fmt.Errorf("%w: no payload codec for %q", mrerrors.ErrMalformedTree, name)
	}
	return codec, nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", mrerrors.ErrMalformedTree, fmt.Sprintf(format, args...))
}

func unknownSymbol(err error) error {
	return errors.Join(mrerrors.ErrUnknownSymbol, err)
}

func header() []byte {
	return []byte{formatMagic, FormatVersion}
}

func checkHeader(data []byte) ([]byte, error) {
	if len(data) < 2 {
		return nil, malformed("%d bytes is too short for a tree", len(data))
	}
	if data[0] != formatMagic || data[1] != FormatVersion {
		return nil, fmt.Errorf("%w: tree header %x", mrerrors.ErrFormatVersion, data[:2])
	}
	return data[2:], nil
}

// Serialize writes tree in pre-order, interning node kinds through enum.
func (m *Manager) Serialize(ctx context.Context, tree *Node, enum enumerator.Enumerator) ([]byte, error) {
	if tree == nil {
		return nil, malformed("nil tree")
	}
	cp := progress.New(ctx, m.every)
	out := header()
	stack := []*Node{tree}
	for len(stack) > 0 {
		if err := cp.Check(); err != nil {
			return nil, err
		}
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == nil {
			return nil, malformed("nil child")
		}
		if !n.Kind.valid() {
			return nil, malformed("node %q has %s", n.Name, n.Kind)
		}
		if n.Kind == Leaf && len(n.Children) > 0 {
			return nil, malformed("leaf %q has children", n.Name)
		}
		id, err := enum.IDFor(kindSymbol(n.Kind, n.Name))
		if err != nil {
			return nil, err
		}
		out = tlv.Append(out, 'N', tlv.ZipUint64Pair(uint64(id), uint64(len(n.Children))))
		switch n.Kind {
		case Leaf:
			out = tlv.Append(out, 'P', n.Payload)
		case Custom:
			codec, err := m.codec(n.Name)
			if err != nil {
				return nil, err
			}
			payload, err := codec.Encode(n.Value)
			if err != nil {
				return nil, fmt.Errorf("encode %q: %w", n.Name, err)
			}
			out = tlv.Append(out, 'P', payload)
		}
		for i := len(n.Children) - 1; i >= 0; i-- {
			stack = append(stack, n.Children[i])
		}
	}
	return out, nil
}

// nodeReader walks the node records of a serialized tree and checks that
// they form exactly one complete tree.
type nodeReader struct {
	rest    []byte
	pending []uint64
	done    bool
}

type rawNode struct {
	id       enumerator.SymbolID
	children uint64
}

func (r *nodeReader) more() bool {
	return len(r.rest) > 0
}

func (r *nodeReader) next() (rawNode, error) {
	if r.done {
		return rawNode{}, malformed("data after the root is complete")
	}
	body, rest, err := tlv.TakeCanonical('N', r.rest)
	if err != nil {
		return rawNode{}, malformed("node record: %v", err)
	}
	id, children, ok := tlv.UnzipUint64Pair(body)
	if !ok || id == 0 || id > uint64(^enumerator.SymbolID(0)) {
		return rawNode{}, malformed("bad node record %x", body)
	}
	r.rest = rest
	if n := len(r.pending); n > 0 {
		r.pending[n-1]--
	}
	if children > 0 {
		r.pending = append(r.pending, children)
	} else {
		for len(r.pending) > 0 && r.pending[len(r.pending)-1] == 0 {
			r.pending = r.pending[:len(r.pending)-1]
		}
	}
	r.done = len(r.pending) == 0
	return rawNode{id: enumerator.SymbolID(id), children: children}, nil
}

func (r *nodeReader) payload() ([]byte, error) {
	body, rest, err := tlv.TakeCanonical('P', r.rest)
	if err != nil {
		return nil, malformed("payload record: %v", err)
	}
	r.rest = rest
	return body, nil
}

func (r *nodeReader) finish() error {
	if !r.done {
		return malformed("tree ends before all children are read")
	}
	return nil
}

func (r *nodeReader) kind(node rawNode, enum enumerator.Enumerator) (Kind, string, error) {
	symbol, err := enum.SymbolFor(node.id)
	if err != nil {
		return 0, "", unknownSymbol(err)
	}
	kind, name, err := parseKindSymbol(symbol)
	if err != nil {
		return 0, "", err
	}
	if kind == Leaf && node.children > 0 {
		return 0, "", malformed("leaf %q has %d children", name, node.children)
	}
	return kind, name, nil
}

// Deserialize rebuilds the tree, resolving kind ids through enum.
func (m *Manager) Deserialize(ctx context.Context, data []byte, enum enumerator.Enumerator) (*Node, error) {
	body, err := checkHeader(data)
	if err != nil {
		return nil, err
	}
	cp := progress.New(ctx, m.every)
	r := &nodeReader{rest: body}
	var root *Node
	parents := []*Node{}
	for r.more() {
		if err := cp.Check(); err != nil {
			return nil, err
		}
		var parent *Node
		if len(parents) > 0 {
			parent = parents[len(parents)-1]
		}
		raw, err := r.next()
		if err != nil {
			return nil, err
		}
		kind, name, err := r.kind(raw, enum)
		if err != nil {
			return nil, err
		}
		n := &Node{Kind: kind, Name: name}
		if kind.hasPayload() {
			payload, err := r.payload()
			if err != nil {
				return nil, err
			}
			if kind == Custom {
				codec, err := m.codec(name)
				if err != nil {
					return nil, err
				}
				if n.Value, err = codec.Decode(payload); err != nil {
					return nil, fmt.Errorf("decode %q: %w", name, err)
				}
			} else if len(payload) > 0 {
				n.Payload = bytes.Clone(payload)
			}
		}
		if parent == nil {
			root = n
		} else {
			parent.Children = append(parent.Children, n)
		}
		if raw.children > 0 {
			n.Children = make([]*Node, 0, min(raw.children, 1024))
			parents = append(parents, n)
		}
		// the reader has closed every completed subtree
		parents = parents[:len(r.pending)]
	}
	if err := r.finish(); err != nil {
		return nil, err
	}
	return root, nil
}
