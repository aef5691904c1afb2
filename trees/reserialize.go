package trees

import (
	"context"

	"github.com/drpcorg/mrindex/enumerator"
	"github.com/drpcorg/mrindex/progress"
	"github.com/drpcorg/mrindex/tlv"
)

// ReSerialize translates a serialized tree from src's id space into dst's
// in one pass, without building the tree: every kind id is resolved with
// src.SymbolFor and re-interned with dst.IDFor, payload records are copied
// as they are. The result equals Serialize(Deserialize(data, src), dst),
// and data Deserialize rejects for its shape is rejected here too.
func (m *Manager) ReSerialize(ctx context.Context, data []byte, src, dst enumerator.Enumerator) ([]byte, error) {
	body, err := checkHeader(data)
	if err != nil {
		return nil, err
	}
	cp := progress.New(ctx, m.every)
	out := make([]byte, 0, len(data))
	out = append(out, header()...)
	r := &nodeReader{rest: body}
	for r.more() {
		if err := cp.Check(); err != nil {
			return nil, err
		}
		raw, err := r.next()
		if err != nil {
			return nil, err
		}
		kind, name, err := r.kind(raw, src)
		if err != nil {
			return nil, err
		}
		if kind == Custom {
			if _, err := m.codec(name); err != nil {
				return nil, err
			}
		}
		id, err := dst.IDFor(kindSymbol(kind, name))
		if err != nil {
			return nil, err
		}
		out = tlv.Append(out, 'N', tlv.ZipUint64Pair(uint64(id), raw.children))
		if kind.hasPayload() {
			payload, err := r.payload()
			if err != nil {
				return nil, err
			}
			out = tlv.Append(out, 'P', payload)
		}
	}
	if err := r.finish(); err != nil {
		return nil, err
	}
	return out, nil
}

// Kinds lists the distinct node kinds of a serialized tree as resolved by
// enum, in order of first appearance.
func (m *Manager) Kinds(ctx context.Context, data []byte, enum enumerator.Enumerator) ([]string, error) {
	body, err := checkHeader(data)
	if err != nil {
		return nil, err
	}
	cp := progress.New(ctx, m.every)
	r := &nodeReader{rest: body}
	seen := map[enumerator.SymbolID]bool{}
	kinds := []string{}
	for r.more() {
		if err := cp.Check(); err != nil {
			return nil, err
		}
		raw, err := r.next()
		if err != nil {
			return nil, err
		}
		kind, name, err := r.kind(raw, enum)
		if err != nil {
			return nil, err
		}
		if kind.hasPayload() {
			if _, err := r.payload(); err != nil {
				return nil, err
			}
		}
		if !seen[raw.id] {
			seen[raw.id] = true
			kinds = append(kinds, name)
		}
	}
	if err := r.finish(); err != nil {
		return nil, err
	}
	return kinds, nil
}
