// Package trees is the binary codec for structured trees (parsed-file
// summaries and the like) whose node kinds are interned through an
// enumerator the caller picks.
//
// # Format
//
//	'T' version
//	pre-order nodes, each:
//	  N record: ZipUint64Pair(kind id, child count)
//	  P record: payload (Leaf and Custom kinds only)
//
// A kind is interned as the symbol tag+name, so the tag survives any
// translation between enumerators.
package trees

import (
	"fmt"

	"github.com/drpcorg/mrindex/mrerrors"
)

type Kind byte

const (
	Branch Kind = 'B'
	Leaf   Kind = 'L'
	Custom Kind = 'X'
)

func (k Kind) String() string {
	switch k {
	case Branch:
		return "branch"
	case Leaf:
		return "leaf"
	case Custom:
		return "custom"
	}
	return fmt.Sprintf("kind(%q)", byte(k))
}

func (k Kind) hasPayload() bool {
	return k == Leaf || k == Custom
}

func (k Kind) valid() bool {
	return k == Branch || k == Leaf || k == Custom
}

// Node is one tree node. Branch nodes only have children, Leaf nodes only
// raw Payload bytes, Custom nodes have a Value encoded by the PayloadCodec
// registered for Name and may have children.
type Node struct {
	Kind     Kind
	Name     string
	Payload  []byte
	Value    any
	Children []*Node
}

func NewBranch(name string, children ...*Node) *Node {
	if len(children) == 0 {
		children = nil
	}
	return &Node{Kind: Branch, Name: name, Children: children}
}

func NewLeaf(name string, payload []byte) *Node {
	if len(payload) == 0 {
		payload = nil
	}
	return &Node{Kind: Leaf, Name: name, Payload: payload}
}

func NewCustom(name string, value any, children ...*Node) *Node {
	if len(children) == 0 {
		children = nil
	}
	return &Node{Kind: Custom, Name: name, Value: value, Children: children}
}

// Size counts the nodes of the tree.
func (n *Node) Size() int {
	if n == nil {
		return 0
	}
	size := 0
	stack := []*Node{n}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		size++
		stack = append(stack, top.Children...)
	}
	return size
}

func kindSymbol(kind Kind, name string) string {
	return string(rune(kind)) + name
}

func parseKindSymbol(symbol string) (Kind, string, error) {
	if len(symbol) == 0 || !Kind(symbol[0]).valid() {
		return 0, "", fmt.Errorf("%w: %q is not a node kind", mrerrors.ErrMalformedTree, symbol)
	}
	return Kind(symbol[0]), symbol[1:], nil
}
