package mrindex

import (
	"context"
	"errors"
	"fmt"

	"github.com/drpcorg/mrindex/enumerator"
	"github.com/drpcorg/mrindex/mrerrors"
	"github.com/drpcorg/mrindex/trees"
)

type NodeIndex = Index[*trees.Node, string, *trees.Node]

// kindsTable names the file, <name>.kinds, stored trees intern kinds in.
const kindsTable = "kinds"

// TreeIndex maps node names to the files whose tree has a node of that
// name, keeping the first such subtree in pre-order as the value. Stored
// trees intern their kinds in the index's own table, <name>.kinds, so
// they are handed out re-serialized into the caller's table.
type TreeIndex struct {
	*NodeIndex
	manager *trees.Manager
}

// FirstNodes is the indexer of TreeIndex.
func FirstNodes(tree *trees.Node) (map[string]*trees.Node, error) {
	first := make(map[string]*trees.Node)
	if tree == nil {
		return first, nil
	}
	stack := []*trees.Node{tree}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := first[node.Name]; !ok {
			first[node.Name] = node
		}
		for i := len(node.Children) - 1; i >= 0; i-- {
			stack = append(stack, node.Children[i])
		}
	}
	return first, nil
}

func OpenTreeIndex(opts Options, cfg trees.Config) (*TreeIndex, error) {
	opts.SetDefaults()
	if cfg.CheckpointEvery < 1 {
		cfg.CheckpointEvery = opts.CheckpointEvery
	}
	manager := trees.NewManager(cfg)
	t := &TreeIndex{manager: manager}
	ext := Extension[*trees.Node, string, *trees.Node]{
		Indexer: FirstNodes,
		Keys:    StringKeys{},
		Values:  &treeValues{t: t},
	}
	x, err := open(opts, ext, kindsTable)
	if err != nil {
		return nil, err
	}
	t.NodeIndex = x
	return t, nil
}

// kinds is the kind table of stored trees; the caller pins the handles.
func (t *TreeIndex) kinds() *enumerator.File {
	return t.table(kindsTable)
}

type treeValues struct {
	t *TreeIndex
}

func (v *treeValues) externalizer() trees.Externalizer {
	return trees.Externalizer{Manager: v.t.manager, Kinds: v.t.kinds()}
}

func (v *treeValues) Save(tree *trees.Node) ([]byte, error) {
	return v.externalizer().Save(tree)
}

func (v *treeValues) Read(data []byte) (*trees.Node, error) {
	return v.externalizer().Read(data)
}

func (t *TreeIndex) Manager() *trees.Manager {
	return t.manager
}

// Index (re)indexes the tree of path.
func (t *TreeIndex) Index(ctx context.Context, path string, tree *trees.Node) error {
	fp, err := t.Fingerprint(path)
	if err != nil {
		return err
	}
	p, err := t.Update(ctx, fp, tree)
	if err != nil {
		return err
	}
	return p.Compute(ctx)
}

// Trees visits the subtrees stored under name, serialized with kinds
// interned in target, without building them in memory. data is only
// valid during the call.
func (t *TreeIndex) Trees(ctx context.Context, name string, target enumerator.Enumerator, fn func(fp FingerprintID, data []byte) bool) error {
	var treeErr error
	err := t.scanRaw(ctx, name, func(fp FingerprintID, stored []byte) bool {
		var data []byte
		data, treeErr = t.manager.ReSerialize(ctx, stored, t.kinds(), target)
		if treeErr != nil {
			treeErr = t.treeError(fp, treeErr)
			return false
		}
		return fn(fp, data)
	})
	return t.escalate(errors.Join(err, treeErr))
}

// Kinds lists, per file, the distinct node names of the subtree stored
// under name.
func (t *TreeIndex) Kinds(ctx context.Context, name string) (map[FingerprintID][]string, error) {
	kinds := make(map[FingerprintID][]string)
	var treeErr error
	err := t.scanRaw(ctx, name, func(fp FingerprintID, stored []byte) bool {
		kinds[fp], treeErr = t.manager.Kinds(ctx, stored, t.kinds())
		if treeErr != nil {
			treeErr = t.treeError(fp, treeErr)
			return false
		}
		return true
	})
	if err = t.escalate(errors.Join(err, treeErr)); err != nil {
		return nil, err
	}
	return kinds, nil
}

// treeDamage lists what a stored tree or the kind table can be found
// guilty of. Errors of the caller's table are not among them.
var treeDamage = []error{
	mrerrors.ErrUnknownSymbol,
	mrerrors.ErrMalformedTree,
	mrerrors.ErrFormatVersion,
	mrerrors.ErrSymbolNotFound,
}

// treeError marks a stored tree that does not read back as corruption.
func (t *TreeIndex) treeError(fp FingerprintID, err error) error {
	for _, damage := range treeDamage {
		if errors.Is(err, damage) {
			return fmt.Errorf("%w: tree of file %d: %w", mrerrors.ErrStorageCorrupted, fp, err)
		}
	}
	return err
}
