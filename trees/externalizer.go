package trees

import (
	"context"

	"github.com/drpcorg/mrindex/enumerator"
)

// Externalizer stores trees as index values, with kinds interned in a
// table owned by the storage rather than by the caller.
type Externalizer struct {
	Manager *Manager
	Kinds   enumerator.Enumerator
}

func (e Externalizer) Save(tree *Node) ([]byte, error) {
	return e.Manager.Serialize(context.Background(), tree, e.Kinds)
}

func (e Externalizer) Read(data []byte) (*Node, error) {
	return e.Manager.Deserialize(context.Background(), data, e.Kinds)
}
