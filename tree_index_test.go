package mrindex

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/mrindex/enumerator"
	"github.com/drpcorg/mrindex/mrerrors"
	"github.com/drpcorg/mrindex/tlv"
	"github.com/drpcorg/mrindex/trees"
)

type lineCodec struct{}

func (lineCodec) Encode(v any) ([]byte, error) {
	line, ok := v.(uint64)
	if !ok {
		return nil, fmt.Errorf("not a line: %T", v)
	}
	return tlv.ZipUint64(line), nil
}

func (lineCodec) Decode(data []byte) (any, error) {
	if len(data) > 8 {
		return nil, errors.New("bad line")
	}
	return tlv.UnzipUint64(data), nil
}

func treeOptions(t *testing.T) (Options, trees.Config) {
	opts := testOptions(t)
	opts.Name = "ast"
	return opts, trees.Config{Codecs: map[string]trees.PayloadCodec{"LINE": lineCodec{}}}
}

func fileTree(fn string) *trees.Node {
	return trees.NewBranch("FILE",
		trees.NewCustom("LINE", uint64(1),
			trees.NewBranch("FUNC",
				trees.NewLeaf("IDENT", []byte(fn)),
				trees.NewBranch("BODY"),
			),
		),
		trees.NewLeaf("IDENT", []byte("unused")),
	)
}

func TestTreeIndex(t *testing.T) {
	opts, cfg := treeOptions(t)
	idx, err := OpenTreeIndex(opts, cfg)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, idx.Index(ctx, "main.go", fileTree("main")))
	require.NoError(t, idx.Index(ctx, "util.go", fileTree("helper")))

	values, err := idx.Values(ctx, "IDENT")
	require.NoError(t, err)
	require.Len(t, values, 2)
	mainFP, _, err := idx.LookupFingerprint("main.go")
	require.NoError(t, err)
	assert.Equal(t, trees.NewLeaf("IDENT", []byte("main")), values[mainFP])

	// the same tree again changes nothing
	p, err := idx.Update(ctx, mainFP, fileTree("main"))
	require.NoError(t, err)
	assert.Empty(t, p.Added())
	assert.Empty(t, p.Removed())

	// stored trees come out in the caller's id space
	target := enumerator.NewMemory()
	_, err = target.IDFor("Lsomething else first")
	require.NoError(t, err)
	got := map[FingerprintID]*trees.Node{}
	require.NoError(t, idx.Trees(ctx, "FUNC", target, func(fp FingerprintID, data []byte) bool {
		node, err := idx.Manager().Deserialize(ctx, data, target)
		require.NoError(t, err)
		got[fp] = node
		return true
	}))
	assert.Equal(t, fileTree("main").Children[0].Children[0], got[mainFP])

	kinds, err := idx.Kinds(ctx, "LINE")
	require.NoError(t, err)
	assert.Equal(t, []string{"LINE", "FUNC", "IDENT", "BODY"}, kinds[mainFP])

	require.NoError(t, idx.Flush())
	require.NoError(t, idx.Verify(ctx))
	require.NoError(t, idx.Dispose())
	assert.ErrorIs(t, idx.Dispose(), mrerrors.ErrDisposed)

	// trees survive a reopen since the kind table does
	idx, err = OpenTreeIndex(opts, cfg)
	require.NoError(t, err)
	defer idx.Dispose()
	values, err = idx.Values(ctx, "FUNC")
	require.NoError(t, err)
	assert.Equal(t, fileTree("main").Children[0].Children[0], values[mainFP])
}

func TestTreeIndexCorruption(t *testing.T) {
	damage := map[string]func(t *testing.T, opts *Options){
		"flipped kind byte": func(t *testing.T, opts *Options) {
			path := opts.path(".kinds")
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			data[len(data)-1] ^= 0x20
			require.NoError(t, os.WriteFile(path, data, 0o644))
		},
		"lost kinds": func(t *testing.T, opts *Options) {
			require.NoError(t, os.Remove(opts.path(".kinds")))
		},
	}
	for name, spoil := range damage {
		t.Run(name, func(t *testing.T) {
			opts, cfg := treeOptions(t)
			idx, err := OpenTreeIndex(opts, cfg)
			require.NoError(t, err)
			require.NoError(t, idx.Index(context.Background(), "main.go", fileTree("main")))
			require.NoError(t, idx.Dispose())

			spoil(t, &opts)
			calls := 0
			opts.OnRebuildRequested = func(cause error) {
				calls++
				assert.ErrorIs(t, cause, mrerrors.ErrStorageCorrupted)
			}
			idx, err = OpenTreeIndex(opts, cfg)
			require.NoError(t, err)
			defer idx.Dispose()
			assert.Equal(t, 1, calls)
			status, _ := idx.Status()
			assert.Equal(t, "unavailable", status)
			_, err = idx.Values(context.Background(), "FUNC")
			assert.ErrorIs(t, err, mrerrors.ErrIndexUnavailable)

			inputs := func(yield func(string, *trees.Node) bool) {
				yield("main.go", fileTree("main"))
			}
			require.NoError(t, idx.Rebuild(context.Background(), inputs))
			values, err := idx.Values(context.Background(), "FUNC")
			require.NoError(t, err)
			mainFP, _, err := idx.LookupFingerprint("main.go")
			require.NoError(t, err)
			assert.Equal(t, fileTree("main").Children[0].Children[0], values[mainFP])
			require.NoError(t, idx.Flush())
			assert.Equal(t, 1, calls)
		})
	}
}

// fullTable refuses new symbols like an enumerator on a full disk.
type fullTable struct {
	*enumerator.Memory
}

func (fullTable) IDFor(string) (enumerator.SymbolID, error) {
	return enumerator.None, errDiskFull
}

var errDiskFull = errors.New("no space left on device")

func TestTreesTargetErrorStaysLocal(t *testing.T) {
	opts, cfg := treeOptions(t)
	calls := 0
	opts.OnRebuildRequested = func(error) { calls++ }
	idx, err := OpenTreeIndex(opts, cfg)
	require.NoError(t, err)
	defer idx.Dispose()
	ctx := context.Background()
	require.NoError(t, idx.Index(ctx, "main.go", fileTree("main")))

	err = idx.Trees(ctx, "FILE", fullTable{enumerator.NewMemory()}, func(FingerprintID, []byte) bool {
		t.Fatal("nothing can be serialized into a full table")
		return false
	})
	assert.ErrorIs(t, err, errDiskFull)
	assert.NotErrorIs(t, err, mrerrors.ErrStorageCorrupted)
	assert.Zero(t, calls)
	status, _ := idx.Status()
	assert.Equal(t, "ready", status)

	n := 0
	require.NoError(t, idx.Trees(ctx, "FILE", enumerator.NewMemory(), func(FingerprintID, []byte) bool {
		n++
		return true
	}))
	assert.Equal(t, 1, n)
}
