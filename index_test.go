package mrindex

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"os"
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/drpcorg/mrindex/mrerrors"
	"github.com/drpcorg/mrindex/utils"
)

func testOptions(t *testing.T) Options {
	return Options{
		Dir:             t.TempDir(),
		Name:            "words",
		Version:         1,
		CheckpointEvery: 8,
		Logger:          utils.NopLogger(),
	}
}

func openWords(t *testing.T, opts Options) *StringIndex {
	idx, err := OpenStringIndex(opts, false)
	require.NoError(t, err)
	return idx
}

func indexAll(t *testing.T, idx *StringIndex, contents map[string]string) {
	for path, content := range contents {
		require.NoError(t, idx.Index(context.Background(), path, content))
	}
}

func filesByWord(t *testing.T, idx *StringIndex, word string) []string {
	paths, err := idx.FilesByWord(context.Background(), word)
	require.NoError(t, err)
	return paths
}

func TestStringIndexUpdate(t *testing.T) {
	idx := openWords(t, testOptions(t))
	defer idx.Dispose()
	ctx := context.Background()

	require.NoError(t, idx.Index(ctx, "com/ppp/a.java", "a b c d"))
	require.NoError(t, idx.Index(ctx, "com/ppp/b.java", "a b g h"))
	require.NoError(t, idx.Index(ctx, "com/ppp/c.java", "a z f"))
	require.NoError(t, idx.Index(ctx, "com/ppp/d.java", "a a u y z"))
	require.NoError(t, idx.Index(ctx, "com/ppp/e.java", "a n chj e c d"))

	all := []string{"com/ppp/a.java", "com/ppp/b.java", "com/ppp/c.java", "com/ppp/d.java", "com/ppp/e.java"}
	assert.Equal(t, all, filesByWord(t, idx, "a"))
	assert.Equal(t, []string{"com/ppp/a.java", "com/ppp/b.java"}, filesByWord(t, idx, "b"))
	assert.Equal(t, []string{"com/ppp/a.java", "com/ppp/e.java"}, filesByWord(t, idx, "c"))
	assert.Equal(t, []string{"com/ppp/a.java", "com/ppp/e.java"}, filesByWord(t, idx, "d"))
	assert.Equal(t, []string{"com/ppp/b.java"}, filesByWord(t, idx, "g"))
	assert.Equal(t, []string{"com/ppp/b.java"}, filesByWord(t, idx, "h"))
	assert.Equal(t, []string{"com/ppp/c.java", "com/ppp/d.java"}, filesByWord(t, idx, "z"))
	assert.Equal(t, []string{"com/ppp/c.java"}, filesByWord(t, idx, "f"))
	assert.Equal(t, []string{"com/ppp/d.java"}, filesByWord(t, idx, "u"))
	assert.Equal(t, []string{"com/ppp/e.java"}, filesByWord(t, idx, "chj"))
	assert.Empty(t, filesByWord(t, idx, "nope"))

	require.NoError(t, idx.Index(ctx, "com/ppp/d.java", "a u y z"))
	assert.Equal(t, all, filesByWord(t, idx, "a"))
	require.NoError(t, idx.Index(ctx, "com/ppp/d.java", "u y z"))
	assert.Equal(t, []string{"com/ppp/a.java", "com/ppp/b.java", "com/ppp/c.java", "com/ppp/e.java"}, filesByWord(t, idx, "a"))
	require.NoError(t, idx.Index(ctx, "com/ppp/d.java", "a a a u y z"))
	assert.Equal(t, all, filesByWord(t, idx, "a"))

	require.NoError(t, idx.Index(ctx, "com/ppp/e.java", "a n chj e c d z"))
	assert.Equal(t, []string{"com/ppp/c.java", "com/ppp/d.java", "com/ppp/e.java"}, filesByWord(t, idx, "z"))

	require.NoError(t, idx.Remove(ctx, "com/ppp/b.java"))
	assert.Equal(t, []string{"com/ppp/a.java", "com/ppp/c.java", "com/ppp/d.java", "com/ppp/e.java"}, filesByWord(t, idx, "a"))
	assert.Equal(t, []string{"com/ppp/a.java"}, filesByWord(t, idx, "b"))
	assert.Empty(t, filesByWord(t, idx, "g"))
	assert.Empty(t, filesByWord(t, idx, "h"))

	assert.NoError(t, idx.Remove(ctx, "never/indexed.java"))
	assert.NoError(t, idx.Verify(ctx))
}

func TestStringIndexCaseInsensitive(t *testing.T) {
	idx, err := OpenStringIndex(testOptions(t), true)
	require.NoError(t, err)
	defer idx.Dispose()
	ctx := context.Background()

	require.NoError(t, idx.Index(ctx, "a.java", "x"))
	assert.Equal(t, []string{"a.java"}, filesByWord(t, idx, "x"))
	assert.Equal(t, []string{"a.java"}, filesByWord(t, idx, "X"))

	require.NoError(t, idx.Index(ctx, "b.java", "y"))
	assert.Equal(t, []string{"b.java"}, filesByWord(t, idx, "y"))
	require.NoError(t, idx.Index(ctx, "c.java", "Y"))
	assert.Equal(t, []string{"b.java", "c.java"}, filesByWord(t, idx, "y"))

	require.NoError(t, idx.Index(ctx, "d.java", "ΣΊΣΥΦΟΣ"))
	assert.Equal(t, []string{"d.java"}, filesByWord(t, idx, "σίσυφος"))

	// spellings of one word count together
	require.NoError(t, idx.Index(ctx, "e.java", "Word word WORD"))
	fp, ok, err := idx.LookupFingerprint("e.java")
	require.NoError(t, err)
	require.True(t, ok)
	for _, word := range []string{"word", "WORD"} {
		counts, err := idx.Values(ctx, word)
		require.NoError(t, err)
		assert.Equal(t, map[FingerprintID]int64{fp: 3}, counts)
	}
	words, err := idx.Keys(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, []string{"word"}, words)
}

func TestCountsAndKeys(t *testing.T) {
	idx := openWords(t, testOptions(t))
	defer idx.Dispose()
	ctx := context.Background()

	require.NoError(t, idx.Index(ctx, "d.txt", "a a u y z"))
	fp, ok, err := idx.LookupFingerprint("d.txt")
	require.NoError(t, err)
	require.True(t, ok)

	values, err := idx.Values(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, map[FingerprintID]int64{fp: 2}, values)

	keys, err := idx.Keys(ctx, fp)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "u", "y", "z"}, keys)

	// identical content plans nothing
	p, err := idx.Update(ctx, fp, "z y u a a")
	require.NoError(t, err)
	assert.Empty(t, p.Added())
	assert.Empty(t, p.Removed())
	require.NoError(t, p.Compute(ctx))

	// a changed count rewrites one posting
	p, err = idx.Update(ctx, fp, "a u y z")
	require.NoError(t, err)
	assert.Len(t, p.Added(), 1)
	assert.Empty(t, p.Removed())
	require.NoError(t, p.Compute(ctx))
	assert.ErrorIs(t, p.Compute(ctx), ErrAlreadyApplied)

	all := []string{}
	require.NoError(t, idx.ProcessAllKeys(ctx, func(key string) bool {
		all = append(all, key)
		return true
	}))
	assert.ElementsMatch(t, []string{"a", "u", "y", "z"}, all)

	p, err = idx.WordIndex.Remove(ctx, fp)
	require.NoError(t, err)
	assert.Len(t, p.Removed(), 4)
	require.NoError(t, p.Compute(ctx))

	keys, err = idx.Keys(ctx, fp)
	require.NoError(t, err)
	assert.Empty(t, keys)
	all = all[:0]
	require.NoError(t, idx.ProcessAllKeys(ctx, func(key string) bool {
		all = append(all, key)
		return true
	}))
	assert.Empty(t, all)
	assert.NoError(t, idx.Verify(ctx))

	_, err = idx.Update(ctx, 0, "zero")
	assert.Error(t, err)
}

func TestComputeOrderWins(t *testing.T) {
	idx := openWords(t, testOptions(t))
	defer idx.Dispose()
	ctx := context.Background()

	fp, err := idx.Fingerprint("f.txt")
	require.NoError(t, err)
	first, err := idx.Update(ctx, fp, "a b")
	require.NoError(t, err)
	second, err := idx.Update(ctx, fp, "c")
	require.NoError(t, err)

	require.NoError(t, second.Compute(ctx))
	require.NoError(t, first.Compute(ctx))

	assert.Equal(t, []string{"f.txt"}, filesByWord(t, idx, "a"))
	assert.Equal(t, []string{"f.txt"}, filesByWord(t, idx, "b"))
	assert.Empty(t, filesByWord(t, idx, "c"))
	assert.NoError(t, idx.Verify(ctx))
}

func TestCustomValuesEqual(t *testing.T) {
	type doc = map[string]string
	ext := Extension[doc, string, string]{
		Indexer: func(d doc) (doc, error) { return d, nil },
		Keys:    StringKeys{},
		Values:  StringValues{},
		ValuesEqual: func(stored, fresh string) bool {
			return bytes.EqualFold([]byte(stored), []byte(fresh))
		},
	}
	opts := testOptions(t)
	opts.Name = "titles"
	x, err := Open(opts, ext)
	require.NoError(t, err)
	defer x.Dispose()
	ctx := context.Background()

	fp, err := x.Fingerprint("a.md")
	require.NoError(t, err)
	p, err := x.Update(ctx, fp, doc{"title": "Hello"})
	require.NoError(t, err)
	require.NoError(t, p.Compute(ctx))

	p, err = x.Update(ctx, fp, doc{"title": "HELLO"})
	require.NoError(t, err)
	assert.Empty(t, p.Added())
	require.NoError(t, p.Compute(ctx))

	values, err := x.Values(ctx, "title")
	require.NoError(t, err)
	assert.Equal(t, map[FingerprintID]string{fp: "Hello"}, values)

	p, err = x.Update(ctx, fp, doc{"title": "Goodbye"})
	require.NoError(t, err)
	assert.Len(t, p.Added(), 1)
}

func TestGetDataCanceled(t *testing.T) {
	idx := openWords(t, testOptions(t))
	defer idx.Dispose()
	for i := range 100 {
		require.NoError(t, idx.Index(context.Background(), fmt.Sprintf("f%03d.txt", i), "common"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	visited := 0
	err := idx.GetData(ctx, "common", func(FingerprintID, int64) bool {
		visited++
		return true
	})
	assert.ErrorIs(t, err, mrerrors.ErrCanceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, visited)

	// a canceled compute writes nothing
	fp, _, err := idx.LookupFingerprint("f000.txt")
	require.NoError(t, err)
	p, err := idx.Update(context.Background(), fp, "other")
	require.NoError(t, err)
	assert.ErrorIs(t, p.Compute(ctx), mrerrors.ErrCanceled)

	assert.Len(t, filesByWord(t, idx, "common"), 100)
	assert.Empty(t, filesByWord(t, idx, "other"))
	assert.NoError(t, idx.Verify(context.Background()))

	status, err := idx.Status()
	assert.Equal(t, "ready", status)
	assert.NoError(t, err)
}

func TestConcurrentReaders(t *testing.T) {
	idx := openWords(t, testOptions(t))
	defer idx.Dispose()
	ctx := context.Background()

	want := make([]string, 200)
	for i := range want {
		want[i] = fmt.Sprintf("src/%03d.go", i)
		require.NoError(t, idx.Index(ctx, want[i], fmt.Sprintf("shared word%d", i)))
	}

	g, gctx := errgroup.WithContext(ctx)
	for range 2 * runtime.NumCPU() {
		g.Go(func() error {
			for range 10 {
				got, err := idx.FilesByWord(gctx, "shared")
				if err != nil {
					return err
				}
				if !assert.Equal(t, want, got) {
					return fmt.Errorf("reader saw %d files", len(got))
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		for i := range 50 {
			if err := idx.Index(gctx, want[i], fmt.Sprintf("shared changed%d", i)); err != nil {
				return err
			}
		}
		return idx.Flush()
	})
	require.NoError(t, g.Wait())
	assert.NoError(t, idx.Verify(ctx))
}

func TestBulkUpdate(t *testing.T) {
	idx := openWords(t, testOptions(t))
	defer idx.Dispose()
	ctx := context.Background()

	contents := map[string]string{}
	for i := range 40 {
		contents[fmt.Sprintf("doc%02d", i)] = fmt.Sprintf("bulk only%d", i)
	}
	n, err := idx.BulkUpdate(ctx, maps.All(contents), 4)
	require.NoError(t, err)
	assert.Equal(t, 40, n)
	assert.Len(t, filesByWord(t, idx, "bulk"), 40)
	assert.Equal(t, []string{"doc07"}, filesByWord(t, idx, "only7"))
	assert.NoError(t, idx.Verify(ctx))
}

func TestPersistence(t *testing.T) {
	opts := testOptions(t)
	idx := openWords(t, opts)
	indexAll(t, idx, map[string]string{"a": "x y", "b": "y z"})
	require.NoError(t, idx.Dispose())

	idx = openWords(t, opts)
	defer idx.Dispose()
	assert.Equal(t, []string{"a", "b"}, filesByWord(t, idx, "y"))
	assert.NoError(t, idx.Verify(context.Background()))
}

func TestDisposeAndLock(t *testing.T) {
	opts := testOptions(t)
	idx := openWords(t, opts)

	_, err := OpenStringIndex(opts, false)
	assert.ErrorIs(t, err, mrerrors.ErrLocked)

	require.NoError(t, idx.Dispose())
	assert.ErrorIs(t, idx.Dispose(), mrerrors.ErrDisposed)
	_, err = idx.FilesByWord(context.Background(), "x")
	assert.ErrorIs(t, err, mrerrors.ErrDisposed)
	assert.ErrorIs(t, idx.Flush(), mrerrors.ErrDisposed)
	assert.ErrorIs(t, idx.Index(context.Background(), "a", "x"), mrerrors.ErrDisposed)

	// the lock went with the index
	again := openWords(t, opts)
	assert.NoError(t, again.Dispose())
}

func TestReadOnly(t *testing.T) {
	opts := testOptions(t)
	idx := openWords(t, opts)
	indexAll(t, idx, map[string]string{"a": "x"})
	require.NoError(t, idx.Dispose())

	opts.ReadOnly = true
	ro := openWords(t, opts)
	defer ro.Dispose()
	assert.Equal(t, []string{"a"}, filesByWord(t, ro, "x"))
	assert.ErrorIs(t, ro.Index(context.Background(), "a", "y"), mrerrors.ErrReadOnly)
	assert.ErrorIs(t, ro.Index(context.Background(), "new", "y"), mrerrors.ErrReadOnly)
	assert.ErrorIs(t, ro.Rebuild(context.Background(), maps.All(map[string]string{})), mrerrors.ErrReadOnly)

	opts.ReadOnly = false
	_, err := OpenStringIndex(opts, false)
	assert.ErrorIs(t, err, mrerrors.ErrLocked)
}

func TestCorruptionEscalation(t *testing.T) {
	contents := map[string]string{"a": "alpha beta", "b": "beta gamma"}
	damage := map[string]func(t *testing.T, opts *Options){
		"flipped key byte": func(t *testing.T, opts *Options) {
			path := opts.path(".keys")
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			data[len(data)-1] ^= 0x20
			require.NoError(t, os.WriteFile(path, data, 0o644))
		},
		"indexer version": func(t *testing.T, opts *Options) {
			opts.Version++
		},
		"lost keys": func(t *testing.T, opts *Options) {
			require.NoError(t, os.Remove(opts.path(".keys")))
		},
	}
	for name, spoil := range damage {
		t.Run(name, func(t *testing.T) {
			opts := testOptions(t)
			idx := openWords(t, opts)
			indexAll(t, idx, contents)
			require.NoError(t, idx.Dispose())

			spoil(t, &opts)
			var calls atomic.Int32
			causes := make(chan error, 4)
			opts.OnRebuildRequested = func(cause error) {
				calls.Add(1)
				causes <- cause
			}
			idx = openWords(t, opts)
			defer idx.Dispose()

			assert.EqualValues(t, 1, calls.Load())
			assert.ErrorIs(t, <-causes, mrerrors.ErrStorageCorrupted)
			status, cause := idx.Status()
			assert.Equal(t, "unavailable", status)
			assert.ErrorIs(t, cause, mrerrors.ErrStorageCorrupted)

			_, err := idx.FilesByWord(context.Background(), "beta")
			assert.ErrorIs(t, err, mrerrors.ErrIndexUnavailable)
			assert.ErrorIs(t, idx.Index(context.Background(), "c", "delta"), mrerrors.ErrIndexUnavailable)
			idx.RequestRebuild(fmt.Errorf("%w: again", mrerrors.ErrStorageCorrupted))
			assert.EqualValues(t, 1, calls.Load())

			require.NoError(t, idx.Rebuild(context.Background(), maps.All(contents)))
			assert.Equal(t, []string{"a", "b"}, filesByWord(t, idx, "beta"))
			assert.NoError(t, idx.Verify(context.Background()))
			status, cause = idx.Status()
			assert.Equal(t, "ready", status)
			assert.NoError(t, cause)

			// a new episode calls the hook again
			idx.RequestRebuild(fmt.Errorf("%w: next", mrerrors.ErrStorageCorrupted))
			assert.EqualValues(t, 2, calls.Load())
		})
	}
}

func TestRebuildCanceled(t *testing.T) {
	idx := openWords(t, testOptions(t))
	defer idx.Dispose()
	indexAll(t, idx, map[string]string{"a": "x"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := idx.Rebuild(ctx, maps.All(map[string]string{"a": "x", "b": "y"}))
	assert.ErrorIs(t, err, mrerrors.ErrCanceled)
	_, err = idx.FilesByWord(context.Background(), "x")
	assert.ErrorIs(t, err, mrerrors.ErrIndexUnavailable)

	require.NoError(t, idx.Rebuild(context.Background(), maps.All(map[string]string{"b": "y"})))
	assert.Empty(t, filesByWord(t, idx, "x"))
	assert.Equal(t, []string{"b"}, filesByWord(t, idx, "y"))
}

func TestStaleUpdateAfterRebuild(t *testing.T) {
	idx := openWords(t, testOptions(t))
	defer idx.Dispose()
	ctx := context.Background()

	fp, err := idx.Fingerprint("a")
	require.NoError(t, err)
	p, err := idx.Update(ctx, fp, "x")
	require.NoError(t, err)
	require.NoError(t, idx.Rebuild(ctx, maps.All(map[string]string{"b": "y"})))
	assert.ErrorIs(t, p.Compute(ctx), mrerrors.ErrIndexUnavailable)
	assert.Empty(t, filesByWord(t, idx, "x"))
}

func TestDumpAndCollector(t *testing.T) {
	idx := openWords(t, testOptions(t))
	indexAll(t, idx, map[string]string{"a.txt": "hello"})

	var out bytes.Buffer
	require.NoError(t, idx.Dump(&out))
	assert.Contains(t, out.String(), "\"hello\"\t\"a.txt\"\t")
	assert.Contains(t, out.String(), "\"a.txt\" -> \"hello\"")

	c := idx.Collector()
	assert.Equal(t, 15, testutil.CollectAndCount(c))
	require.NoError(t, idx.Dispose())
	assert.Zero(t, testutil.CollectAndCount(c))
}
