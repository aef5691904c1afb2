package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"

	"github.com/drpcorg/mrindex"
	"github.com/drpcorg/mrindex/config"
)

var ErrNotOpen = errors.New("no index open")

var HelpText = `open [config]     open the configured index
close             flush and close it
status            index state
index <path>      index a file, or every file under a directory
drop <path>       forget a file
find <word>       files containing word
keys <path>       words of an indexed file
flush             make everything durable
verify            check postings against forward entries
rebuild <dir>     discard the index and index dir from scratch
dump              print every posting and forward entry
exit`

func (repl *REPL) index() (*mrindex.StringIndex, error) {
	if repl.idx == nil {
		return nil, ErrNotOpen
	}
	return repl.idx, nil
}

// walkTexts lists the regular files under root; contents are read lazily.
func walkTexts(root string) (iter.Seq2[string, string], int, error) {
	paths := []string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			paths = append(paths, filepath.Clean(path))
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return func(yield func(string, string) bool) {
		for _, path := range paths {
			data, err := os.ReadFile(path)
			if err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "skip %s: %v\n", path, err)
				continue
			}
			if !yield(path, string(data)) {
				return
			}
		}
	}, len(paths), nil
}

func (repl *REPL) CommandHelp(arg string) error {
	_, err := fmt.Fprintln(repl.out, HelpText)
	return err
}

var HelpOpen = errors.New("open [config.yaml]")

func (repl *REPL) CommandOpen(arg string) (err error) {
	if repl.idx != nil {
		return errors.New("an index is open already")
	}
	if arg != "" {
		if repl.cfg, err = config.Load(arg); err != nil {
			return errors.Join(HelpOpen, err)
		}
	}
	opts, err := repl.cfg.Options()
	if err != nil {
		return err
	}
	opts.OnRebuildRequested = func(cause error) {
		_, _ = fmt.Fprintf(repl.out, "index needs a rebuild (%v), run: rebuild <dir>\n", cause)
	}
	repl.idx, err = mrindex.OpenStringIndex(opts, repl.cfg.CaseInsensitive)
	if err == nil {
		_, _ = fmt.Fprintf(repl.out, "index %s opened in %s\n", opts.Name, opts.Dir)
	}
	return
}

func (repl *REPL) CommandClose(arg string) error {
	idx, err := repl.index()
	if err != nil {
		return err
	}
	repl.idx = nil
	err = idx.Dispose()
	if err == nil {
		_, _ = fmt.Fprintln(repl.out, "index closed")
	}
	return err
}

func (repl *REPL) CommandStatus(arg string) error {
	idx, err := repl.index()
	if err != nil {
		return err
	}
	state, cause := idx.Status()
	if cause != nil {
		_, err = fmt.Fprintf(repl.out, "%s: %s (%v)\n", idx.Name(), state, cause)
	} else {
		_, err = fmt.Fprintf(repl.out, "%s: %s\n", idx.Name(), state)
	}
	return err
}

var HelpIndex = errors.New("index <file or dir>")

func (repl *REPL) CommandIndex(arg string) error {
	idx, err := repl.index()
	if err != nil {
		return err
	}
	if arg == "" {
		return HelpIndex
	}
	ctx := context.Background()
	info, err := os.Stat(arg)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		data, err := os.ReadFile(arg)
		if err != nil {
			return err
		}
		return idx.Index(ctx, filepath.Clean(arg), string(data))
	}
	texts, _, err := walkTexts(arg)
	if err != nil {
		return err
	}
	n, err := idx.BulkUpdate(ctx, texts, repl.cfg.Workers)
	_, _ = fmt.Fprintf(repl.out, "%d files indexed\n", n)
	return err
}

var HelpDrop = errors.New("drop <file>")

func (repl *REPL) CommandDrop(arg string) error {
	idx, err := repl.index()
	if err != nil {
		return err
	}
	if arg == "" {
		return HelpDrop
	}
	return idx.Remove(context.Background(), filepath.Clean(arg))
}

var HelpFind = errors.New("find <word>")

func (repl *REPL) CommandFind(arg string) error {
	idx, err := repl.index()
	if err != nil {
		return err
	}
	if arg == "" {
		return HelpFind
	}
	paths, err := idx.FilesByWord(context.Background(), arg)
	if err != nil {
		return err
	}
	for _, path := range paths {
		_, _ = fmt.Fprintln(repl.out, path)
	}
	return nil
}

var HelpKeys = errors.New("keys <file>")

func (repl *REPL) CommandKeys(arg string) error {
	idx, err := repl.index()
	if err != nil {
		return err
	}
	if arg == "" {
		return HelpKeys
	}
	fp, ok, err := idx.LookupFingerprint(filepath.Clean(arg))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s is not indexed", arg)
	}
	ctx := context.Background()
	words, err := idx.Keys(ctx, fp)
	if err != nil {
		return err
	}
	for _, word := range words {
		counts, err := idx.Values(ctx, word)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(repl.out, "%s\t%d\n", word, counts[fp])
	}
	return nil
}

func (repl *REPL) CommandFlush(arg string) error {
	idx, err := repl.index()
	if err != nil {
		return err
	}
	return idx.Flush()
}

func (repl *REPL) CommandVerify(arg string) error {
	idx, err := repl.index()
	if err != nil {
		return err
	}
	if err = idx.Verify(context.Background()); err == nil {
		_, _ = fmt.Fprintln(repl.out, "index is consistent")
	}
	return err
}

var HelpRebuild = errors.New("rebuild <dir>")

func (repl *REPL) CommandRebuild(arg string) error {
	idx, err := repl.index()
	if err != nil {
		return err
	}
	if arg == "" {
		return HelpRebuild
	}
	texts, n, err := walkTexts(arg)
	if err != nil {
		return err
	}
	if err := idx.Rebuild(context.Background(), texts); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(repl.out, "index rebuilt from %d files\n", n)
	return nil
}

func (repl *REPL) CommandDump(arg string) error {
	idx, err := repl.index()
	if err != nil {
		return err
	}
	return idx.Dump(repl.out)
}
