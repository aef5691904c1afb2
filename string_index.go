package mrindex

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/cases"

	"github.com/drpcorg/mrindex/mrerrors"
)

// StringIndex maps the words of text files to the files containing them,
// with the number of occurrences as the value. Words are split on white
// space.
type StringIndex struct {
	*WordIndex
}

type WordIndex = Index[string, string, int64]

func CountWords(content string) (map[string]int64, error) {
	words := make(map[string]int64)
	for _, word := range strings.Fields(content) {
		words[word]++
	}
	return words, nil
}

// CountFoldedWords counts words case-folded, so "Word" and "word" add up.
func CountFoldedWords(content string) (map[string]int64, error) {
	fold := cases.Fold()
	words := make(map[string]int64)
	for _, word := range strings.Fields(content) {
		words[fold.String(word)]++
	}
	return words, nil
}

// OpenStringIndex opens a word index; with caseInsensitive "Word" and
// "word" are one key.
func OpenStringIndex(opts Options, caseInsensitive bool) (*StringIndex, error) {
	ext := Extension[string, string, int64]{
		Indexer: CountWords,
		Keys:    StringKeys{},
		Values:  CountValues{},
	}
	if caseInsensitive {
		ext.Indexer = CountFoldedWords
		ext.Keys = CaseInsensitiveKeys{}
	}
	x, err := Open(opts, ext)
	if err != nil {
		return nil, err
	}
	return &StringIndex{WordIndex: x}, nil
}

// Index (re)indexes path with its current content.
func (s *StringIndex) Index(ctx context.Context, path, content string) error {
	fp, err := s.Fingerprint(path)
	if err != nil {
		return err
	}
	p, err := s.Update(ctx, fp, content)
	if err != nil {
		return err
	}
	return p.Compute(ctx)
}

// Remove forgets path. Unknown paths are not an error.
func (s *StringIndex) Remove(ctx context.Context, path string) error {
	fp, ok, err := s.LookupFingerprint(path)
	if err != nil || !ok {
		return err
	}
	p, err := s.WordIndex.Remove(ctx, fp)
	if err != nil {
		return err
	}
	return p.Compute(ctx)
}

// FilesByWord lists the paths of the files containing word, sorted.
func (s *StringIndex) FilesByWord(ctx context.Context, word string) ([]string, error) {
	fps, err := s.Files(ctx, word)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(fps))
	for _, fp := range fps {
		path, err := s.Path(fp)
		if errors.Is(err, mrerrors.ErrSymbolNotFound) {
			return nil, s.escalate(fmt.Errorf("%w: posting of file %d: %w", mrerrors.ErrStorageCorrupted, fp, err))
		}
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	slices.Sort(paths)
	return paths, nil
}
