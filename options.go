package mrindex

import (
	"errors"
	"log/slog"
	"path/filepath"

	"github.com/drpcorg/mrindex/progress"
	"github.com/drpcorg/mrindex/storage"
	"github.com/drpcorg/mrindex/utils"
)

type Options struct {
	// Dir holds the files of the index, all named after Name.
	Dir  string
	Name string
	// Version of the indexer; bump it when the indexer output changes.
	// A stored index of another version is discarded through a rebuild.
	Version  uint32
	ReadOnly bool
	// SyncWrites makes every Compute durable before it returns.
	SyncWrites      bool
	Compression     storage.Compression
	CompressMin     int
	ForwardCache    int
	CheckpointEvery int

	Logger utils.Logger
	// OnRebuildRequested is called once per corruption episode. When the
	// corruption is found while reading, it may start Rebuild,
	// synchronously or not. When Open finds it, the hook runs before Open
	// returns the index, so Rebuild has to wait until Open is done; Status
	// reports "unavailable" then.
	OnRebuildRequested func(cause error)
}

func (o *Options) SetDefaults() {
	if o.CheckpointEvery <= 0 {
		o.CheckpointEvery = progress.DefaultEvery
	}
	if o.CompressMin <= 0 {
		o.CompressMin = storage.DefaultCompressMin
	}
	if o.ForwardCache <= 0 {
		o.ForwardCache = storage.DefaultForwardCache
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
}

func (o *Options) validate() error {
	if o.Dir == "" {
		return errors.New("mrindex: no directory")
	}
	if o.Name == "" || filepath.Base(o.Name) != o.Name {
		return errors.New("mrindex: index name must be a plain file name")
	}
	return nil
}

func (o *Options) path(ext string) string {
	return filepath.Join(o.Dir, o.Name+ext)
}

func (o *Options) storageOptions() storage.Options {
	return storage.Options{
		ReadOnly:     o.ReadOnly,
		SyncWrites:   o.SyncWrites,
		Compression:  o.Compression,
		CompressMin:  o.CompressMin,
		ForwardCache: o.ForwardCache,
		Version:      o.Version,
	}
}
