package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	kerrors "github.com/harunnryd/kansa/internal/errors"

	"github.com/natefinch/atomic"
)

// ErrSkipWrite may be returned by an Update callback to end the transaction
// without rewriting the document.
var ErrSkipWrite = errors.New("skip write")

// DecodeFunc turns raw file bytes into a document. It never fails: corrupt
// or unknown input must decode to a safe default. data is nil when the file
// does not exist.
type DecodeFunc[T any] func(data []byte) T

// JSONFile is a JSON document on disk with a single read-modify-write entry
// point. Writers serialize on an advisory lock; readers rely on atomic
// rename and never observe a partial document.
type JSONFile[T any] struct {
	path    string
	lockCfg *FileLockConfig
	decode  DecodeFunc[T]
}

func NewJSONFile[T any](path string, lockCfg *FileLockConfig, decode func(data []byte) T) *JSONFile[T] {
	if lockCfg == nil {
		lockCfg = DefaultFileLockConfig()
	}
	return &JSONFile[T]{
		path:    path,
		lockCfg: lockCfg,
		decode:  decode,
	}
}

func (f *JSONFile[T]) Path() string {
	return f.path
}

// Read loads the current document without taking the lock.
func (f *JSONFile[T]) Read(ctx context.Context) (T, error) {
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, err
	}
	return f.load()
}

// Update reads the document, applies fn and writes the result back, all
// under the file lock. The returned document is the state after fn, even
// when fn returned ErrSkipWrite.
func (f *JSONFile[T]) Update(ctx context.Context, fn func(doc *T) error) (T, error) {
	var out T
	err := WithFileLock(ctx, LockPathFor(f.path), f.lockCfg, func() error {
		doc, err := f.load()
		if err != nil {
			return err
		}

		if err := fn(&doc); err != nil {
			if errors.Is(err, ErrSkipWrite) {
				out = doc
				return nil
			}
			return err
		}

		if err := f.save(doc); err != nil {
			return err
		}
		out = doc
		return nil
	})
	return out, err
}

func (f *JSONFile[T]) load() (T, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return f.decode(nil), nil
	}
	if err != nil {
		var zero T
		return zero, kerrors.WrapWithCategory(err, "read "+filepath.Base(f.path), kerrors.ErrTransient)
	}
	return f.decode(data), nil
}

func (f *JSONFile[T]) save(doc T) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return kerrors.WrapWithCategory(err, "encode "+filepath.Base(f.path), kerrors.ErrInternal)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return kerrors.WrapWithCategory(err, "create store dir", kerrors.ErrTransient)
	}
	if err := atomic.WriteFile(f.path, bytes.NewReader(data)); err != nil {
		return kerrors.WrapWithCategory(err, "write "+filepath.Base(f.path), kerrors.ErrTransient)
	}
	return nil
}
