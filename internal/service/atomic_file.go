package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	perrors "github.com/devrev/riptide-persistence/internal/errors"
)

const tmpSuffix = ".tmp"

// RenameFunc moves a finished temp file into place. Tests swap it to simulate a crash.
type RenameFunc func(oldpath, newpath string) error

// writeFileAtomic writes data to path+".tmp", syncs it, then renames it over path.
// On any failure, including ctx expiry, the temp file is removed and path is untouched.
func writeFileAtomic(ctx context.Context, path string, data []byte, rename RenameFunc) (err error) {
	tmp := path + tmpSuffix
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	if err := ctxErr(ctx); err != nil {
		return err
	}

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return perrors.Filesystem(tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return perrors.Filesystem(tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return perrors.Filesystem(tmp, err)
	}
	if err := f.Close(); err != nil {
		return perrors.Filesystem(tmp, err)
	}

	if err := ctxErr(ctx); err != nil {
		return err
	}
	if err := rename(tmp, path); err != nil {
		return perrors.Filesystem(path, fmt.Errorf("rename: %w", err))
	}

	syncDir(filepath.Dir(path))
	return nil
}

// linkOrCopyAtomic makes dst an atomic replica of src, hard-linking when the filesystem allows
func linkOrCopyAtomic(ctx context.Context, src, dst string, rename RenameFunc) error {
	tmp := dst + tmpSuffix
	os.Remove(tmp)

	if err := os.Link(src, tmp); err == nil {
		if err := rename(tmp, dst); err != nil {
			os.Remove(tmp)
			return perrors.Filesystem(dst, fmt.Errorf("rename: %w", err))
		}
		syncDir(filepath.Dir(dst))
		return nil
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return perrors.Filesystem(src, err)
	}
	return writeFileAtomic(ctx, dst, data, rename)
}

// syncDir makes a completed rename durable; failures only weaken durability, not atomicity
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}

type timeoutBudgetKey struct{}

// withOperationTimeout bounds ctx and remembers the budget for Timeout errors
func withOperationTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	ctx = context.WithValue(ctx, timeoutBudgetKey{}, d.Milliseconds())
	return context.WithTimeout(ctx, d)
}

// ctxErr maps context expiry onto the Timeout kind
func ctxErr(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		ms, _ := ctx.Value(timeoutBudgetKey{}).(int64)
		pe := perrors.Timeout(ms)
		pe.Cause = err
		return pe
	}
	return perrors.NewPersistenceError(perrors.ErrCodeTimeout, "operation canceled", err)
}
