// Package common holds file helpers shared by storage engine tooling.
package common

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// chunkSize: size of each read/write chunk
const chunkSize = 256 * 1024

var bufPool = sync.Pool{
	New: func() interface{} { return make([]byte, chunkSize) },
}

// CopiedFile describes one file written by CopyTree.
type CopiedFile struct {
	Path   string // relative to the tree root
	Bytes  int64
	SHA256 [sha256.Size]byte
}

// NewLimiter returns a limiter for bytesPerSec, or nil for no limit.
func NewLimiter(bytesPerSec int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), chunkSize)
}

// CopyThrottled copies srcPath to dstPath in chunks, waiting on limiter (if
// any) before each chunk. The destination is written to a temporary file and
// renamed into place once synced.
func CopyThrottled(ctx context.Context, srcPath, dstPath string, limiter *rate.Limiter) (CopiedFile, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return CopiedFile{}, fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return CopiedFile{}, fmt.Errorf("create dst dir: %w", err)
	}
	tmp := dstPath + ".tmp"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return CopiedFile{}, fmt.Errorf("open dst: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = dst.Close()
			_ = os.Remove(tmp)
		}
	}()

	sum := sha256.New()
	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)

	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return CopiedFile{}, fmt.Errorf("rate limiter: %w", err)
				}
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return CopiedFile{}, fmt.Errorf("write error: %w", err)
			}
			sum.Write(buf[:n])
			written += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return CopiedFile{}, fmt.Errorf("read error: %w", rerr)
		}
	}

	if err := dst.Sync(); err != nil {
		return CopiedFile{}, fmt.Errorf("sync error: %w", err)
	}
	if err := dst.Close(); err != nil {
		return CopiedFile{}, fmt.Errorf("close error: %w", err)
	}
	if err := os.Rename(tmp, dstPath); err != nil {
		return CopiedFile{}, fmt.Errorf("rename error: %w", err)
	}
	committed = true

	out := CopiedFile{Path: dstPath, Bytes: written}
	copy(out.SHA256[:], sum.Sum(nil))
	return out, nil
}

// CopyTree copies every regular file under srcDir that keep accepts into the
// same relative location under dstDir. Up to workers files are copied at once
// and all of them share limiter. Results are sorted by path.
func CopyTree(ctx context.Context, srcDir, dstDir string, keep func(rel string) bool, limiter *rate.Limiter, workers int) ([]CopiedFile, error) {
	var rels []string
	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if keep == nil || keep(rel) {
			rels = append(rels, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", srcDir, err)
	}

	if workers <= 0 {
		workers = 1
	}
	results := make([]CopiedFile, len(rels))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, rel := range rels {
		g.Go(func() error {
			res, err := CopyThrottled(gctx, filepath.Join(srcDir, rel), filepath.Join(dstDir, rel), limiter)
			if err != nil {
				return fmt.Errorf("copying %s: %w", rel, err)
			}
			res.Path = rel
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Path < results[j].Path })
	return results, nil
}
