// Package fs is the local filesystem blob store, the dev/test stand-in for
// the remote S3 store. Keys map to nested paths under a root folder.
package fs

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/permadata/bundler"
)

// Directory/File permission.
const permission os.FileMode = os.ModeSticky | os.ModePerm

type blobStore struct {
	rootPath string
}

// NewBlobStore instantiates a blob store rooted at rootPath.
func NewBlobStore(rootPath string) (bundler.BlobStore, error) {
	if rootPath == "" {
		return nil, fmt.Errorf("rootPath parameter can't be empty")
	}
	if err := os.MkdirAll(rootPath, permission); err != nil {
		return nil, fmt.Errorf("creating blob store root %s, details: %v", rootPath, err)
	}
	return &blobStore{rootPath: rootPath}, nil
}

func (b *blobStore) toFilePath(key string) string {
	return filepath.Join(b.rootPath, filepath.FromSlash(key))
}

// Put streams body into a temp file then renames it into place, so a failed
// upload never leaves a partial blob behind.
func (b *blobStore) Put(ctx context.Context, key string, body io.Reader) error {
	fn := b.toFilePath(key)
	dir := filepath.Dir(fn)
	if err := os.MkdirAll(dir, permission); err != nil {
		return fmt.Errorf("creating blob folder %s, details: %v", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("creating temp blob, details: %v", err)
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing blob %s, details: %v", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing blob %s, details: %v", key, err)
	}
	if err := os.Rename(tmp.Name(), fn); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publishing blob %s, details: %v", key, err)
	}
	return nil
}

func (b *blobStore) Get(ctx context.Context, key string, rng *bundler.ByteRange) (io.ReadCloser, string, error) {
	fn := b.toFilePath(key)
	f, err := os.Open(fn)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", bundler.Error{Code: bundler.NotFound, Err: err, UserData: key}
		}
		return nil, "", fmt.Errorf("opening blob %s, details: %v", key, err)
	}
	etag, err := etagOf(f)
	if err != nil {
		f.Close()
		return nil, "", err
	}
	if rng == nil {
		return f, etag, nil
	}
	sr := io.NewSectionReader(f, rng.Start, rng.End-rng.Start)
	return &sectionCloser{Reader: sr, f: f}, etag, nil
}

func (b *blobStore) Head(ctx context.Context, key string) (bundler.BlobInfo, error) {
	fn := b.toFilePath(key)
	f, err := os.Open(fn)
	if err != nil {
		if os.IsNotExist(err) {
			return bundler.BlobInfo{}, bundler.Error{Code: bundler.NotFound, Err: err, UserData: key}
		}
		return bundler.BlobInfo{}, fmt.Errorf("opening blob %s, details: %v", key, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return bundler.BlobInfo{}, fmt.Errorf("stating blob %s, details: %v", key, err)
	}
	etag, err := etagOf(f)
	if err != nil {
		return bundler.BlobInfo{}, err
	}
	return bundler.BlobInfo{
		ETag:          etag,
		ContentLength: st.Size(),
		ContentType:   mime.TypeByExtension(filepath.Ext(key)),
	}, nil
}

func (b *blobStore) ByteCount(ctx context.Context, key string) (int64, error) {
	st, err := os.Stat(b.toFilePath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, bundler.Error{Code: bundler.NotFound, Err: err, UserData: key}
		}
		return 0, fmt.Errorf("stating blob %s, details: %v", key, err)
	}
	return st.Size(), nil
}

func (b *blobStore) Remove(ctx context.Context, key string) error {
	err := os.Remove(b.toFilePath(key))
	// Do nothing if file already not existent.
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing blob %s, details: %v", key, err)
	}
	return nil
}

// etagOf matches the remote store's single-part etag: hex MD5 of the content.
func etagOf(f *os.File) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing blob, details: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewinding blob, details: %v", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type sectionCloser struct {
	io.Reader
	f *os.File
}

func (s *sectionCloser) Close() error { return s.f.Close() }
