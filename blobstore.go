package bundler

import (
	"context"
	"io"
)

// ByteRange selects a half-open byte range [Start, End) of a blob.
// A nil *ByteRange means the whole blob.
type ByteRange struct {
	Start int64
	End   int64
}

// BlobInfo describes a stored blob.
type BlobInfo struct {
	ETag          string
	ContentLength int64
	ContentType   string
}

// BlobStore is the object store contract the pipeline depends on. Blobs are
// write-once per key; Put must not leave a partial object behind on failure.
type BlobStore interface {
	// Put streams body into the blob at key. Aborts cleanly on upstream read error.
	Put(ctx context.Context, key string, body io.Reader) error
	// Get returns a reader over the blob (or the given range of it) and its etag.
	// Caller closes the reader.
	Get(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, string, error)
	// Head returns blob metadata without the body.
	Head(ctx context.Context, key string) (BlobInfo, error)
	// ByteCount returns the blob's size.
	ByteCount(ctx context.Context, key string) (int64, error)
	// Remove deletes the blob. Removing an absent blob is not an error.
	Remove(ctx context.Context, key string) error
}

// UploadPart describes one uploaded part of a multipart upload.
type UploadPart struct {
	PartNumber int32
	ETag       string
	Size       int64
}

// MultipartStore is the optional multipart extension, implemented by the
// remote (S3) blob store only.
type MultipartStore interface {
	CreateMultipart(ctx context.Context, key string) (uploadID string, err error)
	UploadPartOf(ctx context.Context, key string, uploadID string, partNumber int32, body io.Reader) (etag string, err error)
	Parts(ctx context.Context, key string, uploadID string) ([]UploadPart, error)
	CompleteMultipart(ctx context.Context, key string, uploadID string, parts []UploadPart) (etag string, err error)
	// CopyRange server-side copies [start, end) of srcKey onto dstKey's upload part.
	CopyRange(ctx context.Context, srcKey string, dstKey string, uploadID string, partNumber int32, start, end int64) (etag string, err error)
}
