// Package aws_s3 is the remote blob store over an S3-compatible service.
// It implements the full contract including the multipart extension.
package aws_s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/permadata/bundler"
)

type blobStore struct {
	S3Client *s3.Client
	uploader *manager.Uploader
	bucket   string
}

// NewBlobStore returns a blob store over one S3 bucket. Put streams through
// the transfer manager so huge payloads never buffer whole in memory.
func NewBlobStore(s3Client *s3.Client, bucketName string) (bundler.BlobStore, error) {
	if s3Client == nil {
		return nil, fmt.Errorf("s3Client parameter can't be nil")
	}
	if bucketName == "" {
		return nil, fmt.Errorf("bucketName parameter can't be empty")
	}
	return &blobStore{
		S3Client: s3Client,
		uploader: manager.NewUploader(s3Client),
		bucket:   bucketName,
	}, nil
}

func (b *blobStore) Put(ctx context.Context, key string, body io.Reader) error {
	_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("couldn't upload blob %s to bucket %s, details: %v", key, b.bucket, err)
	}
	return nil
}

func (b *blobStore) Get(ctx context.Context, key string, rng *bundler.ByteRange) (io.ReadCloser, string, error) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}
	if rng != nil {
		// HTTP ranges are inclusive on both ends.
		in.Range = aws.String(fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End-1))
	}
	out, err := b.S3Client.GetObject(ctx, in)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, "", bundler.Error{Code: bundler.NotFound, Err: err, UserData: key}
		}
		return nil, "", fmt.Errorf("couldn't get blob %s, details: %v", key, err)
	}
	return out.Body, aws.ToString(out.ETag), nil
}

func (b *blobStore) Head(ctx context.Context, key string) (bundler.BlobInfo, error) {
	out, err := b.S3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return bundler.BlobInfo{}, bundler.Error{Code: bundler.NotFound, Err: err, UserData: key}
		}
		return bundler.BlobInfo{}, fmt.Errorf("couldn't head blob %s, details: %v", key, err)
	}
	return bundler.BlobInfo{
		ETag:          strings.Trim(aws.ToString(out.ETag), `"`),
		ContentLength: aws.ToInt64(out.ContentLength),
		ContentType:   aws.ToString(out.ContentType),
	}, nil
}

func (b *blobStore) ByteCount(ctx context.Context, key string) (int64, error) {
	info, err := b.Head(ctx, key)
	if err != nil {
		return 0, err
	}
	return info.ContentLength, nil
}

func (b *blobStore) Remove(ctx context.Context, key string) error {
	_, err := b.S3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("couldn't remove blob %s, details: %v", key, err)
	}
	return nil
}

// Multipart extension.

func (b *blobStore) CreateMultipart(ctx context.Context, key string) (string, error) {
	out, err := b.S3Client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("couldn't create multipart upload for %s, details: %v", key, err)
	}
	return aws.ToString(out.UploadId), nil
}

func (b *blobStore) UploadPartOf(ctx context.Context, key string, uploadID string, partNumber int32, body io.Reader) (string, error) {
	out, err := b.S3Client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
		Body:       body,
	})
	if err != nil {
		return "", fmt.Errorf("couldn't upload part %d of %s, details: %v", partNumber, key, err)
	}
	return strings.Trim(aws.ToString(out.ETag), `"`), nil
}

func (b *blobStore) Parts(ctx context.Context, key string, uploadID string) ([]bundler.UploadPart, error) {
	var parts []bundler.UploadPart
	var marker *string
	for {
		out, err := b.S3Client.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(b.bucket),
			Key:              aws.String(key),
			UploadId:         aws.String(uploadID),
			PartNumberMarker: marker,
		})
		if err != nil {
			return nil, fmt.Errorf("couldn't list parts of %s, details: %v", key, err)
		}
		for _, p := range out.Parts {
			parts = append(parts, bundler.UploadPart{
				PartNumber: aws.ToInt32(p.PartNumber),
				ETag:       strings.Trim(aws.ToString(p.ETag), `"`),
				Size:       aws.ToInt64(p.Size),
			})
		}
		if !aws.ToBool(out.IsTruncated) {
			return parts, nil
		}
		marker = out.NextPartNumberMarker
	}
}

func (b *blobStore) CompleteMultipart(ctx context.Context, key string, uploadID string, parts []bundler.UploadPart) (string, error) {
	completed := make([]types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = types.CompletedPart{
			PartNumber: aws.Int32(p.PartNumber),
			ETag:       aws.String(p.ETag),
		}
	}
	out, err := b.S3Client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(b.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return "", fmt.Errorf("couldn't complete multipart upload for %s, details: %v", key, err)
	}
	return strings.Trim(aws.ToString(out.ETag), `"`), nil
}

func (b *blobStore) CopyRange(ctx context.Context, srcKey string, dstKey string, uploadID string, partNumber int32, start, end int64) (string, error) {
	out, err := b.S3Client.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
		Bucket:          aws.String(b.bucket),
		Key:             aws.String(dstKey),
		UploadId:        aws.String(uploadID),
		PartNumber:      aws.Int32(partNumber),
		CopySource:      aws.String(b.bucket + "/" + srcKey),
		CopySourceRange: aws.String(fmt.Sprintf("bytes=%d-%d", start, end-1)),
	})
	if err != nil {
		return "", fmt.Errorf("couldn't copy range of %s onto %s, details: %v", srcKey, dstKey, err)
	}
	return strings.Trim(aws.ToString(out.CopyPartResult.ETag), `"`), nil
}

func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	return errors.As(err, &nf)
}
