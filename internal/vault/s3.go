package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"arcstore/internal/backup"
)

// versionMetaKey is the object metadata entry holding a document version.
const versionMetaKey = "arcstore-version"

// S3API is the subset of the S3 client the vault uses.
type S3API interface {
	manager.UploadAPIClient
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Vault stores snapshots in a bucket under an optional key prefix:
//
//	<prefix>/content/<checksum>
//	<prefix>/metadata/<instanceID>/<name>
//
// Metadata versions travel as object metadata on the document itself, so a
// document and its version are replaced together.
type S3Vault struct {
	name     string
	client   S3API
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

var _ backup.Vault = (*S3Vault)(nil)

func NewS3Vault(name string, client S3API, bucket, prefix string) *S3Vault {
	return &S3Vault{
		name:     name,
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
	}
}

func (v *S3Vault) contentKey(checksum string) string {
	return path.Join(v.prefix, "content", checksum)
}

func (v *S3Vault) metadataKey(instanceID, name string) string {
	return path.Join(v.prefix, "metadata", instanceID, name)
}

// PutContent uploads content unless the checksum is already stored.
func (v *S3Vault) PutContent(ctx context.Context, checksum string, r io.Reader, size int64) error {
	if err := checkName(checksum); err != nil {
		return err
	}
	key := v.contentKey(checksum)

	if _, err := v.head(ctx, key); err == nil {
		written, err := io.Copy(io.Discard, r)
		if err != nil {
			return fmt.Errorf("reading content: %w", err)
		}
		if written != size {
			return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
		}
		return nil
	} else if !errors.Is(err, backup.ErrNotFound) {
		return err
	}

	return v.upload(ctx, key, r, size, nil)
}

func (v *S3Vault) GetContent(ctx context.Context, checksum string, w io.Writer) error {
	if err := checkName(checksum); err != nil {
		return err
	}
	return v.download(ctx, v.contentKey(checksum), w)
}

func (v *S3Vault) PutMetadata(ctx context.Context, instanceID, name string, r io.Reader, size int64, version int64) error {
	if err := checkName(instanceID); err != nil {
		return err
	}
	if err := checkName(name); err != nil {
		return err
	}
	meta := map[string]string{versionMetaKey: strconv.FormatInt(version, 10)}
	return v.upload(ctx, v.metadataKey(instanceID, name), r, size, meta)
}

func (v *S3Vault) GetMetadata(ctx context.Context, instanceID, name string, w io.Writer) error {
	if err := checkName(instanceID); err != nil {
		return err
	}
	if err := checkName(name); err != nil {
		return err
	}
	return v.download(ctx, v.metadataKey(instanceID, name), w)
}

// GetMetadataVersion returns 0 when the document does not exist.
func (v *S3Vault) GetMetadataVersion(ctx context.Context, instanceID, name string) (int64, error) {
	if err := checkName(instanceID); err != nil {
		return 0, err
	}
	if err := checkName(name); err != nil {
		return 0, err
	}
	out, err := v.head(ctx, v.metadataKey(instanceID, name))
	if errors.Is(err, backup.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	raw, ok := out.Metadata[versionMetaKey]
	if !ok {
		return 0, fmt.Errorf("metadata %q for instance %s has no version", name, instanceID)
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version: %w", err)
	}
	return version, nil
}

func (v *S3Vault) ValidateSetup(ctx context.Context) error {
	if _, err := v.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(v.bucket)}); err != nil {
		return fmt.Errorf("bucket %s not accessible: %w", v.bucket, err)
	}
	return nil
}

func (v *S3Vault) head(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	out, err := v.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		var nsk *types.NoSuchKey
		if errors.As(err, &nf) || errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", backup.ErrNotFound, key)
		}
		return nil, fmt.Errorf("checking object %s: %w", key, err)
	}
	return out, nil
}

// upload streams r to key and removes the object again if the stream was
// not exactly size bytes long.
func (v *S3Vault) upload(ctx context.Context, key string, r io.Reader, size int64, meta map[string]string) error {
	cr := &countingReader{r: r}
	_, err := v.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(v.bucket),
		Key:      aws.String(key),
		Body:     cr,
		Metadata: meta,
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	if cr.n != size {
		if _, err := v.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(v.bucket), Key: aws.String(key)}); err != nil {
			return fmt.Errorf("size mismatch on %s (expected %d bytes, got %d), removing it failed: %w", key, size, cr.n, err)
		}
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, cr.n)
	}
	return nil
}

func (v *S3Vault) download(ctx context.Context, key string, w io.Writer) error {
	out, err := v.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return fmt.Errorf("%w: %s", backup.ErrNotFound, key)
		}
		return fmt.Errorf("getting object %s: %w", key, err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("reading object %s: %w", key, err)
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
