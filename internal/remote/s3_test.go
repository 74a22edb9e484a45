package remote

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/driveq/driveq/internal/common"
	"github.com/driveq/driveq/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObject struct {
	data []byte
	meta map[string]string
}

// fakeBucket is an in-memory stand-in for the S3 API slice the adapter
// uses.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	pending map[string][][]byte
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{
		objects: make(map[string]fakeObject),
		pending: make(map[string][][]byte),
	}
}

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

func (f *fakeBucket) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	if aws.ToString(in.IfNoneMatch) == "*" {
		if _, ok := f.objects[key]; ok {
			return nil, apiError("PreconditionFailed")
		}
	}
	var data []byte
	if in.Body != nil {
		b, err := io.ReadAll(in.Body)
		if err != nil {
			return nil, err
		}
		data = b
	}
	f.objects[key] = fakeObject{data: data, meta: in.Metadata}
	return &s3.PutObjectOutput{ETag: aws.String(`"etag-` + key + `"`)}, nil
}

func (f *fakeBucket) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, apiError("NoSuchKey")
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.data)),
		ContentLength: aws.Int64(int64(len(obj.data))),
		ETag:          aws.String(`"etag-` + aws.ToString(in.Key) + `"`),
		LastModified:  aws.Time(time.Now()),
		Metadata:      obj.meta,
	}, nil
}

func (f *fakeBucket) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, apiError("NotFound")
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		ETag:          aws.String(`"etag-` + aws.ToString(in.Key) + `"`),
		LastModified:  aws.Time(time.Now()),
		Metadata:      obj.meta,
	}, nil
}

func (f *fakeBucket) copySourceKey(src string) string {
	s, _ := url.PathUnescape(src)
	_, key, _ := strings.Cut(s, "/")
	return key
}

func (f *fakeBucket) CopyObject(ctx context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src, ok := f.objects[f.copySourceKey(aws.ToString(in.CopySource))]
	if !ok {
		return nil, apiError("NoSuchKey")
	}
	meta := src.meta
	if in.MetadataDirective == types.MetadataDirectiveReplace {
		meta = in.Metadata
	}
	f.objects[aws.ToString(in.Key)] = fakeObject{data: src.data, meta: meta}
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeBucket) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeBucket) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := aws.ToString(in.Prefix)
	delim := aws.ToString(in.Delimiter)
	out := &s3.ListObjectsV2Output{}
	seenPrefix := map[string]bool{}
	for key, obj := range f.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := key[len(prefix):]
		if delim != "" {
			if i := strings.Index(rest, delim); i >= 0 {
				cp := prefix + rest[:i+1]
				if !seenPrefix[cp] {
					seenPrefix[cp] = true
					out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(cp)})
				}
				continue
			}
		}
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(key),
			Size:         aws.Int64(int64(len(obj.data))),
			ETag:         aws.String(`"etag-` + key + `"`),
			LastModified: aws.Time(time.Now()),
		})
	}
	return out, nil
}

func (f *fakeBucket) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "mp-" + aws.ToString(in.Key)
	f.pending[id] = nil
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (f *fakeBucket) UploadPartCopy(ctx context.Context, in *s3.UploadPartCopyInput, _ ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src, ok := f.objects[f.copySourceKey(aws.ToString(in.CopySource))]
	if !ok {
		return nil, apiError("NoSuchKey")
	}
	id := aws.ToString(in.UploadId)
	f.pending[id] = append(f.pending[id], src.data)
	return &s3.UploadPartCopyOutput{
		CopyPartResult: &types.CopyPartResult{ETag: aws.String(`"part"`)},
	}, nil
}

func (f *fakeBucket) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(in.UploadId)
	var data []byte
	for _, part := range f.pending[id] {
		data = append(data, part...)
	}
	delete(f.pending, id)
	f.objects[aws.ToString(in.Key)] = fakeObject{data: data}
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeBucket) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, aws.ToString(in.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

func newTestS3(t *testing.T) (*S3Client, *fakeBucket) {
	t.Helper()
	b := newFakeBucket()
	return newS3ClientWithAPI(b, "test-bucket", logging.Nop()), b
}

func TestS3LockFolderConflict(t *testing.T) {
	c, _ := newTestS3(t)
	ctx := context.Background()

	token, err := c.LockFolder(ctx, "folder-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, err = c.LockFolder(ctx, "folder-1")
	assert.ErrorIs(t, err, common.ErrLockHeld)

	require.NoError(t, c.UnlockFolder(ctx, "folder-1", token))
	_, err = c.LockFolder(ctx, "folder-1")
	assert.NoError(t, err)
}

func TestS3UnlockRejectsWrongToken(t *testing.T) {
	c, _ := newTestS3(t)
	ctx := context.Background()

	_, err := c.LockFolder(ctx, "folder-1")
	require.NoError(t, err)

	err = c.UnlockFolder(ctx, "folder-1", "someone-elses-token")
	assert.ErrorIs(t, err, common.ErrLockHeld)
}

func TestS3CopyWithoutOverwrite(t *testing.T) {
	c, b := newTestS3(t)
	ctx := context.Background()
	b.objects["a.txt"] = fakeObject{data: []byte("a")}
	b.objects["b.txt"] = fakeObject{data: []byte("b")}

	err := c.Copy(ctx, "/a.txt", "/b.txt", false)
	assert.ErrorIs(t, err, common.ErrAlreadyExists)

	require.NoError(t, c.Copy(ctx, "/a.txt", "/c.txt", false))
	assert.Equal(t, []byte("a"), b.objects["c.txt"].data)
}

func TestS3MoveRemovesSource(t *testing.T) {
	c, b := newTestS3(t)
	ctx := context.Background()
	b.objects["a.txt"] = fakeObject{data: []byte("a")}

	require.NoError(t, c.Move(ctx, "/a.txt", "/moved.txt", true))
	_, srcLeft := b.objects["a.txt"]
	assert.False(t, srcLeft)
	assert.Equal(t, []byte("a"), b.objects["moved.txt"].data)
}

func TestS3MetadataDocumentLifecycle(t *testing.T) {
	c, _ := newTestS3(t)
	ctx := context.Background()

	doc, err := c.GetEncryptedMetadata(ctx, "f1", "tok")
	require.NoError(t, err)
	assert.Empty(t, doc)

	require.NoError(t, c.PutEncryptedMetadata(ctx, "f1", "tok", `{"version":1}`, MetadataPost))
	doc, err = c.GetEncryptedMetadata(ctx, "f1", "tok")
	require.NoError(t, err)
	assert.Equal(t, `{"version":1}`, doc)

	require.NoError(t, c.PutEncryptedMetadata(ctx, "f1", "tok", "", MetadataDelete))
	doc, err = c.GetEncryptedMetadata(ctx, "f1", "tok")
	require.NoError(t, err)
	assert.Empty(t, doc)
}

func TestS3AssembleConcatenatesParts(t *testing.T) {
	c, b := newTestS3(t)
	ctx := context.Background()
	b.objects["uploads/tid/"] = fakeObject{}
	b.objects["uploads/tid/00002"] = fakeObject{data: []byte("world")}
	b.objects["uploads/tid/00001"] = fakeObject{data: []byte("hello ")}

	require.NoError(t, c.Assemble(ctx, "/uploads/tid", "/files/big.bin", map[string]string{"X-OC-Mtime": "123"}))

	assert.Equal(t, []byte("hello world"), b.objects["files/big.bin"].data)
	for key := range b.objects {
		assert.NotContains(t, key, "uploads/tid/")
	}
}

func TestS3AssembleEmptyIsNotFound(t *testing.T) {
	c, _ := newTestS3(t)
	err := c.Assemble(context.Background(), "/uploads/none", "/files/x", nil)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestS3SetFavorite(t *testing.T) {
	c, b := newTestS3(t)
	ctx := context.Background()
	b.objects["doc.txt"] = fakeObject{data: []byte("d"), meta: map[string]string{"x-oc-mtime": "1"}}

	require.NoError(t, c.SetFavorite(ctx, "/doc.txt", true))

	infos, err := c.ReadMetadata(ctx, "/doc.txt", 0)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Favorite)
	// replacing metadata keeps the existing keys
	assert.Equal(t, "1", b.objects["doc.txt"].meta["x-oc-mtime"])
}

func TestS3ReadMetadataDepthOne(t *testing.T) {
	c, b := newTestS3(t)
	b.objects["photos/"] = fakeObject{}
	b.objects["photos/cat.jpg"] = fakeObject{data: []byte("img")}
	b.objects["photos/sub/"] = fakeObject{}
	b.objects["photos/sub/deep.txt"] = fakeObject{data: []byte("x")}

	infos, err := c.ReadMetadata(context.Background(), "/photos", 1)
	require.NoError(t, err)

	var names []string
	var dirs int
	for _, fi := range infos {
		names = append(names, fi.Name)
		if fi.IsDir {
			dirs++
		}
	}
	assert.ElementsMatch(t, []string{"cat.jpg", "sub"}, names)
	assert.Equal(t, 1, dirs)
}

func TestS3UploadDownload(t *testing.T) {
	c, _ := newTestS3(t)
	ctx := context.Background()
	dir := t.TempDir()

	src := filepath.Join(dir, "src.bin")
	require.NoError(t, os.WriteFile(src, []byte("round trip"), 0o600))

	res, err := c.Upload(ctx, "/files/src.bin", src, map[string]string{"X-OC-Mtime": "5"}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Etag)

	dst := filepath.Join(dir, "dst.bin")
	dl, err := c.Download(ctx, "/files/src.bin", dst, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(10), dl.Length)

	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "round trip", string(b))
}

func TestS3DeleteFolderRemovesPrefix(t *testing.T) {
	c, b := newTestS3(t)
	b.objects["photos/"] = fakeObject{}
	b.objects["photos/a.jpg"] = fakeObject{data: []byte("a")}
	b.objects["photos/b.jpg"] = fakeObject{data: []byte("b")}
	b.objects["other.txt"] = fakeObject{data: []byte("o")}

	require.NoError(t, c.Delete(context.Background(), "/photos"))

	assert.Len(t, b.objects, 1)
	_, ok := b.objects["other.txt"]
	assert.True(t, ok)
}
