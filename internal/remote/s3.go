package remote

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/driveq/driveq/internal/common"
	"github.com/driveq/driveq/internal/logging"
	"github.com/driveq/driveq/internal/models"
	"github.com/google/uuid"
)

// s3API is the slice of the SDK client the adapter calls. Tests substitute
// a fake.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, opts ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPartCopy(ctx context.Context, in *s3.UploadPartCopyInput, opts ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3Client maps the remote-service surface onto an S3 bucket. Folders are
// zero-byte marker objects with a trailing slash, favorites live in object
// metadata, and folder locks are conditional-put lock objects.
type S3Client struct {
	api    s3API
	bucket string
	log    logging.Logger
	tasks  *taskTracker
}

var _ Service = (*S3Client)(nil)

// S3Options configures NewS3Client.
type S3Options struct {
	Bucket       string
	Region       string
	AccessKey    string
	SecretKey    string
	BaseEndpoint string
}

func NewS3Client(ctx context.Context, o S3Options, log logging.Logger) (*S3Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(o.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(o.AccessKey, o.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	api := s3.NewFromConfig(cfg, func(so *s3.Options) {
		if o.BaseEndpoint != "" {
			so.BaseEndpoint = aws.String(o.BaseEndpoint)
			so.UsePathStyle = true
		}
	})
	return &S3Client{api: api, bucket: o.Bucket, log: log, tasks: newTaskTracker()}, nil
}

// newS3ClientWithAPI is the test seam.
func newS3ClientWithAPI(api s3API, bucket string, log logging.Logger) *S3Client {
	return &S3Client{api: api, bucket: bucket, log: log, tasks: newTaskTracker()}
}

func s3Key(p string) string {
	return strings.Trim(p, "/")
}

func (c *S3Client) CreateFolder(ctx context.Context, p string) (string, error) {
	key := s3Key(p) + "/"
	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   strings.NewReader(""),
	})
	if err != nil {
		return "", s3Error("create folder", err)
	}
	return key, nil
}

func (c *S3Client) Delete(ctx context.Context, p string) error {
	key := s3Key(p)

	// A folder marker means everything below the prefix goes too.
	list, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(key + "/"),
	})
	if err != nil {
		return s3Error("delete", err)
	}
	for _, obj := range list.Contents {
		if _, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    obj.Key,
		}); err != nil {
			return s3Error("delete", err)
		}
	}
	if len(list.Contents) > 0 {
		return nil
	}

	if _, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return s3Error("delete", err)
	}
	_, err = c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	return s3Error("delete", err)
}

func (c *S3Client) Move(ctx context.Context, src, dst string, overwrite bool) error {
	if err := c.Copy(ctx, src, dst, overwrite); err != nil {
		return err
	}
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(s3Key(src)),
	})
	return s3Error("move", err)
}

func (c *S3Client) Copy(ctx context.Context, src, dst string, overwrite bool) error {
	if !overwrite {
		_, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(s3Key(dst)),
		})
		if err == nil {
			return fmt.Errorf("copy: %w", common.ErrAlreadyExists)
		}
		if common.Classify(s3Error("copy", err)) != common.ClassNotFound {
			return s3Error("copy", err)
		}
	}
	_, err := c.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(c.bucket),
		Key:        aws.String(s3Key(dst)),
		CopySource: aws.String(c.bucket + "/" + url.PathEscape(s3Key(src))),
	})
	return s3Error("copy", err)
}

// Assemble stitches the uploaded part objects under src into dst with a
// multipart upload, then removes the parts. Part objects sort by their
// zero-padded index names.
func (c *S3Client) Assemble(ctx context.Context, src, dst string, headers map[string]string) error {
	prefix := s3Key(src) + "/"
	list, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return s3Error("assemble", err)
	}
	if len(list.Contents) == 0 {
		return fmt.Errorf("assemble: %w", common.ErrNotFound)
	}
	keys := make([]string, 0, len(list.Contents))
	for _, obj := range list.Contents {
		if aws.ToString(obj.Key) == prefix {
			continue
		}
		keys = append(keys, aws.ToString(obj.Key))
	}
	sort.Strings(keys)

	meta := make(map[string]string, len(headers))
	for k, v := range headers {
		meta[strings.ToLower(k)] = v
	}
	mp, err := c.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(s3Key(dst)),
		Metadata: meta,
	})
	if err != nil {
		return s3Error("assemble", err)
	}

	var parts []types.CompletedPart
	for i, key := range keys {
		out, err := c.api.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
			Bucket:     aws.String(c.bucket),
			Key:        aws.String(s3Key(dst)),
			UploadId:   mp.UploadId,
			PartNumber: aws.Int32(int32(i + 1)),
			CopySource: aws.String(c.bucket + "/" + url.PathEscape(key)),
		})
		if err != nil {
			c.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
				Bucket:   aws.String(c.bucket),
				Key:      aws.String(s3Key(dst)),
				UploadId: mp.UploadId,
			})
			return s3Error("assemble", err)
		}
		parts = append(parts, types.CompletedPart{
			ETag:       out.CopyPartResult.ETag,
			PartNumber: aws.Int32(int32(i + 1)),
		})
	}
	_, err = c.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(c.bucket),
		Key:             aws.String(s3Key(dst)),
		UploadId:        mp.UploadId,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return s3Error("assemble", err)
	}

	for _, key := range keys {
		c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
	}
	c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(prefix),
	})
	return nil
}

func (c *S3Client) ReadMetadata(ctx context.Context, p string, depth int) ([]FileInfo, error) {
	if depth == 0 {
		key := s3Key(p)
		head, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, s3Error("read metadata", err)
		}
		return []FileInfo{{
			ID:        key,
			Path:      "/" + key,
			Name:      path.Base(key),
			Etag:      strings.Trim(aws.ToString(head.ETag), `"`),
			Size:      aws.ToInt64(head.ContentLength),
			Favorite:  head.Metadata["favorite"] == "true",
			Modified:  aws.ToTime(head.LastModified),
			QuotaFree: -1,
		}}, nil
	}

	prefix := s3Key(p)
	if prefix != "" {
		prefix += "/"
	}
	list, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(c.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	if err != nil {
		return nil, s3Error("read metadata", err)
	}

	var infos []FileInfo
	for _, cp := range list.CommonPrefixes {
		key := strings.TrimRight(aws.ToString(cp.Prefix), "/")
		infos = append(infos, FileInfo{
			ID:        key + "/",
			Path:      "/" + key,
			Name:      path.Base(key),
			IsDir:     true,
			QuotaFree: -1,
		})
	}
	for _, obj := range list.Contents {
		key := aws.ToString(obj.Key)
		if key == prefix {
			continue
		}
		infos = append(infos, FileInfo{
			ID:        key,
			Path:      "/" + key,
			Name:      path.Base(key),
			Etag:      strings.Trim(aws.ToString(obj.ETag), `"`),
			Size:      aws.ToInt64(obj.Size),
			Modified:  aws.ToTime(obj.LastModified),
			QuotaFree: -1,
		})
	}
	return infos, nil
}

func (c *S3Client) SetFavorite(ctx context.Context, p string, favorite bool) error {
	key := s3Key(p)
	head, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return s3Error("set favorite", err)
	}
	meta := make(map[string]string, len(head.Metadata)+1)
	for k, v := range head.Metadata {
		meta[k] = v
	}
	meta["favorite"] = strconv.FormatBool(favorite)
	_, err = c.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(c.bucket),
		Key:               aws.String(key),
		CopySource:        aws.String(c.bucket + "/" + url.PathEscape(key)),
		Metadata:          meta,
		MetadataDirective: types.MetadataDirectiveReplace,
	})
	return s3Error("set favorite", err)
}

func (c *S3Client) Upload(ctx context.Context, p, localPath string, headers map[string]string, opts *TransferOptions) (*UploadResult, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", localPath, err)
	}

	lane := models.LaneForeground
	var onProgress func(int64, int64)
	if opts != nil {
		if opts.Lane != "" {
			lane = opts.Lane
		}
		onProgress = opts.OnProgress
	}
	taskID := c.tasks.begin(lane)
	defer c.tasks.end(lane, taskID)
	if opts != nil && opts.OnTask != nil {
		opts.OnTask(taskID)
	}

	meta := make(map[string]string, len(headers))
	for k, v := range headers {
		meta[strings.ToLower(k)] = v
	}
	key := s3Key(p)
	out, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          &progressReader{r: f, total: st.Size(), fn: onProgress},
		ContentLength: aws.Int64(st.Size()),
		Metadata:      meta,
	})
	if err != nil {
		return nil, s3Error("upload", err)
	}
	c.log.Debug(ctx, "upload finished", "key", key, "size", st.Size())
	return &UploadResult{
		ID:   key,
		Etag: strings.Trim(aws.ToString(out.ETag), `"`),
	}, nil
}

func (c *S3Client) Download(ctx context.Context, p, localPath string, opts *TransferOptions) (*DownloadResult, error) {
	lane := models.LaneForeground
	var onProgress func(int64, int64)
	if opts != nil {
		if opts.Lane != "" {
			lane = opts.Lane
		}
		onProgress = opts.OnProgress
	}
	taskID := c.tasks.begin(lane)
	defer c.tasks.end(lane, taskID)
	if opts != nil && opts.OnTask != nil {
		opts.OnTask(taskID)
	}

	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(s3Key(p)),
	})
	if err != nil {
		return nil, s3Error("download", err)
	}
	defer out.Body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", localPath, err)
	}
	dst := &progressWriter{w: f, total: aws.ToInt64(out.ContentLength), fn: onProgress}
	n, err := io.Copy(dst, out.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(localPath)
		return nil, fmt.Errorf("downloading %s: %w", p, err)
	}
	return &DownloadResult{
		Etag:     strings.Trim(aws.ToString(out.ETag), `"`),
		Modified: aws.ToTime(out.LastModified),
		Length:   n,
	}, nil
}

func lockKey(folderID string) string {
	return ".locks/" + folderID
}

func metaKey(folderID string) string {
	return ".meta/" + folderID + ".json"
}

// LockFolder writes the lock object conditionally so a second writer loses
// the race with ErrLockHeld.
func (c *S3Client) LockFolder(ctx context.Context, folderID string) (string, error) {
	token := uuid.NewString()
	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(lockKey(folderID)),
		Body:        strings.NewReader(token),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		return "", s3Error("lock folder", err)
	}
	return token, nil
}

func (c *S3Client) UnlockFolder(ctx context.Context, folderID, token string) error {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(lockKey(folderID)),
	})
	if err != nil {
		return s3Error("unlock folder", err)
	}
	held, err := io.ReadAll(out.Body)
	out.Body.Close()
	if err != nil {
		return fmt.Errorf("unlock folder: %w", err)
	}
	if string(held) != token {
		return fmt.Errorf("unlock folder: %w", common.ErrLockHeld)
	}
	_, err = c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(lockKey(folderID)),
	})
	return s3Error("unlock folder", err)
}

func (c *S3Client) GetEncryptedMetadata(ctx context.Context, folderID, token string) (string, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(metaKey(folderID)),
	})
	if err != nil {
		mapped := s3Error("get metadata", err)
		if common.Classify(mapped) == common.ClassNotFound {
			return "", nil
		}
		return "", mapped
	}
	defer out.Body.Close()
	b, err := io.ReadAll(out.Body)
	if err != nil {
		return "", fmt.Errorf("get metadata: %w", err)
	}
	return string(b), nil
}

func (c *S3Client) PutEncryptedMetadata(ctx context.Context, folderID, token, doc, method string) error {
	if method == MetadataDelete {
		_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(metaKey(folderID)),
		})
		return s3Error("delete metadata", err)
	}
	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(metaKey(folderID)),
		Body:        strings.NewReader(doc),
		ContentType: aws.String("application/json"),
	})
	return s3Error("put metadata", err)
}

func (c *S3Client) LiveTasks(ctx context.Context, lane models.Lane) ([]int, error) {
	return c.tasks.live(lane), nil
}
