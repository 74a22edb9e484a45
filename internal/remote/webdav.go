package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/driveq/driveq/internal/common"
	"github.com/driveq/driveq/internal/logging"
	"github.com/driveq/driveq/internal/models"
	"github.com/sethvargo/go-retry"
)

// WebDAVClient talks to a WebDAV file server with a small sidecar API for
// folder locks and encrypted metadata documents.
type WebDAVClient struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	log     logging.Logger
	tasks   *taskTracker
}

var _ Service = (*WebDAVClient)(nil)

// NewWebDAVClient returns a client rooted at baseURL. The trailing slash is
// normalized away so path joining stays predictable.
func NewWebDAVClient(baseURL string, tokens TokenSource, log logging.Logger) *WebDAVClient {
	return &WebDAVClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		tokens:  tokens,
		log:     log,
		tasks:   newTaskTracker(),
	}
}

func (c *WebDAVClient) fileURL(p string) string {
	segs := strings.Split(strings.Trim(p, "/"), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return c.baseURL + "/files/" + strings.Join(segs, "/")
}

func (c *WebDAVClient) newRequest(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	tok, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("fetching token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return req, nil
}

// do runs the request and maps any non-2xx status to a sentinel error. The
// response body is returned open only on success.
func (c *WebDAVClient) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	if err := statusError(resp.StatusCode, resp.Header.Get("X-Reason")); err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	return resp, nil
}

func (c *WebDAVClient) CreateFolder(ctx context.Context, p string) (string, error) {
	req, err := c.newRequest(ctx, "MKCOL", c.fileURL(p), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	return resp.Header.Get("OC-FileId"), nil
}

func (c *WebDAVClient) Delete(ctx context.Context, p string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, c.fileURL(p), nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (c *WebDAVClient) Move(ctx context.Context, src, dst string, overwrite bool) error {
	return c.relocate(ctx, "MOVE", src, dst, overwrite, nil)
}

func (c *WebDAVClient) Copy(ctx context.Context, src, dst string, overwrite bool) error {
	return c.relocate(ctx, "COPY", src, dst, overwrite, nil)
}

func (c *WebDAVClient) Assemble(ctx context.Context, src, dst string, headers map[string]string) error {
	return c.relocate(ctx, "MOVE", src, dst, true, headers)
}

func (c *WebDAVClient) relocate(ctx context.Context, method, src, dst string, overwrite bool, headers map[string]string) error {
	req, err := c.newRequest(ctx, method, c.fileURL(src), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Destination", c.fileURL(dst))
	if overwrite {
		req.Header.Set("Overwrite", "T")
	} else {
		req.Header.Set("Overwrite", "F")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

const propfindBody = `<?xml version="1.0"?>
<d:propfind xmlns:d="DAV:" xmlns:oc="http://owncloud.org/ns">
  <d:prop>
    <d:getetag/>
    <d:getcontentlength/>
    <d:getlastmodified/>
    <d:creationdate/>
    <d:resourcetype/>
    <d:quota-available-bytes/>
    <oc:id/>
    <oc:favorite/>
  </d:prop>
</d:propfind>`

type multistatus struct {
	Responses []davResponse `xml:"response"`
}

type davResponse struct {
	Href     string `xml:"href"`
	Propstat []struct {
		Status string  `xml:"status"`
		Prop   davProp `xml:"prop"`
	} `xml:"propstat"`
}

type davProp struct {
	Etag         string   `xml:"getetag"`
	Length       int64    `xml:"getcontentlength"`
	LastModified string   `xml:"getlastmodified"`
	Created      string   `xml:"creationdate"`
	QuotaFree    *int64   `xml:"quota-available-bytes"`
	ID           string   `xml:"id"`
	Favorite     string   `xml:"favorite"`
	ResourceType struct {
		Collection *struct{} `xml:"collection"`
	} `xml:"resourcetype"`
}

func (c *WebDAVClient) ReadMetadata(ctx context.Context, p string, depth int) ([]FileInfo, error) {
	var infos []FileInfo
	backoff := retry.WithMaxRetries(3, retry.NewExponential(300*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		infos, err = c.readMetadataOnce(ctx, p, depth)
		if err != nil && common.Classify(err) == common.ClassTransient {
			return retry.RetryableError(err)
		}
		return err
	})
	return infos, err
}

func (c *WebDAVClient) readMetadataOnce(ctx context.Context, p string, depth int) ([]FileInfo, error) {
	req, err := c.newRequest(ctx, "PROPFIND", c.fileURL(p), strings.NewReader(propfindBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Depth", strconv.Itoa(depth))
	req.Header.Set("Content-Type", "application/xml")
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var ms multistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, fmt.Errorf("decoding propfind response: %w", err)
	}

	infos := make([]FileInfo, 0, len(ms.Responses))
	for _, r := range ms.Responses {
		for _, ps := range r.Propstat {
			if !strings.Contains(ps.Status, "200") {
				continue
			}
			href, _ := url.PathUnescape(r.Href)
			info := FileInfo{
				ID:        ps.Prop.ID,
				Path:      href,
				Name:      path.Base(strings.TrimRight(href, "/")),
				Etag:      strings.Trim(ps.Prop.Etag, `"`),
				Size:      ps.Prop.Length,
				IsDir:     ps.Prop.ResourceType.Collection != nil,
				Favorite:  ps.Prop.Favorite == "1",
				QuotaFree: -1,
			}
			if ps.Prop.QuotaFree != nil {
				info.QuotaFree = *ps.Prop.QuotaFree
			}
			if t, err := time.Parse(http.TimeFormat, ps.Prop.LastModified); err == nil {
				info.Modified = t
			}
			if t, err := time.Parse(time.RFC3339, ps.Prop.Created); err == nil {
				info.Created = t
			}
			infos = append(infos, info)
		}
	}
	return infos, nil
}

const proppatchBody = `<?xml version="1.0"?>
<d:propertyupdate xmlns:d="DAV:" xmlns:oc="http://owncloud.org/ns">
  <d:set><d:prop><oc:favorite>%d</oc:favorite></d:prop></d:set>
</d:propertyupdate>`

func (c *WebDAVClient) SetFavorite(ctx context.Context, p string, favorite bool) error {
	v := 0
	if favorite {
		v = 1
	}
	body := fmt.Sprintf(proppatchBody, v)
	req, err := c.newRequest(ctx, "PROPPATCH", c.fileURL(p), strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/xml")
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (c *WebDAVClient) Upload(ctx context.Context, p, localPath string, headers map[string]string, opts *TransferOptions) (*UploadResult, error) {
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

	body := &progressReader{r: f, total: st.Size(), fn: onProgress}
	req, err := c.newRequest(ctx, http.MethodPut, c.fileURL(p), body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = st.Size()
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	res := &UploadResult{
		ID:   resp.Header.Get("OC-FileId"),
		Etag: strings.Trim(resp.Header.Get("ETag"), `"`),
	}
	if t, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		res.Modified = t
	}
	c.log.Debug(ctx, "upload finished", "path", p, "size", st.Size(), "etag", res.Etag)
	return res, nil
}

func (c *WebDAVClient) Download(ctx context.Context, p, localPath string, opts *TransferOptions) (*DownloadResult, error) {
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

	req, err := c.newRequest(ctx, http.MethodGet, c.fileURL(p), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", localPath, err)
	}
	dst := &progressWriter{w: f, total: resp.ContentLength, fn: onProgress}
	n, err := io.Copy(dst, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(localPath)
		return nil, fmt.Errorf("downloading %s: %w", p, err)
	}

	res := &DownloadResult{
		Etag:   strings.Trim(resp.Header.Get("ETag"), `"`),
		Length: n,
	}
	if t, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		res.Modified = t
	}
	c.log.Debug(ctx, "download finished", "path", p, "size", n)
	return res, nil
}

func (c *WebDAVClient) LockFolder(ctx context.Context, folderID string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, c.baseURL+"/locks/"+url.PathEscape(folderID), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding lock response: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("lock response carried no token")
	}
	return out.Token, nil
}

func (c *WebDAVClient) UnlockFolder(ctx context.Context, folderID, token string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, c.baseURL+"/locks/"+url.PathEscape(folderID), nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Lock-Token", token)
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (c *WebDAVClient) GetEncryptedMetadata(ctx context.Context, folderID, token string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL+"/meta/"+url.PathEscape(folderID), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-Lock-Token", token)
	resp, err := c.do(req)
	if err != nil {
		if common.Classify(err) == common.ClassNotFound {
			return "", nil
		}
		return "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading metadata body: %w", err)
	}
	return string(b), nil
}

func (c *WebDAVClient) PutEncryptedMetadata(ctx context.Context, folderID, token, doc, method string) error {
	var body io.Reader
	if method != MetadataDelete {
		body = bytes.NewBufferString(doc)
	}
	req, err := c.newRequest(ctx, method, c.baseURL+"/meta/"+url.PathEscape(folderID), body)
	if err != nil {
		return err
	}
	req.Header.Set("X-Lock-Token", token)
	if method != MetadataDelete {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (c *WebDAVClient) LiveTasks(ctx context.Context, lane models.Lane) ([]int, error) {
	return c.tasks.live(lane), nil
}
