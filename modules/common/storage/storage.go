package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
	storage_go "github.com/supabase-community/storage-go"

	"quel-tryon-client/modules/common/config"
	"quel-tryon-client/modules/common/logger"
	"quel-tryon-client/modules/common/model"
	"quel-tryon-client/modules/common/utils"
)

// PermissionChecker - host decides whether the user may save files
// (media-library permission on the device)
type PermissionChecker interface {
	CanDownload(ctx context.Context) (bool, error)
}

// AllowAll - PermissionChecker for hosts without a permission prompt
type AllowAll struct{}

func (AllowAll) CanDownload(context.Context) (bool, error) { return true, nil }

// DownloadLogger - see database.Client.InsertDownloadLog
type DownloadLogger interface {
	InsertDownloadLog(ctx context.Context, jobID, format string) error
}

// Client - download/export collaborator over Supabase Storage
type Client struct {
	storage    *storage_go.Client
	baseURL    string
	bucket     string
	ttlSeconds int
	http       *http.Client
	logs       DownloadLogger
	perm       PermissionChecker
	log        zerolog.Logger
}

// NewClient - Storage client for the results bucket
func NewClient(cfg *config.Config, logs DownloadLogger, perm PermissionChecker, log zerolog.Logger) *Client {
	baseURL := strings.TrimRight(cfg.SupabaseURL, "/")
	if perm == nil {
		perm = AllowAll{}
	}
	return &Client{
		storage:    storage_go.NewClient(baseURL+"/storage/v1", cfg.SupabaseServiceKey, nil),
		baseURL:    baseURL,
		bucket:     cfg.SupabaseStorageBucket,
		ttlSeconds: cfg.SignedURLTTLSeconds,
		http:       &http.Client{Timeout: 60 * time.Second},
		logs:       logs,
		perm:       perm,
		log:        logger.Component(log, "storage"),
	}
}

func (c *Client) CheckPermission(ctx context.Context) (bool, error) {
	return c.perm.CanDownload(ctx)
}

// objectPath returns the path inside the bucket when asset points at it.
// Bare paths ("user-1/result.jpg") are taken as bucket paths.
func (c *Client) objectPath(asset string) (string, bool) {
	u, err := url.Parse(asset)
	if err != nil {
		return "", false
	}
	if u.Scheme == "" && u.Host == "" {
		p := strings.TrimPrefix(u.Path, "/")
		return p, p != ""
	}
	if !strings.HasPrefix(asset, c.baseURL+"/") {
		return "", false
	}
	for _, access := range []string{"public", "authenticated", "sign"} {
		prefix := "/storage/v1/object/" + access + "/" + c.bucket + "/"
		if strings.HasPrefix(u.Path, prefix) {
			return strings.TrimPrefix(u.Path, prefix), true
		}
	}
	return "", false
}

// GetDownloadInfo - file name and content type derived from the asset URL
func (c *Client) GetDownloadInfo(job *model.GenerationJob) (*model.DownloadInfo, error) {
	if job == nil || job.ResultAsset == "" {
		return nil, model.ErrNoResultAsset
	}
	ext := ".jpg"
	if u, err := url.Parse(job.ResultAsset); err == nil {
		if e := strings.ToLower(path.Ext(u.Path)); e != "" {
			ext = e
		}
	}
	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &model.DownloadInfo{
		JobID:       job.ID,
		URL:         job.ResultAsset,
		FileName:    fmt.Sprintf("tryon-%s-%s%s", job.Kind, job.ID, ext),
		ContentType: contentType,
	}, nil
}

// GetDownloadURL - signed URL for bucket objects, the asset URL otherwise
func (c *Client) GetDownloadURL(ctx context.Context, job *model.GenerationJob) (string, error) {
	if job == nil || job.ResultAsset == "" {
		return "", model.ErrNoResultAsset
	}
	objectPath, ok := c.objectPath(job.ResultAsset)
	if !ok {
		return job.ResultAsset, nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	resp, err := c.storage.CreateSignedUrl(c.bucket, objectPath, c.ttlSeconds)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s: %w", objectPath, err)
	}
	signed := resp.SignedURL
	if strings.HasPrefix(signed, "/") {
		signed = c.baseURL + "/storage/v1" + signed
	}
	c.log.Debug().Str("job_id", job.ID).Str("path", objectPath).Msg("[Storage] signed download url")
	return signed, nil
}

func (c *Client) LogDownload(ctx context.Context, job *model.GenerationJob, format string) error {
	if c.logs == nil {
		return nil
	}
	return c.logs.InsertDownloadLog(ctx, job.ID, format)
}

// Export fetches the result and re-encodes it per opts.
func (c *Client) Export(ctx context.Context, job *model.GenerationJob, opts model.ExportOptions) (*model.ExportedAsset, error) {
	info, err := c.GetDownloadInfo(job)
	if err != nil {
		return nil, err
	}
	data, err := c.fetch(ctx, job.ResultAsset)
	if err != nil {
		return nil, err
	}

	if opts.Format != "webp" && opts.MaxWidth == 0 {
		return &model.ExportedAsset{FileName: info.FileName, ContentType: info.ContentType, Data: data}, nil
	}

	out, err := utils.ConvertToWebP(data, opts.Quality, opts.MaxWidth)
	if err != nil {
		return nil, fmt.Errorf("failed to export %s: %w", job.ID, err)
	}
	c.log.Info().Str("job_id", job.ID).Int("in_bytes", len(data)).Int("out_bytes", len(out)).Msg("[Storage] exported as webp")
	return &model.ExportedAsset{
		FileName:    strings.TrimSuffix(info.FileName, path.Ext(info.FileName)) + ".webp",
		ContentType: "image/webp",
		Data:        out,
	}, nil
}

func (c *Client) fetch(ctx context.Context, asset string) ([]byte, error) {
	if objectPath, ok := c.objectPath(asset); ok {
		data, err := c.storage.DownloadFile(c.bucket, objectPath)
		if err != nil {
			return nil, fmt.Errorf("failed to download %s: %w", objectPath, err)
		}
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("failed to download image: status %d, body: %s", resp.StatusCode, string(body))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}
	return data, nil
}
