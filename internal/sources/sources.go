package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"lectern/internal/fileutil"
	"lectern/internal/logging"
	"lectern/internal/retry"
	"lectern/internal/services"
	"lectern/internal/storage"
)

// Input types.
const (
	TypeUpload         = "upload"
	TypeURL            = "url"
	TypeLectureCapture = "lecture_capture"
)

// Descriptor identifies a job's input.
type Descriptor struct {
	Type        string `json:"type"`
	Ref         string `json:"ref"`
	DisplayName string `json:"display_name,omitempty"`
}

// Validate checks the descriptor shape without touching the network.
func (d Descriptor) Validate() error {
	ref := strings.TrimSpace(d.Ref)
	if ref == "" {
		return services.Wrap(services.ErrValidation, "", "source descriptor", "reference required", nil)
	}
	switch d.Type {
	case TypeUpload:
		return storage.ValidateKey(ref)
	case TypeURL:
		u, err := url.Parse(ref)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return services.Wrap(services.ErrValidation, "", "source descriptor", fmt.Sprintf("invalid url %q", ref), err)
		}
		return nil
	case TypeLectureCapture:
		return nil
	default:
		return services.Wrap(services.ErrValidation, "", "source descriptor", fmt.Sprintf("unknown input type %q", d.Type), nil)
	}
}

// Label returns a human readable name for the source.
func (d Descriptor) Label() string {
	if name := strings.TrimSpace(d.DisplayName); name != "" {
		return name
	}
	ref := strings.TrimSpace(d.Ref)
	if d.Type == TypeURL || d.Type == TypeUpload {
		if u, err := url.Parse(ref); err == nil && u.Path != "" {
			if base := path.Base(u.Path); base != "/" && base != "." {
				return base
			}
		}
	}
	return ref
}

// Media is a retrieved local file.
type Media struct {
	LocalPath   string
	SourceID    string
	Size        int64
	ContentType string
	Extension   string
}

// StreamFetcher remuxes a streaming playlist into a single local file.
type StreamFetcher interface {
	FetchStream(ctx context.Context, playlistURL, dest string) error
}

// Config tunes the retriever.
type Config struct {
	LectureCaptureURL string
	MaxDownloadBytes  int64
}

// Retriever implements source resolution.
type Retriever struct {
	cfg        Config
	store      storage.Storage
	executor   *retry.Executor
	httpClient *http.Client
	streams    StreamFetcher
	logger     *slog.Logger
}

// Option customizes the retriever.
type Option func(*Retriever)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Retriever) {
		if client != nil {
			r.httpClient = client
		}
	}
}

// WithStreamFetcher enables HLS playlist sources.
func WithStreamFetcher(fetcher StreamFetcher) Option {
	return func(r *Retriever) {
		r.streams = fetcher
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Retriever) {
		r.logger = logging.NewComponentLogger(logger, "sources")
	}
}

// New constructs a retriever.
func New(cfg Config, store storage.Storage, executor *retry.Executor, opts ...Option) *Retriever {
	r := &Retriever{
		cfg:        cfg,
		store:      store,
		executor:   executor,
		httpClient: &http.Client{},
		logger:     logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ProgressFunc receives download progress in [0,1].
type ProgressFunc func(fraction float64, message string)

// Retrieve resolves desc into a file inside destDir.
func (r *Retriever) Retrieve(ctx context.Context, desc Descriptor, destDir string, progress ProgressFunc) (Media, error) {
	if err := desc.Validate(); err != nil {
		return Media{}, err
	}
	if progress == nil {
		progress = func(float64, string) {}
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return Media{}, services.Wrap(services.ErrStorage, "", "retrieve source", "create work dir", err)
	}

	var (
		media Media
		err   error
	)
	switch desc.Type {
	case TypeUpload:
		media, err = r.fromStorage(ctx, strings.TrimSpace(desc.Ref), destDir)
	case TypeURL:
		media, err = r.fromURL(ctx, strings.TrimSpace(desc.Ref), destDir, progress)
	case TypeLectureCapture:
		media, err = r.fromLectureCapture(ctx, strings.TrimSpace(desc.Ref), destDir, progress)
	}
	if err != nil {
		return Media{}, err
	}

	sum, err := fileutil.HashFile(media.LocalPath)
	if err != nil {
		return Media{}, services.Wrap(services.ErrStorage, "", "hash source", "", err)
	}
	info, err := os.Stat(media.LocalPath)
	if err != nil {
		return Media{}, services.Wrap(services.ErrStorage, "", "stat source", "", err)
	}
	if info.Size() == 0 {
		return Media{}, services.Wrap(services.ErrValidation, "", "retrieve source", "source is empty", nil)
	}
	media.SourceID = sum
	media.Size = info.Size()
	r.logger.Info("source retrieved",
		logging.String(logging.FieldEventType, "source_retrieved"),
		logging.String("input_type", desc.Type),
		logging.String("source_id", sum),
		logging.Int64("size_bytes", media.Size),
	)
	return media, nil
}

func (r *Retriever) fromStorage(ctx context.Context, key, destDir string) (Media, error) {
	var exists bool
	if err := r.executor.Do(ctx, "source exists", func(ctx context.Context) error {
		var err error
		exists, err = r.store.Exists(ctx, key)
		return err
	}); err != nil {
		return Media{}, err
	}
	if !exists {
		return Media{}, services.Wrap(services.ErrNotFound, "", "retrieve upload", fmt.Sprintf("upload %q not found", key), nil)
	}
	ext := extensionOf(key, ".mp4")
	local := filepath.Join(destDir, "source"+ext)
	if err := r.executor.Do(ctx, "download upload", func(ctx context.Context) error {
		return r.store.Download(ctx, key, local)
	}); err != nil {
		return Media{}, err
	}
	return Media{LocalPath: local, Extension: ext, ContentType: contentTypeFor(ext)}, nil
}

func (r *Retriever) fromURL(ctx context.Context, rawURL, destDir string, progress ProgressFunc) (Media, error) {
	if IsStreamPlaylist(rawURL) {
		return r.fromStream(ctx, rawURL, destDir, progress)
	}
	ext := extensionOf(rawURL, ".mp4")
	local := filepath.Join(destDir, "source"+ext)
	contentType := ""
	err := r.executor.Do(ctx, "download url", func(ctx context.Context) error {
		ct, err := r.download(ctx, rawURL, local, progress)
		contentType = ct
		return err
	})
	if err != nil {
		return Media{}, err
	}
	if contentType == "" {
		contentType = contentTypeFor(ext)
	}
	return Media{LocalPath: local, Extension: ext, ContentType: contentType}, nil
}

func (r *Retriever) fromStream(ctx context.Context, playlistURL, destDir string, progress ProgressFunc) (Media, error) {
	if r.streams == nil {
		return Media{}, services.Wrap(services.ErrConfiguration, "", "retrieve stream", "stream playlists require ffmpeg", nil)
	}
	local := filepath.Join(destDir, "source.mp4")
	progress(0.1, "Downloading stream")
	if err := r.executor.Do(ctx, "download stream", func(ctx context.Context) error {
		return r.streams.FetchStream(ctx, playlistURL, local)
	}); err != nil {
		return Media{}, err
	}
	progress(0.9, "Stream downloaded")
	return Media{LocalPath: local, Extension: ".mp4", ContentType: "video/mp4"}, nil
}

// IsStreamPlaylist reports whether rawURL points at an HLS playlist.
func IsStreamPlaylist(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	if u, err := url.Parse(lower); err == nil {
		return strings.HasSuffix(u.Path, ".m3u8") || strings.Contains(lower, "m3u8")
	}
	return strings.Contains(lower, "m3u8")
}

func (r *Retriever) fromLectureCapture(ctx context.Context, ref, destDir string, progress ProgressFunc) (Media, error) {
	base, deliveryID, err := r.parseCaptureRef(ref)
	if err != nil {
		return Media{}, err
	}
	progress(0.05, "Resolving lecture capture")

	endpoint := base + "/Panopto/Pages/Viewer/DeliveryInfo.aspx?" + url.Values{
		"deliveryId":   {deliveryID},
		"responseType": {"json"},
		"getCaptions":  {"false"},
		"language":     {"0"},
	}.Encode()

	var streamURL string
	if err := r.executor.Do(ctx, "lecture capture info", func(ctx context.Context) error {
		var info deliveryInfo
		if err := r.getJSON(ctx, endpoint, &info); err != nil {
			return err
		}
		for _, stream := range info.Delivery.PodcastStreams {
			if strings.TrimSpace(stream.StreamURL) != "" {
				streamURL = strings.TrimSpace(stream.StreamURL)
				return nil
			}
		}
		return services.Wrap(services.ErrNotFound, "", "lecture capture info", "delivery has no downloadable stream", nil)
	}); err != nil {
		return Media{}, err
	}
	return r.fromURL(ctx, streamURL, destDir, progress)
}

type deliveryInfo struct {
	Delivery struct {
		PodcastStreams []struct {
			StreamURL string `json:"StreamUrl"`
		} `json:"PodcastStreams"`
	} `json:"Delivery"`
}

func (r *Retriever) parseCaptureRef(ref string) (string, string, error) {
	if u, err := url.Parse(ref); err == nil && u.Scheme != "" && u.Host != "" {
		id := u.Query().Get("id")
		if id == "" {
			return "", "", services.Wrap(services.ErrValidation, "", "lecture capture", "viewer url has no id parameter", nil)
		}
		return u.Scheme + "://" + u.Host, id, nil
	}
	base := strings.TrimRight(strings.TrimSpace(r.cfg.LectureCaptureURL), "/")
	if base == "" {
		return "", "", services.WithHint(
			services.Wrap(services.ErrConfiguration, "", "lecture capture", "no capture host configured", nil),
			"set sources.lecture_capture_url or submit the full viewer url")
	}
	return base, ref, nil
}

func (r *Retriever) getJSON(ctx context.Context, endpoint string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return services.Wrap(services.ErrValidation, "", "http get", "", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return classifyHTTPError(ctx, "http get", err)
	}
	defer resp.Body.Close()
	if err := statusError("http get", resp); err != nil {
		return err
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(target); err != nil {
		return services.Wrap(services.ErrPermanent, "", "http get", "decode response", err)
	}
	return nil
}

func (r *Retriever) download(ctx context.Context, rawURL, dest string, progress ProgressFunc) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "", "download", "", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", classifyHTTPError(ctx, "download", err)
	}
	defer resp.Body.Close()
	if err := statusError("download", resp); err != nil {
		return "", err
	}
	limit := r.cfg.MaxDownloadBytes
	if limit > 0 && resp.ContentLength > limit {
		return "", services.Wrap(services.ErrValidation, "", "download",
			fmt.Sprintf("source is %d bytes, limit is %d", resp.ContentLength, limit), nil)
	}

	body := io.Reader(resp.Body)
	if limit > 0 {
		body = io.LimitReader(resp.Body, limit+1)
	}
	counter := &progressReader{r: body, total: resp.ContentLength, report: progress}
	_, written, err := fileutil.WriteAtomic(dest, counter)
	if err != nil {
		_ = os.Remove(dest)
		return "", classifyHTTPError(ctx, "download", err)
	}
	if limit > 0 && written > limit {
		_ = os.Remove(dest)
		return "", services.Wrap(services.ErrValidation, "", "download",
			fmt.Sprintf("source exceeds %d bytes", limit), nil)
	}
	progress(0.9, "Download complete")
	return resp.Header.Get("Content-Type"), nil
}

func statusError(op string, resp *http.Response) error {
	if resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}
	msg := fmt.Sprintf("http %d", resp.StatusCode)
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return services.Wrap(services.ErrNotFound, "", op, msg, nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		return services.Wrap(services.ErrRateLimited, "", op, msg, nil)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= http.StatusInternalServerError:
		return services.Wrap(services.ErrTransient, "", op, msg, nil)
	default:
		return services.Wrap(services.ErrPermanent, "", op, msg, nil)
	}
}

func classifyHTTPError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return err
	}
	return services.Wrap(services.ErrTransient, "", op, "", err)
}

type progressReader struct {
	r        io.Reader
	total    int64
	read     int64
	lastStep int64
	report   ProgressFunc
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	p.read += int64(n)
	if p.total > 0 {
		step := p.read * 20 / p.total
		if step > p.lastStep {
			p.lastStep = step
			fraction := float64(p.read) / float64(p.total)
			p.report(0.1+fraction*0.8, fmt.Sprintf("Downloading video (%d%%)", int(fraction*100)))
		}
	}
	return n, err
}

func extensionOf(ref, fallback string) string {
	if u, err := url.Parse(ref); err == nil {
		ref = u.Path
	}
	ext := strings.ToLower(path.Ext(ref))
	switch ext {
	case ".mp4", ".mkv", ".mov", ".webm", ".m4v", ".avi", ".mp3", ".m4a", ".wav":
		return ext
	}
	return fallback
}

func contentTypeFor(ext string) string {
	switch ext {
	case ".mkv":
		return "video/x-matroska"
	case ".mov":
		return "video/quicktime"
	case ".webm":
		return "video/webm"
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/mp4"
	case ".wav":
		return "audio/wav"
	default:
		return "video/mp4"
	}
}
