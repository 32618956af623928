package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"minutes-relay/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// listPageSize is the largest page the recordings list endpoint accepts.
	listPageSize = 300
	// listWindow is the widest from/to range the recordings list endpoint accepts.
	listWindow = 30 * 24 * time.Hour
	// maxListPages stops a listing whose page tokens never run out.
	maxListPages = 1000
)

// ZoomConfig configures the recording source.
type ZoomConfig struct {
	BaseURL    string
	Token      string
	UserID     string
	StagingDir string
	// Lookback is how far back ListReady scans. 0 uses the provider's default range.
	Lookback time.Duration
}

type recordingFile struct {
	ID            string `json:"id"`
	FileType      string `json:"file_type"`
	FileExtension string `json:"file_extension"`
	FileSize      int64  `json:"file_size"`
	Status        string `json:"status"`
	DownloadURL   string `json:"download_url"`
}

type meetingRecordings struct {
	ID             json.Number     `json:"id"`
	Topic          string          `json:"topic"`
	RecordingFiles []recordingFile `json:"recording_files"`
}

type recordingList struct {
	Meetings      []meetingRecordings `json:"meetings"`
	NextPageToken string              `json:"next_page_token"`
}

type zoomRetriever struct {
	client *http.Client
	cfg    ZoomConfig
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewZoomRetriever creates a domain.Retriever backed by the Zoom cloud recording API.
// Downloads are bounded by the caller's context, not a client timeout.
func NewZoomRetriever(cfg ZoomConfig, logger *slog.Logger) domain.Retriever {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.UserID == "" {
		cfg.UserID = "me"
	}
	return &zoomRetriever{
		client: &http.Client{},
		cfg:    cfg,
		logger: logger.With("component", "zoom-retriever"),
		tracer: otel.Tracer("minutes-relay-zoom"),
		now:    time.Now,
	}
}

func (z *zoomRetriever) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}
	if z.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+z.cfg.Token)
	}
	resp, err := z.client.Do(req)
	if err != nil {
		return nil, transportError("zoom request failed", err)
	}
	return resp, nil
}

// Fetch downloads the preferred recording file for workID into the staging directory.
func (z *zoomRetriever) Fetch(ctx context.Context, workID string) (*domain.Artifact, error) {
	ctx, span := z.tracer.Start(ctx, "zoom.Fetch", trace.WithAttributes(attribute.String("work.id", workID)))
	defer span.End()

	artifact, err := z.fetch(ctx, workID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch recording")
		return nil, err
	}
	span.SetAttributes(attribute.Int64("artifact.size", artifact.Size))
	return artifact, nil
}

func (z *zoomRetriever) fetch(ctx context.Context, workID string) (*domain.Artifact, error) {
	resp, err := z.get(ctx, fmt.Sprintf("%s/meetings/%s/recordings", z.cfg.BaseURL, url.PathEscape(workID)))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, domain.ErrNotFound)
	}

	var meeting meetingRecordings
	if err := json.NewDecoder(resp.Body).Decode(&meeting); err != nil {
		return nil, fmt.Errorf("%w: failed to decode recordings for %s: %v", domain.ErrTransient, workID, err)
	}

	file := pickRecording(meeting.RecordingFiles)
	if file == nil {
		return nil, fmt.Errorf("%w: no completed recording for %s", domain.ErrNotFound, workID)
	}
	return z.download(ctx, workID, file)
}

// pickRecording prefers audio (smaller, cheaper to transform), then video, then anything completed.
func pickRecording(files []recordingFile) *recordingFile {
	for _, want := range []string{"M4A", "MP4", ""} {
		for i := range files {
			f := &files[i]
			if f.Status != "completed" || f.DownloadURL == "" {
				continue
			}
			if want == "" || strings.EqualFold(f.FileType, want) {
				return f
			}
		}
	}
	return nil
}

func (z *zoomRetriever) download(ctx context.Context, workID string, file *recordingFile) (*domain.Artifact, error) {
	resp, err := z.get(ctx, file.DownloadURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, domain.ErrNotFound)
	}

	ext := strings.ToLower(strings.TrimPrefix(file.FileExtension, "."))
	if ext == "" {
		ext = strings.ToLower(file.FileType)
	}
	out, err := os.CreateTemp(z.cfg.StagingDir, fmt.Sprintf("%s-*.%s", sanitize(workID), ext))
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}
	path := out.Name()

	n, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, transportError("recording download interrupted", err)
	}

	z.logger.Info("recording downloaded", "work_id", workID, "path", path, "bytes", n, "file_type", file.FileType)
	return domain.NewArtifact(workID, path, n, func() error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}), nil
}

// ListReady lists meetings that have at least one completed recording file.
// It walks every page of every date window inside the lookback.
func (z *zoomRetriever) ListReady(ctx context.Context) ([]domain.ReadyWork, error) {
	ctx, span := z.tracer.Start(ctx, "zoom.ListReady")
	defer span.End()

	var ready []domain.ReadyWork
	seen := make(map[string]bool)
	for _, w := range z.listWindows() {
		if err := z.listWindow(ctx, w, func(m meetingRecordings) {
			id := m.ID.String()
			if id == "" || seen[id] || pickRecording(m.RecordingFiles) == nil {
				return
			}
			seen[id] = true
			ready = append(ready, domain.ReadyWork{WorkID: id, Label: m.Topic})
		}); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to list recordings")
			return nil, err
		}
	}
	span.SetAttributes(attribute.Int("recordings.ready", len(ready)))
	return ready, nil
}

// dateWindow is an inclusive from/to range of calendar days. Zero means provider default.
type dateWindow struct {
	from, to string
}

// listWindows splits the lookback into non-overlapping windows, newest first.
func (z *zoomRetriever) listWindows() []dateWindow {
	if z.cfg.Lookback <= 0 {
		return []dateWindow{{}}
	}
	now := z.now().UTC()
	start := now.Add(-z.cfg.Lookback)
	var windows []dateWindow
	for to := now; !to.Before(start); to = to.Add(-listWindow) {
		from := to.Add(-listWindow + 24*time.Hour)
		if from.Before(start) {
			from = start
		}
		windows = append(windows, dateWindow{from: from.Format(time.DateOnly), to: to.Format(time.DateOnly)})
	}
	return windows
}

func (z *zoomRetriever) listWindow(ctx context.Context, w dateWindow, visit func(meetingRecordings)) error {
	token := ""
	for page := 0; page < maxListPages; page++ {
		q := url.Values{}
		q.Set("page_size", fmt.Sprint(listPageSize))
		if w.from != "" {
			q.Set("from", w.from)
			q.Set("to", w.to)
		}
		if token != "" {
			q.Set("next_page_token", token)
		}

		list, err := z.listPage(ctx, q)
		if err != nil {
			return err
		}
		for _, m := range list.Meetings {
			visit(m)
		}
		if list.NextPageToken == "" || list.NextPageToken == token {
			return nil
		}
		token = list.NextPageToken
	}
	z.logger.Warn("recording list truncated", "from", w.from, "to", w.to, "pages", maxListPages)
	return nil
}

func (z *zoomRetriever) listPage(ctx context.Context, q url.Values) (*recordingList, error) {
	resp, err := z.get(ctx, fmt.Sprintf("%s/users/%s/recordings?%s", z.cfg.BaseURL, url.PathEscape(z.cfg.UserID), q.Encode()))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, domain.ErrNotFound)
	}

	var list recordingList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("%w: failed to decode recording list: %v", domain.ErrTransient, err)
	}
	return &list, nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == filepath.Separator {
			return '_'
		}
		return r
	}, s)
}
