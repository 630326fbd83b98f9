// Package client talks to a detection pipeline server over HTTP and
// WebSocket.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tendant/simple-detection-pipeline/pkg/pipeline"
)

// Retrieval errors, matched with errors.Is against an *APIError
var (
	ErrNotFound     = errors.New("job not found or expired")
	ErrJobRunning   = errors.New("job is still running")
	ErrNoFrames     = errors.New("no frames cached for job")
	ErrEncodeFailed = errors.New("video encode failed")
)

// APIError is a non-2xx response from the server
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("unexpected status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Message)
}

// Is maps error codes onto the package sentinels
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == pipeline.CodeNotFound || (e.Code == "" && e.StatusCode == http.StatusNotFound)
	case ErrJobRunning:
		return e.Code == pipeline.CodeJobRunning
	case ErrNoFrames:
		return e.Code == pipeline.CodeNoFrames
	case ErrEncodeFailed:
		return e.Code == pipeline.CodeEncodeFailed
	}
	return false
}

// Client is an HTTP client for a pipeline server
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new pipeline client
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			// uploads and downloads of long videos take a while
			Timeout: 10 * time.Minute,
		},
	}
}

// NewWithHTTPClient creates a new pipeline client with a custom HTTP client
func NewWithHTTPClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// UploadRequest describes a job to start. CustomModelPath, when set, uploads
// the weights file and takes precedence over Model.
type UploadRequest struct {
	VideoPath       string
	Model           string
	CustomModelPath string
}

// Upload sends a video and starts a job
func (c *Client) Upload(ctx context.Context, req UploadRequest) (*pipeline.UploadResponse, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeUpload(mw, req))
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", pr)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	var resp pipeline.UploadResponse
	if err := c.doJSON(httpReq, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func writeUpload(mw *multipart.Writer, req UploadRequest) error {
	if req.Model != "" {
		if err := mw.WriteField("model", req.Model); err != nil {
			return err
		}
	}
	if err := copyFile(mw, "file", req.VideoPath); err != nil {
		return err
	}
	if req.CustomModelPath != "" {
		if err := copyFile(mw, "custom_model", req.CustomModelPath); err != nil {
			return err
		}
	}
	return mw.Close()
}

func copyFile(mw *multipart.Writer, field, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	fw, err := mw.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(fw, f)
	return err
}

// Status returns the metadata snapshot of a job
func (c *Client) Status(ctx context.Context, jobID string) (*pipeline.JobInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var info pipeline.JobInfo
	if err := c.doJSON(httpReq, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Download writes the reconstructed video of a job to w. The server clears
// the job once the video is built, so a second call returns ErrNotFound.
// A job that is still running returns ErrJobRunning.
func (c *Client) Download(ctx context.Context, jobID string, w io.Writer) (int64, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/download/"+url.PathEscape(jobID), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, decodeAPIError(resp)
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("failed to read video: %w", err)
	}
	return n, nil
}

// GetColors returns the color overrides of a model
func (c *Client) GetColors(ctx context.Context, model string) (*pipeline.ModelColors, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.colorsURL(model), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var mc pipeline.ModelColors
	if err := c.doJSON(httpReq, &mc); err != nil {
		return nil, err
	}
	return &mc, nil
}

// SetColors replaces the color overrides of a model
func (c *Client) SetColors(ctx context.Context, model string, set pipeline.ColorMap) (*pipeline.ModelColors, error) {
	body, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal colors: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, c.colorsURL(model), strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var mc pipeline.ModelColors
	if err := c.doJSON(httpReq, &mc); err != nil {
		return nil, err
	}
	return &mc, nil
}

func (c *Client) colorsURL(model string) string {
	return c.baseURL + "/models/" + url.PathEscape(filepath.Base(model)) + "/colors"
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(bodyBytes))}

	var er pipeline.ErrorResponse
	if json.Unmarshal(bodyBytes, &er) == nil && er.Error != "" {
		apiErr.Code = er.Code
		apiErr.Message = er.Error
	}
	return apiErr
}
