package pipeline

import "math"

// JobStatus is the lifecycle state of an inference job
type JobStatus string

const (
	StatusRunning JobStatus = "running"
	StatusDone    JobStatus = "done"
	StatusFailed  JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed
func (s JobStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// EventType constants (the "type" field of every observer message)
const (
	EventInfo     = "info"
	EventFrame    = "frame"
	EventProgress = "progress"
	EventError    = "error"
	EventDone     = "done"
	EventPong     = "pong"
)

// Event is a JSON message pushed to live observers of a job
type Event struct {
	Type        string   `json:"type"`
	JobID       string   `json:"job_id,omitempty"`
	Message     string   `json:"message,omitempty"`
	Frame       *int     `json:"frame,omitempty"`
	Data        string   `json:"data,omitempty"`
	TotalFrames *int     `json:"total_frames,omitempty"`
	Pct         *float64 `json:"pct,omitempty"`
	Metrics     *Metrics `json:"metrics,omitempty"`
}

// InfoEvent builds an informational message
func InfoEvent(jobID, message string) Event {
	return Event{Type: EventInfo, JobID: jobID, Message: message}
}

// FrameEvent carries one base64-encoded JPEG and its capture index
func FrameEvent(index int, b64 string) Event {
	return Event{Type: EventFrame, Frame: &index, Data: b64}
}

// ProgressEvent reports frames attempted so far. frame is 1-based.
func ProgressEvent(frame, total int) Event {
	pct := 0.0
	if total > 0 {
		pct = Round(float64(frame)/float64(total)*100.0, 2)
	}
	return Event{Type: EventProgress, Frame: &frame, TotalFrames: &total, Pct: &pct}
}

// ErrorEvent is the terminal event of a failed job
func ErrorEvent(message string) Event {
	return Event{Type: EventError, Message: message}
}

// DoneEvent is the terminal event of a completed job
func DoneEvent(m Metrics) Event {
	return Event{Type: EventDone, Metrics: &m}
}

// Metrics summarises a completed job
type Metrics struct {
	Model            string  `json:"model"`
	TotalFrames      int     `json:"total_frames"`
	TotalTimeS       float64 `json:"total_time_s"`
	AvgFPS           float64 `json:"avg_fps"`
	AvgPreprocessMs  float64 `json:"avg_preprocess_ms"`
	AvgInferMs       float64 `json:"avg_infer_ms"`
	AvgPostprocessMs float64 `json:"avg_postprocess_ms"`
	FailedInferences int     `json:"failed_inferences"`
	SkippedFrames    int     `json:"skipped_frames"`
}

// UploadResponse is returned by POST /upload
type UploadResponse struct {
	JobID     string `json:"job_id"`
	WS        string `json:"ws"`
	ModelUsed string `json:"model_used"`
}

// JobInfo is the metadata snapshot returned by GET /jobs/{id}
type JobInfo struct {
	JobID           string    `json:"job_id"`
	Model           string    `json:"model"`
	Status          JobStatus `json:"status"`
	ProcessedFrames int       `json:"processed_frames"`
	TotalFrames     int       `json:"total_frames"`
	FPS             float64   `json:"fps,omitempty"`
	Width           int       `json:"width,omitempty"`
	Height          int       `json:"height,omitempty"`
	StartTS         float64   `json:"start_ts,omitempty"`
	EndTS           float64   `json:"end_ts,omitempty"`
	Error           string    `json:"error,omitempty"`
	Metrics         *Metrics  `json:"metrics,omitempty"`
}

// ColorMap maps a detected class label to a "#rrggbb" display color
type ColorMap map[string]string

// ModelColors is the body of GET and PUT /models/{model}/colors
type ModelColors struct {
	ModelKey string   `json:"model_key"`
	Colors   ColorMap `json:"colors"`
}

// ClientMessage is sent by observers over the job socket
type ClientMessage struct {
	Action string `json:"action"`
}

// Observer socket actions
const (
	ActionPing     = "ping"
	ActionDownload = "download"
)

// ErrorResponse is the JSON body of every non-2xx API response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Error codes used by the retrieval endpoint
const (
	CodeNotFound     = "not_found"
	CodeJobRunning   = "job_running"
	CodeNoFrames     = "no_frames"
	CodeEncodeFailed = "encode_failed"
)

// Round rounds v half away from zero to the given number of decimals
func Round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}
