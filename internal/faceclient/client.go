package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"classattend/internal/apperr"
	"classattend/internal/metrics"
	"classattend/internal/model"
)

// UnknownLabel is the roll number the service reports for unidentified faces.
const UnknownLabel = "Unknown"

// Config describes where the recognition service lives and how long each call may take.
type Config struct {
	BaseURL          string
	Skip             bool
	DetectTimeout    time.Duration
	AssignTimeout    time.Duration
	TrainTimeout     time.Duration
	RecognizeTimeout time.Duration
}

// Image is an uploaded photo forwarded to the service.
type Image struct {
	Data        []byte
	Filename    string
	ContentType string
}

// DetectedFace is a face found in a group photo, not yet labelled.
type DetectedFace struct {
	FaceID   string     `json:"face_id"`
	BBox     model.BBox `json:"bbox"`
	ImageURL string     `json:"face_image_url"`
}

// Assignment maps a detected face to a roll number.
type Assignment struct {
	FaceID     string `json:"face_id"`
	RollNumber string `json:"roll_number"`
}

// FailedAssignment is an assignment the service could not apply.
type FailedAssignment struct {
	Assignment Assignment `json:"assignment"`
	Reason     string     `json:"reason"`
}

// AssignResult is the service's answer to a roll number assignment.
// Successful is nil when the service did not itemise its result.
type AssignResult struct {
	Message    string             `json:"message"`
	Successful []Assignment       `json:"successful"`
	Failed     []FailedAssignment `json:"failed"`
}

// TrainResult is the acknowledgement of a training run.
type TrainResult struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	ModelPath string `json:"model_path,omitempty"`
}

// RecognizedFace is one face in an attendance photo.
type RecognizedFace struct {
	RollNumber string     `json:"roll_number"`
	Confidence float64    `json:"confidence"`
	BBox       model.BBox `json:"bbox"`
	ImageURL   string     `json:"face_image_url"`
}

// Unknown reports whether the model could not identify the face.
func (f RecognizedFace) Unknown() bool {
	return f.RollNumber == "" || strings.EqualFold(f.RollNumber, UnknownLabel)
}

// Recognition is the result of a recognition pass.
type Recognition struct {
	Faces          []RecognizedFace `json:"recognized_faces"`
	ResultImageURL string           `json:"resultImage"`
	Message        string           `json:"message"`
}

// Status is the service's own view of a classroom.
type Status struct {
	ModelTrained      bool   `json:"model_trained"`
	LabeledFacesCount int    `json:"labeled_faces_count"`
	Message           string `json:"message"`
}

// Client calls the face recognition microservice.
type Client struct {
	cfg  Config
	HTTP *http.Client
}

// New creates a client. Per-call deadlines come from cfg, not from the http.Client.
func New(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.DetectTimeout <= 0 {
		cfg.DetectTimeout = 30 * time.Second
	}
	if cfg.AssignTimeout <= 0 {
		cfg.AssignTimeout = 30 * time.Second
	}
	if cfg.TrainTimeout <= 0 {
		cfg.TrainTimeout = 5 * time.Minute
	}
	if cfg.RecognizeTimeout <= 0 {
		cfg.RecognizeTimeout = 60 * time.Second
	}
	return &Client{cfg: cfg, HTTP: &http.Client{}}
}

// BaseURL returns the configured service address.
func (c *Client) BaseURL() string { return c.cfg.BaseURL }

// DetectFaces uploads a group photo and returns the detected faces with absolute image URLs.
func (c *Client) DetectFaces(ctx context.Context, classroomID string, img Image) ([]DetectedFace, error) {
	if c.cfg.Skip {
		return []DetectedFace{
			{FaceID: "temp_000", BBox: model.BBox{10, 10, 110, 110}, ImageURL: c.absolute("/datasets/" + classroomID + "/temp_faces/temp_000.jpg")},
			{FaceID: "temp_001", BBox: model.BBox{150, 12, 250, 112}, ImageURL: c.absolute("/datasets/" + classroomID + "/temp_faces/temp_001.jpg")},
		}, nil
	}

	var out struct {
		Faces []DetectedFace `json:"faces"`
	}
	start := time.Now()
	err := c.postImage(ctx, c.cfg.DetectTimeout, classroomID, "detect_faces", img, &out)
	metrics.ObserveUpstream("detect_faces", start, err)
	if err != nil {
		return nil, err
	}
	for i := range out.Faces {
		out.Faces[i].ImageURL = c.absolute(out.Faces[i].ImageURL)
	}
	return out.Faces, nil
}

// AssignRollNumbers registers which detected face belongs to which roll number.
func (c *Client) AssignRollNumbers(ctx context.Context, classroomID string, assignments []Assignment) (*AssignResult, error) {
	if c.cfg.Skip {
		return &AssignResult{Message: "assigned (mock)", Successful: assignments}, nil
	}

	var out AssignResult
	start := time.Now()
	err := c.postJSON(ctx, c.cfg.AssignTimeout, classroomID, "assign_roll_numbers", map[string]any{"assignments": assignments}, &out)
	metrics.ObserveUpstream("assign_roll_numbers", start, err)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// TrainModel triggers training. This call blocks for up to TrainTimeout.
func (c *Client) TrainModel(ctx context.Context, classroomID string) (*TrainResult, error) {
	if c.cfg.Skip {
		return &TrainResult{Status: "success", Message: "Training complete (mock)."}, nil
	}

	var out TrainResult
	start := time.Now()
	err := c.postJSON(ctx, c.cfg.TrainTimeout, classroomID, "train_model", map[string]any{}, &out)
	metrics.ObserveUpstream("train_model", start, err)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RecognizeFaces runs recognition on an attendance photo.
func (c *Client) RecognizeFaces(ctx context.Context, classroomID string, img Image) (*Recognition, error) {
	if c.cfg.Skip {
		return &Recognition{
			Faces:          []RecognizedFace{{RollNumber: UnknownLabel, Confidence: 0.12, BBox: model.BBox{10, 10, 110, 110}}},
			ResultImageURL: c.absolute("/output_images/mock.jpg"),
			Message:        "Faces recognized (mock).",
		}, nil
	}

	var out struct {
		Recognition
		ImageURL string `json:"image_url"`
	}
	start := time.Now()
	err := c.postImage(ctx, c.cfg.RecognizeTimeout, classroomID, "recognize_faces", img, &out)
	metrics.ObserveUpstream("recognize_faces", start, err)
	if err != nil {
		return nil, err
	}
	rec := out.Recognition
	if rec.ResultImageURL == "" {
		rec.ResultImageURL = out.ImageURL
	}
	rec.ResultImageURL = c.absolute(rec.ResultImageURL)
	for i := range rec.Faces {
		rec.Faces[i].ImageURL = c.absolute(rec.Faces[i].ImageURL)
	}
	return &rec, nil
}

// Status returns the service's training status for a classroom.
func (c *Client) Status(ctx context.Context, classroomID string) (*Status, error) {
	if c.cfg.Skip {
		return &Status{Message: "mock"}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.DetectTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(classroomID, "status"), nil)
	if err != nil {
		return nil, err
	}
	var out Status
	start := time.Now()
	err = c.do(req, &out)
	metrics.ObserveUpstream("status", start, err)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.cfg.Skip {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}

func (c *Client) postImage(ctx context.Context, timeout time.Duration, classroomID, op string, img Image, out any) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", uploadName(img))
	if err != nil {
		return err
	}
	if _, err := fw.Write(img.Data); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(classroomID, op), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, timeout time.Duration, classroomID, op string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(classroomID, op), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// do sends req and decodes a 2xx JSON body into out. Every failure is an
// apperr upstream error carrying the service's status and payload.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return apperr.Upstream("face service timed out", http.StatusGatewayTimeout, nil, err)
		}
		return apperr.Upstream("face service request failed", http.StatusBadGateway, nil, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Upstream("face service response unreadable", http.StatusBadGateway, nil, err)
	}

	if resp.StatusCode >= 300 {
		details := decodeDetails(body)
		msg := fmt.Sprintf("face service error %s", resp.Status)
		if m, ok := details.(map[string]any); ok {
			if e, ok := m["error"].(string); ok && e != "" {
				msg = "face service error: " + e
			}
		}
		return apperr.Upstream(msg, resp.StatusCode, details, nil)
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	// The service reports some failures, such as a missing model, as 200
	// with an error field.
	if m, ok := decodeDetails(body).(map[string]any); ok {
		if e, ok := m["error"].(string); ok && e != "" {
			return apperr.Upstream("face service error: "+e, http.StatusBadGateway, m, nil)
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperr.Upstream("failed to decode face service response", http.StatusBadGateway, string(body), err)
	}
	return nil
}

func (c *Client) endpoint(classroomID, op string) string {
	return c.cfg.BaseURL + "/classroom/" + url.PathEscape(classroomID) + "/" + op
}

// absolute rewrites a service-relative URL against the base URL.
func (c *Client) absolute(u string) string {
	if u == "" || strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return c.cfg.BaseURL + u
}

func decodeDetails(body []byte) any {
	var v any
	if err := json.Unmarshal(body, &v); err == nil {
		return v
	}
	return strings.TrimSpace(string(body))
}

// uploadName returns a filename with an extension the service accepts.
func uploadName(img Image) string {
	name := path.Base(strings.ReplaceAll(img.Filename, "\\", "/"))
	switch strings.ToLower(path.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return name
	}
	if name == "" || name == "." || name == "/" {
		name = "upload"
	}
	if strings.Contains(img.ContentType, "png") {
		return name + ".png"
	}
	return name + ".jpg"
}
