package faceclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"classattend/internal/apperr"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/"})
}

func TestDetectFacesRewritesURLs(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/classroom/abc123/detect_faces" {
			t.Errorf("path = %s", r.URL.Path)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if string(data) != "img" {
			t.Errorf("body = %q", data)
		}
		if header.Filename != "group.png" {
			t.Errorf("filename = %q", header.Filename)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"faces": []map[string]any{
				{"face_id": "temp_000", "bbox": []int{1, 2, 3, 4}, "face_image_url": "/datasets/abc123/temp_faces/temp_000.jpg"},
			},
		})
	})

	faces, err := c.DetectFaces(context.Background(), "abc123", Image{Data: []byte("img"), Filename: "group", ContentType: "image/png"})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(faces) != 1 {
		t.Fatalf("faces = %d", len(faces))
	}
	want := c.BaseURL() + "/datasets/abc123/temp_faces/temp_000.jpg"
	if faces[0].ImageURL != want {
		t.Errorf("url = %q, want %q", faces[0].ImageURL, want)
	}
	if faces[0].BBox[3] != 4 {
		t.Errorf("bbox = %v", faces[0].BBox)
	}
}

func TestUpstreamErrorMirrorsStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"No trained model found","status":"model_not_found"}`))
	})

	_, err := c.RecognizeFaces(context.Background(), "abc", Image{Data: []byte("x"), Filename: "a.jpg"})
	if !apperr.Is(err, apperr.KindUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if got := apperr.HTTPStatus(err); got != http.StatusNotFound {
		t.Errorf("status = %d", got)
	}
	details, ok := apperr.Details(err).(map[string]any)
	if !ok || details["status"] != "model_not_found" {
		t.Errorf("details = %#v", apperr.Details(err))
	}
	if apperr.Message(err) != "face service error: No trained model found" {
		t.Errorf("message = %q", apperr.Message(err))
	}
}

func TestRecognizeFacesFallsBackToImageURL(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"recognized_faces":[{"roll_number":"Unknown","confidence":0.2,"bbox":[0,0,5,5],"face_image_url":"/recognized_faces/f.jpg"}],"image_url":"/output_images/r.jpg"}`))
	})

	rec, err := c.RecognizeFaces(context.Background(), "abc", Image{Data: []byte("x"), Filename: "a.jpg"})
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if rec.ResultImageURL != c.BaseURL()+"/output_images/r.jpg" {
		t.Errorf("result image = %q", rec.ResultImageURL)
	}
	if !rec.Faces[0].Unknown() {
		t.Error("expected unknown face")
	}
}

func TestRecognizeFacesErrorBodyWithOKStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"Model file not found","status":"model_not_found"}`))
	})

	rec, err := c.RecognizeFaces(context.Background(), "abc", Image{Data: []byte("x"), Filename: "a.jpg"})
	if rec != nil {
		t.Fatalf("expected no result, got %+v", rec)
	}
	if !apperr.Is(err, apperr.KindUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if got := apperr.HTTPStatus(err); got != http.StatusBadGateway {
		t.Errorf("status = %d", got)
	}
	if apperr.Message(err) != "face service error: Model file not found" {
		t.Errorf("message = %q", apperr.Message(err))
	}
}

func TestTrainTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)
	c := New(Config{BaseURL: srv.URL, TrainTimeout: 50 * time.Millisecond})

	_, err := c.TrainModel(context.Background(), "abc")
	if got := apperr.HTTPStatus(err); got != http.StatusGatewayTimeout {
		t.Fatalf("status = %d (%v)", got, err)
	}
}

func TestAbsoluteKeepsAbsoluteURLs(t *testing.T) {
	c := New(Config{BaseURL: "http://face:5000"})
	cases := map[string]string{
		"":                       "",
		"https://cdn.test/a.jpg": "https://cdn.test/a.jpg",
		"/output_images/a.jpg":   "http://face:5000/output_images/a.jpg",
		"output_images/a.jpg":    "http://face:5000/output_images/a.jpg",
	}
	for in, want := range cases {
		if got := c.absolute(in); got != want {
			t.Errorf("absolute(%q) = %q, want %q", in, got, want)
		}
	}
}
