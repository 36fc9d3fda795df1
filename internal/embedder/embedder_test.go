package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/fdominguez1972/thumper-counter-sub003/internal/store"
)

func createTestImage(width, height int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := range width {
		for y := range height {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodeJPEG(img image.Image) []byte {
	var buf bytes.Buffer
	jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	return buf.Bytes()
}

func decodeSize(t *testing.T, data []byte) (int, int) {
	t.Helper()
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return img.Bounds().Dx(), img.Bounds().Dy()
}

// --- CropRegion tests ---

func TestCropRegion(t *testing.T) {
	frame := encodeJPEG(createTestImage(200, 100, color.White))

	tests := []struct {
		name    string
		bbox    []float64
		wantW   int
		wantH   int
		wantErr bool
	}{
		{"interior box", []float64{10, 10, 60, 40}, 50, 30, false},
		{"clipped to frame", []float64{150, 50, 300, 300}, 50, 50, false},
		{"fractional coordinates", []float64{9.4, 9.6, 60.2, 39.9}, 52, 31, false},
		{"fully outside", []float64{500, 500, 600, 600}, 0, 0, true},
		{"wrong arity", []float64{1, 2, 3}, 0, 0, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			crop, err := CropRegion(frame, tc.bbox)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("CropRegion: %v", err)
			}
			w, h := decodeSize(t, crop)
			if w != tc.wantW || h != tc.wantH {
				t.Errorf("crop size = %dx%d, want %dx%d", w, h, tc.wantW, tc.wantH)
			}
		})
	}
}

// --- ResizeImage tests ---

func TestResizeImage_NoResizeNeeded(t *testing.T) {
	data := encodeJPEG(createTestImage(100, 80, color.White))
	out, err := ResizeImage(data, 640)
	if err != nil {
		t.Fatalf("ResizeImage: %v", err)
	}
	w, h := decodeSize(t, out)
	if w != 100 || h != 80 {
		t.Errorf("size = %dx%d, want 100x80", w, h)
	}
}

func TestResizeImage_DownscaleKeepsAspect(t *testing.T) {
	data := encodeJPEG(createTestImage(800, 400, color.White))
	out, err := ResizeImage(data, 200)
	if err != nil {
		t.Fatalf("ResizeImage: %v", err)
	}
	w, h := decodeSize(t, out)
	if w != 200 || h != 100 {
		t.Errorf("size = %dx%d, want 200x100", w, h)
	}
}

func TestResizeImage_InvalidData(t *testing.T) {
	if _, err := ResizeImage([]byte("not an image"), 100); err == nil {
		t.Error("expected error for invalid image data")
	}
}

// --- Client tests ---

func embedHandler(t *testing.T, status int, resp embedResponse) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("missing file part: %v", err)
		}
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(resp)
	}
}

func TestClient_Extract(t *testing.T) {
	srv := httptest.NewServer(embedHandler(t, http.StatusOK, embedResponse{
		SchemeVersion: "v2",
		Dim:           2,
		Embeddings: map[string][]float32{
			"primary":   {0.6, 0.8},
			"auxiliary": {1, 0},
		},
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	set, err := c.Extract(context.Background(), encodeJPEG(createTestImage(10, 10, color.White)), "v2")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if set.SchemeVersion != "v2" {
		t.Errorf("scheme = %q, want v2", set.SchemeVersion)
	}
	if len(set.Vectors) != 2 {
		t.Errorf("vectors = %d, want 2", len(set.Vectors))
	}
}

func TestClient_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Extract(context.Background(), []byte("x"), "v2")
	if err == nil {
		t.Fatal("expected error")
	}
	if !store.IsRetryable(err) {
		t.Errorf("5xx must be retryable, got %v", err)
	}
}

func TestClient_RejectionIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "crop too small", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Extract(context.Background(), []byte("x"), "v2")
	if err == nil {
		t.Fatal("expected error")
	}
	if store.IsRetryable(err) {
		t.Errorf("4xx must not be retryable, got %v", err)
	}
}

func TestClient_UnnormalizedVectorRejected(t *testing.T) {
	srv := httptest.NewServer(embedHandler(t, http.StatusOK, embedResponse{
		SchemeVersion: "v2",
		Embeddings:    map[string][]float32{"primary": {3, 4}},
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Extract(context.Background(), encodeJPEG(createTestImage(10, 10, color.White)), "v2")
	if err == nil {
		t.Fatal("expected error for unnormalized vector")
	}
	if store.IsRetryable(err) {
		t.Error("contract violation must not be retryable")
	}
}

func TestClient_EmptyResponseRejected(t *testing.T) {
	srv := httptest.NewServer(embedHandler(t, http.StatusOK, embedResponse{SchemeVersion: "v2"}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Extract(context.Background(), encodeJPEG(createTestImage(10, 10, color.White)), "v2")
	if err == nil {
		t.Fatal("expected error for response without vectors")
	}
}

// --- DirSource / Service tests ---

func TestDirSource_Frame(t *testing.T) {
	dir := t.TempDir()
	frame := encodeJPEG(createTestImage(50, 50, color.White))
	if err := os.WriteFile(filepath.Join(dir, "cap-1.jpg"), frame, 0o644); err != nil {
		t.Fatal(err)
	}

	src := NewDirSource(dir)
	got, err := src.Frame(context.Background(), "cap-1")
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Error("frame bytes differ")
	}

	_, err = src.Frame(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_Embed(t *testing.T) {
	dir := t.TempDir()
	frame := encodeJPEG(createTestImage(200, 100, color.White))
	if err := os.WriteFile(filepath.Join(dir, "cap-1.jpg"), frame, 0o644); err != nil {
		t.Fatal(err)
	}

	var uploaded []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		file, _, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer file.Close()
		buf := new(bytes.Buffer)
		buf.ReadFrom(file)
		uploaded = buf.Bytes()
		json.NewEncoder(w).Encode(embedResponse{
			SchemeVersion: "v2",
			Embeddings:    map[string][]float32{"primary": {1, 0}},
		})
	}))
	defer srv.Close()

	svc := NewService(NewClient(srv.URL), NewDirSource(dir), 32)
	obs := &store.Observation{ID: 1, CaptureID: "cap-1", BBox: []float64{10, 10, 110, 90}}

	set, err := svc.Embed(context.Background(), obs, "v2")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if set.SchemeVersion != "v2" {
		t.Errorf("scheme = %q", set.SchemeVersion)
	}
	// The 100x80 crop is downscaled to fit within 32px.
	w, h := decodeSize(t, uploaded)
	if w > 32 || h > 32 {
		t.Errorf("uploaded crop %dx%d exceeds max size 32", w, h)
	}
}
