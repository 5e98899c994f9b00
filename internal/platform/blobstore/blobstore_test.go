package blobstore

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/healthai/healthai/internal/platform/auth"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = uint8(i * 3)
	}
	img.Set(0, 0, color.Gray{Y: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func stores(t *testing.T) map[string]BlobStore {
	disk, err := NewDiskBlobStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("disk store: %v", err)
	}
	return map[string]BlobStore{
		"memory": NewInMemoryBlobStore(),
		"disk":   disk,
	}
}

// ---------------------------------------------------------------------------
// Store tests
// ---------------------------------------------------------------------------

func TestBlobStore_UploadDownload(t *testing.T) {
	content := pngBytes(t)
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			meta, err := store.Upload(ctx, BlobMetadata{
				FileName:  "scan.png",
				PatientID: "patient-1",
				Model:     "alzheimer",
				CreatedBy: "doc-1",
			}, bytes.NewReader(content))
			if err != nil {
				t.Fatalf("upload: %v", err)
			}
			if meta.ID == "" || meta.Path == "" || meta.Hash == "" {
				t.Fatalf("incomplete metadata %+v", meta)
			}
			if meta.ContentType != "image/png" || meta.Size != int64(len(content)) {
				t.Errorf("unexpected type/size %s/%d", meta.ContentType, meta.Size)
			}

			rc, got, err := store.Download(ctx, meta.ID)
			if err != nil {
				t.Fatalf("download: %v", err)
			}
			data, _ := io.ReadAll(rc)
			rc.Close()
			if !bytes.Equal(data, content) {
				t.Error("downloaded bytes differ")
			}
			if got.PatientID != "patient-1" {
				t.Errorf("expected patient-1, got %s", got.PatientID)
			}

			list, err := store.ListByPatient(ctx, "patient-1")
			if err != nil || len(list) != 1 {
				t.Fatalf("expected one upload for patient, got %d (%v)", len(list), err)
			}
			if other, _ := store.ListByPatient(ctx, "patient-2"); len(other) != 0 {
				t.Errorf("expected none for other patient, got %d", len(other))
			}

			if err := store.Delete(ctx, meta.ID); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := store.GetMetadata(ctx, meta.ID); !errors.Is(err, ErrBlobNotFound) {
				t.Errorf("expected ErrBlobNotFound after delete, got %v", err)
			}
		})
	}
}

func TestBlobStore_Rejects(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := store.Upload(ctx, BlobMetadata{}, strings.NewReader("")); !errors.Is(err, ErrEmptyFile) {
				t.Errorf("expected ErrEmptyFile, got %v", err)
			}
			if _, err := store.Upload(ctx, BlobMetadata{}, strings.NewReader("plain text")); !errors.Is(err, ErrInvalidContentType) {
				t.Errorf("expected ErrInvalidContentType, got %v", err)
			}
			if _, _, err := store.Download(ctx, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, ErrBlobNotFound) {
				t.Errorf("expected ErrBlobNotFound, got %v", err)
			}
			if err := store.Delete(ctx, "missing"); !errors.Is(err, ErrBlobNotFound) {
				t.Errorf("expected ErrBlobNotFound, got %v", err)
			}
		})
	}
}

func TestDiskBlobStore_FileTooLarge(t *testing.T) {
	store, err := NewDiskBlobStore(t.TempDir(), 16)
	if err != nil {
		t.Fatalf("disk store: %v", err)
	}
	_, err = store.Upload(context.Background(), BlobMetadata{}, bytes.NewReader(pngBytes(t)))
	if !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge, got %v", err)
	}
}

func TestDiskBlobStore_WritesFiles(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewDiskBlobStore(dir, 0)
	meta, err := store.Upload(context.Background(), BlobMetadata{PatientID: "p"}, bytes.NewReader(pngBytes(t)))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.HasSuffix(meta.Path, ".png") {
		t.Errorf("expected .png path, got %s", meta.Path)
	}
	if _, err := os.Stat(meta.Path); err != nil {
		t.Errorf("content file missing: %v", err)
	}
	if _, err := os.Stat(store.metaPath(meta.ID)); err != nil {
		t.Errorf("metadata sidecar missing: %v", err)
	}
}

func TestInMemoryBlobStore_ListNewestFirst(t *testing.T) {
	store := NewInMemoryBlobStore()
	ctx := context.Background()
	first, _ := store.Upload(ctx, BlobMetadata{PatientID: "p"}, bytes.NewReader(pngBytes(t)))
	second, _ := store.Upload(ctx, BlobMetadata{PatientID: "p"}, bytes.NewReader(pngBytes(t)))

	store.mu.Lock()
	b := store.blobs[first.ID]
	b.metadata.CreatedAt = b.metadata.CreatedAt.Add(-time.Hour)
	store.mu.Unlock()

	list, _ := store.ListByPatient(ctx, "p")
	if len(list) != 2 || list[0].ID != second.ID {
		t.Errorf("expected newest first, got %v", list)
	}
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func TestBlobHandler_Download(t *testing.T) {
	store := NewInMemoryBlobStore()
	content := pngBytes(t)
	meta, _ := store.Upload(context.Background(), BlobMetadata{CreatedBy: "doc-1"}, bytes.NewReader(content))
	h := NewBlobHandler(store)

	tests := []struct {
		name  string
		user  string
		roles []string
		id    string
		want  int
	}{
		{"owner", "doc-1", []string{auth.RoleDoctor}, meta.ID, http.StatusOK},
		{"admin", "admin-1", []string{auth.RoleAdmin}, meta.ID, http.StatusOK},
		{"other doctor", "doc-2", []string{auth.RoleDoctor}, meta.ID, http.StatusNotFound},
		{"missing", "doc-1", []string{auth.RoleDoctor}, "nope", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/api/v1/uploads/"+tt.id, nil)
			req = req.WithContext(auth.WithUser(req.Context(), tt.user, tt.user, tt.roles))
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)
			c.SetParamNames("id")
			c.SetParamValues(tt.id)

			err := h.handleDownload(c)
			if tt.want != http.StatusOK {
				var he *echo.HTTPError
				if !errors.As(err, &he) || he.Code != tt.want {
					t.Fatalf("expected %d, got %v", tt.want, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Header().Get(echo.HeaderContentType) != "image/png" {
				t.Errorf("unexpected content type %s", rec.Header().Get(echo.HeaderContentType))
			}
			if !bytes.Equal(rec.Body.Bytes(), content) {
				t.Error("body does not match upload")
			}
		})
	}
}

func TestBlobHandler_GetMetadata(t *testing.T) {
	store := NewInMemoryBlobStore()
	meta, _ := store.Upload(context.Background(), BlobMetadata{CreatedBy: "doc-1", PatientID: "p-9"}, bytes.NewReader(pngBytes(t)))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(auth.WithUser(req.Context(), "doc-1", "doc", []string{auth.RoleDoctor}))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(meta.ID)

	if err := NewBlobHandler(store).handleGetMetadata(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"patient_id":"p-9"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}
