package imagepipe

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type uploaderFunc func(ctx context.Context, data []byte, contentType, savePath string) (string, error)

func (f uploaderFunc) Upload(ctx context.Context, data []byte, contentType, savePath string) (string, error) {
	return f(ctx, data, contentType, savePath)
}

func okUploader(url string) Uploader {
	return uploaderFunc(func(context.Context, []byte, string, string) (string, error) {
		return url, nil
	})
}

func TestHandleImageUploadSuccess(t *testing.T) {
	var gotType, gotPath string
	up := uploaderFunc(func(_ context.Context, _ []byte, contentType, savePath string) (string, error) {
		gotType, gotPath = contentType, savePath
		return "https://cdn.example.com/task/a.jpg", nil
	})
	p := New(up, WithSavePath("proof"))

	if err := p.HandleImageUpload(context.Background(), 0, File{Name: "a.png", Data: pngBytes(t, 20, 20)}); err != nil {
		t.Fatalf("HandleImageUpload: %v", err)
	}

	st := p.State()
	if len(st.Slots) != 1 {
		t.Fatalf("slots = %d, want 1", len(st.Slots))
	}
	slot := st.Slots[0]
	if slot.Status != StatusDone || slot.Progress != 100 {
		t.Errorf("slot = %+v, want done at 100", slot)
	}
	if st.UploadedURLs[0] != "https://cdn.example.com/task/a.jpg" {
		t.Errorf("url = %q", st.UploadedURLs[0])
	}
	if !strings.HasPrefix(st.Previews[0], "data:image/png;base64,") {
		t.Errorf("preview = %.40q", st.Previews[0])
	}
	if gotType != "image/jpeg" || gotPath != "proof" {
		t.Errorf("upload called with (%q, %q)", gotType, gotPath)
	}
	if st.IsUploading {
		t.Error("IsUploading should be false after completion")
	}
}

func TestHandleImageUploadValidation(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Option
		index   int
		data    []byte
		wantErr error
	}{
		{"unsupported type", nil, 0, []byte("GIF89a plain text"), ErrUnsupportedType},
		{"too large", []Option{WithMaxInputBytes(16)}, 0, make([]byte, 17), ErrFileTooLarge},
		{"index past max", nil, DefaultMaxCount, nil, ErrSlotOutOfRange},
		{"negative index", nil, -1, nil, ErrSlotOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(okUploader("u"), tt.opts...)
			err := p.HandleImageUpload(context.Background(), tt.index, File{Name: "x", Data: tt.data})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if n := len(p.State().Slots); n != 0 {
				t.Errorf("rejected file occupied %d slots", n)
			}
		})
	}
}

func TestUploadFailureKeepsPreview(t *testing.T) {
	p := New(uploaderFunc(func(context.Context, []byte, string, string) (string, error) {
		return "", &UploadError{Code: 500, Message: "bucket unavailable"}
	}))

	err := p.HandleImageUpload(context.Background(), 0, File{Name: "a.png", Data: pngBytes(t, 8, 8)})
	var upErr *UploadError
	if !errors.As(err, &upErr) || upErr.Code != 500 {
		t.Fatalf("err = %v, want *UploadError code 500", err)
	}

	st := p.State()
	if st.Slots[0].Status != StatusFailed {
		t.Errorf("status = %s, want failed", st.Slots[0].Status)
	}
	if st.Previews[0] == "" {
		t.Error("preview should survive a failed upload")
	}
	if st.UploadedURLs[0] != "" {
		t.Errorf("url = %q, want empty", st.UploadedURLs[0])
	}
	if !strings.Contains(st.UploadStatus, "bucket unavailable") {
		t.Errorf("status message = %q", st.UploadStatus)
	}
}

func TestSlotsReplaceAndAppend(t *testing.T) {
	p := New(okUploader("u"))
	ctx := context.Background()
	img := pngBytes(t, 4, 4)

	for _, idx := range []int{0, 5 % DefaultMaxCount, 0} {
		if err := p.HandleImageUpload(ctx, idx, File{Name: "img", Data: img}); err != nil {
			t.Fatalf("HandleImageUpload(%d): %v", idx, err)
		}
	}
	// index 2 on one occupied slot appends, the final 0 replaces.
	if n := len(p.State().Slots); n != 2 {
		t.Fatalf("slots = %d, want 2", n)
	}
}

func TestRemoveImageCompacts(t *testing.T) {
	p := New(okUploader("u"))
	ctx := context.Background()
	for i, name := range []string{"a", "b", "c"} {
		if err := p.HandleImageUpload(ctx, i, File{Name: name, Data: pngBytes(t, 4, 4)}); err != nil {
			t.Fatal(err)
		}
	}

	if err := p.RemoveImage(1); err != nil {
		t.Fatalf("RemoveImage: %v", err)
	}
	st := p.State()
	if len(st.Slots) != 2 || st.Slots[0].FileName != "a" || st.Slots[1].FileName != "c" {
		t.Fatalf("slots after remove = %+v", st.Slots)
	}
	if len(st.Previews) != 2 || len(st.UploadedURLs) != 2 || len(st.Images) != 2 {
		t.Error("parallel slices out of step")
	}
	if err := p.RemoveImage(5); !errors.Is(err, ErrSlotOutOfRange) {
		t.Errorf("RemoveImage(5) = %v", err)
	}

	p.ResetImages()
	if n := len(p.State().Slots); n != 0 {
		t.Errorf("slots after reset = %d", n)
	}
}

func TestRemovedSlotIgnoresLateResult(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	p := New(uploaderFunc(func(context.Context, []byte, string, string) (string, error) {
		close(started)
		<-release
		return "late", nil
	}))

	img := pngBytes(t, 4, 4)
	errc := make(chan error, 1)
	go func() {
		errc <- p.HandleImageUpload(context.Background(), 0, File{Name: "a", Data: img})
	}()

	<-started
	if err := p.RemoveImage(0); err != nil {
		t.Fatal(err)
	}
	close(release)
	if err := <-errc; err != nil {
		t.Fatalf("HandleImageUpload: %v", err)
	}
	if n := len(p.State().Slots); n != 0 {
		t.Errorf("late result resurrected a slot: %d slots", n)
	}
}

func TestProgressAdvancesBelowCompletion(t *testing.T) {
	release := make(chan struct{})
	p := New(uploaderFunc(func(context.Context, []byte, string, string) (string, error) {
		<-release
		return "u", nil
	}), WithProgressInterval(time.Millisecond))

	var mu sync.Mutex
	var seen []int
	unsubscribe := p.Subscribe(func(st State) {
		if len(st.Slots) > 0 && st.Slots[0].Status == StatusUploading {
			mu.Lock()
			seen = append(seen, st.Slots[0].Progress)
			mu.Unlock()
		}
	})
	defer unsubscribe()

	img := pngBytes(t, 4, 4)
	done := make(chan error, 1)
	go func() {
		done <- p.HandleImageUpload(context.Background(), 0, File{Name: "a", Data: img})
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		st := p.State()
		if len(st.Slots) > 0 && st.Slots[0].Progress >= progressCap {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("progress never reached the cap")
		}
		time.Sleep(time.Millisecond)
	}
	if !p.State().IsUploading {
		t.Error("IsUploading should be true mid-upload")
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, v := range seen {
		if v > progressCap {
			t.Fatalf("progress %d exceeded cap while uploading", v)
		}
	}
	if got := p.State().Slots[0].Progress; got != 100 {
		t.Errorf("final progress = %d, want 100", got)
	}
}

func TestUploadAllJoinsErrors(t *testing.T) {
	p := New(okUploader("u"))
	files := []File{
		{Name: "good.png", Data: pngBytes(t, 4, 4)},
		{Name: "bad.txt", Data: []byte("hello")},
		{Name: "good2.png", Data: pngBytes(t, 6, 6)},
	}

	err := p.UploadAll(context.Background(), files)
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("err = %v, want ErrUnsupportedType", err)
	}
	st := p.State()
	if len(st.Slots) != 2 {
		t.Fatalf("slots = %d, want 2", len(st.Slots))
	}
	for i, s := range st.Slots {
		if s.Status != StatusDone {
			t.Errorf("slot %d status = %s", i, s.Status)
		}
	}
}

func TestHTTPUploader(t *testing.T) {
	var gotBody []byte
	var gotType, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Content-Type")
		gotPath = r.URL.Query().Get("path")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		if gotPath == "forbidden" {
			_, _ = io.WriteString(w, `{"code":403,"msg":"category not allowed"}`)
			return
		}
		_, _ = io.WriteString(w, `{"code":0,"msg":"ok","data":{"url":"https://cdn.example.com/task/x.jpg"}}`)
	}))
	defer srv.Close()

	up := &HTTPUploader{Endpoint: srv.URL + "/api/upload", Client: srv.Client()}
	url, err := up.Upload(context.Background(), []byte{0xff, 0xd8, 0xff}, "image/jpeg", "task")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if url != "https://cdn.example.com/task/x.jpg" {
		t.Errorf("url = %q", url)
	}
	if gotType != "image/jpeg" || gotPath != "task" || len(gotBody) != 3 {
		t.Errorf("request = (%q, %q, %d bytes)", gotType, gotPath, len(gotBody))
	}

	_, err = up.Upload(context.Background(), []byte{1}, "image/jpeg", "forbidden")
	var upErr *UploadError
	if !errors.As(err, &upErr) || upErr.Code != 403 || upErr.Message != "category not allowed" {
		t.Fatalf("err = %v, want UploadError 403", err)
	}
}
