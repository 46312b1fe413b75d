// Package imagepipe manages a fixed number of image slots: each selected
// image gets an immediate data-URI preview, is down-scaled and re-encoded to
// fit a byte budget, and is uploaded on its own. Slots fail independently.
package imagepipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"
)

var (
	uploadCounter   = metrics.GetOrCreateCounter("imagepipe_uploads_total")
	failureCounter  = metrics.GetOrCreateCounter("imagepipe_upload_failures_total")
	rejectCounter   = metrics.GetOrCreateCounter("imagepipe_rejected_files_total")
	compressedBytes = metrics.GetOrCreateHistogram("imagepipe_compressed_bytes")
)

type slot struct {
	file        []byte
	fileName    string
	contentType string
	preview     string
	uploadedURL string
	status      Status
	progress    int
	message     string
}

func (s *slot) state() SlotState {
	return SlotState{
		FileName:       s.fileName,
		ContentType:    s.contentType,
		Size:           len(s.file),
		PreviewDataURI: s.preview,
		UploadedURL:    s.uploadedURL,
		Status:         s.status,
		Progress:       s.progress,
		Message:        s.message,
	}
}

// Pipeline holds the slots of one upload form.
type Pipeline struct {
	uploader         Uploader
	logger           *slog.Logger
	maxCount         int
	maxDimension     int
	targetBytes      int
	maxInputBytes    int
	progressInterval time.Duration
	savePath         string
	parallelism      int

	mu          sync.Mutex
	slots       []*slot
	status      string
	subscribers map[uint64]func(State)
	nextSub     uint64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithMaxCount(n int) Option { return func(p *Pipeline) { p.maxCount = n } }

func WithMaxDimension(px int) Option { return func(p *Pipeline) { p.maxDimension = px } }

func WithTargetBytes(n int) Option { return func(p *Pipeline) { p.targetBytes = n } }

func WithMaxInputBytes(n int) Option { return func(p *Pipeline) { p.maxInputBytes = n } }

func WithProgressInterval(d time.Duration) Option {
	return func(p *Pipeline) { p.progressInterval = d }
}

// WithSavePath sets the logical category sent with every upload.
func WithSavePath(path string) Option { return func(p *Pipeline) { p.savePath = path } }

// WithParallelism bounds how many slots UploadAll compresses at once.
func WithParallelism(n int) Option { return func(p *Pipeline) { p.parallelism = n } }

func WithLogger(logger *slog.Logger) Option { return func(p *Pipeline) { p.logger = logger } }

// New returns an empty Pipeline uploading through uploader.
func New(uploader Uploader, opts ...Option) *Pipeline {
	p := &Pipeline{
		uploader:         uploader,
		logger:           slog.Default(),
		maxCount:         DefaultMaxCount,
		maxDimension:     DefaultMaxDimension,
		targetBytes:      DefaultTargetBytes,
		maxInputBytes:    DefaultMaxInputBytes,
		progressInterval: DefaultProgressInterval,
		savePath:         DefaultSavePath,
		parallelism:      2,
		subscribers:      make(map[uint64]func(State)),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxCount <= 0 {
		p.maxCount = DefaultMaxCount
	}
	if p.parallelism <= 0 {
		p.parallelism = 1
	}
	return p
}

// HandleImageUpload validates file, shows its preview in slot index at once,
// then compresses and uploads it. Selecting into an occupied slot replaces
// it; an index past the last occupied slot appends.
func (p *Pipeline) HandleImageUpload(ctx context.Context, index int, file File) error {
	s, err := p.selectFile(index, file)
	if err != nil {
		return err
	}
	return p.process(ctx, s)
}

// UploadAll appends every file to the next free slots and processes them
// concurrently. Each slot fails on its own; the joined errors are returned.
func (p *Pipeline) UploadAll(ctx context.Context, files []File) error {
	var errs []error
	var selected []*slot
	for _, f := range files {
		p.mu.Lock()
		next := len(p.slots)
		p.mu.Unlock()
		s, err := p.selectFile(next, f)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.Name, err))
			continue
		}
		selected = append(selected, s)
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(p.parallelism)
	for _, s := range selected {
		g.Go(func() error {
			if err := p.process(ctx, s); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", s.fileName, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// RemoveImage drops slot index and shifts later slots down.
func (p *Pipeline) RemoveImage(index int) error {
	p.mu.Lock()
	if index < 0 || index >= len(p.slots) {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrSlotOutOfRange, index)
	}
	p.slots = slices.Delete(p.slots, index, index+1)
	p.mu.Unlock()
	p.notify()
	return nil
}

// ResetImages empties every slot.
func (p *Pipeline) ResetImages() {
	p.mu.Lock()
	p.slots = nil
	p.status = ""
	p.mu.Unlock()
	p.notify()
}

// State returns a snapshot of the pipeline.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked()
}

// Subscribe registers fn for every state change and returns its
// unsubscribe function. fn runs on the goroutine that caused the change.
func (p *Pipeline) Subscribe(fn func(State)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSub
	p.nextSub++
	p.subscribers[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subscribers, id)
	}
}

func (p *Pipeline) stateLocked() State {
	st := State{UploadStatus: p.status}
	var progressSum, progressN int
	for _, s := range p.slots {
		st.Images = append(st.Images, s.file)
		st.Previews = append(st.Previews, s.preview)
		st.UploadedURLs = append(st.UploadedURLs, s.uploadedURL)
		st.Slots = append(st.Slots, s.state())
		switch s.status {
		case StatusCompressing, StatusUploading:
			st.IsUploading = true
		}
		if s.status == StatusUploading || s.status == StatusDone {
			progressSum += s.progress
			progressN++
		}
	}
	if progressN > 0 {
		st.UploadProgress = progressSum / progressN
	}
	return st
}

func (p *Pipeline) notify() {
	p.mu.Lock()
	st := p.stateLocked()
	subs := make([]func(State), 0, len(p.subscribers))
	for _, fn := range p.subscribers {
		subs = append(subs, fn)
	}
	p.mu.Unlock()

	for _, fn := range subs {
		fn(st)
	}
}

func (p *Pipeline) setStatus(msg string) {
	p.mu.Lock()
	p.status = msg
	p.mu.Unlock()
	p.notify()
}

// selectFile validates file and places it, with its preview, into a slot.
func (p *Pipeline) selectFile(index int, file File) (*slot, error) {
	if index < 0 || index >= p.maxCount {
		return nil, fmt.Errorf("%w: %d", ErrSlotOutOfRange, index)
	}
	if len(file.Data) > p.maxInputBytes {
		rejectCounter.Inc()
		p.setStatus(ErrFileTooLarge.Error())
		return nil, fmt.Errorf("%w: %d bytes", ErrFileTooLarge, len(file.Data))
	}
	mime := mimetype.Detect(file.Data)
	if !mimetype.EqualsAny(mime.String(), AllowedTypes...) {
		rejectCounter.Inc()
		p.setStatus(ErrUnsupportedType.Error())
		return nil, fmt.Errorf("%w: got %s", ErrUnsupportedType, mime.String())
	}

	s := &slot{
		file:        file.Data,
		fileName:    file.Name,
		contentType: mime.String(),
		preview:     DataURI(mime.String(), file.Data),
		status:      StatusSelected,
	}

	p.mu.Lock()
	if index < len(p.slots) {
		p.slots[index] = s
	} else {
		p.slots = append(p.slots, s)
	}
	p.status = "image selected"
	p.mu.Unlock()
	p.notify()
	return s, nil
}

// update applies fn to s if s is still in the pipeline; a slot replaced or
// removed mid-flight is ignored.
func (p *Pipeline) update(s *slot, fn func(*slot)) bool {
	p.mu.Lock()
	if !slices.Contains(p.slots, s) {
		p.mu.Unlock()
		return false
	}
	fn(s)
	p.mu.Unlock()
	p.notify()
	return true
}

func (p *Pipeline) process(ctx context.Context, s *slot) error {
	logger := p.logger.With("file", s.fileName)

	if !p.update(s, func(s *slot) {
		s.status = StatusCompressing
		p.status = "compressing image"
	}) {
		return nil
	}
	compressed, err := Compress(s.file, p.maxDimension, p.targetBytes)
	if err != nil {
		logger.Error("image compression failed", "error", err)
		p.fail(s, err)
		return err
	}
	compressedBytes.Update(float64(len(compressed.Data)))
	logger.Info("image compressed",
		"original_size", len(s.file),
		"compressed_size", len(compressed.Data),
		"quality", compressed.Quality,
		"width", compressed.Width,
		"height", compressed.Height,
	)

	if !p.update(s, func(s *slot) {
		s.file = compressed.Data
		s.contentType = "image/jpeg"
		s.status = StatusUploading
		s.progress = 0
		s.uploadedURL = ""
		p.status = "uploading image"
	}) {
		return nil
	}

	stop := p.fakeProgress(s)
	uploadCounter.Inc()
	url, err := p.uploader.Upload(ctx, compressed.Data, "image/jpeg", p.savePath)
	stop()

	if err != nil {
		logger.Error("image upload failed", "error", err)
		p.fail(s, err)
		return err
	}
	p.update(s, func(s *slot) {
		s.status = StatusDone
		s.uploadedURL = url
		s.progress = 100
		s.message = ""
		p.status = "upload succeeded"
	})
	logger.Info("image uploaded", "url", url)
	return nil
}

// fail marks s failed. The preview stays so the selection remains visible.
func (p *Pipeline) fail(s *slot, err error) {
	failureCounter.Inc()
	p.update(s, func(s *slot) {
		s.status = StatusFailed
		s.uploadedURL = ""
		s.message = err.Error()
		p.status = "upload failed: " + err.Error()
	})
}

// fakeProgress advances s.progress on a timer, capped below completion,
// because the transport reports no byte-level progress.
func (p *Pipeline) fakeProgress(s *slot) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(p.progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				p.update(s, func(s *slot) {
					if s.status == StatusUploading {
						s.progress = min(s.progress+progressStep, progressCap)
					}
				})
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}
