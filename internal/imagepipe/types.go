package imagepipe

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultMaxCount         = 3
	DefaultMaxDimension     = 1280
	DefaultTargetBytes      = 100 * 1024
	DefaultMaxInputBytes    = 10 * 1024 * 1024
	DefaultProgressInterval = 200 * time.Millisecond
	DefaultSavePath         = "task"

	QualityStart = 90
	QualityStep  = 10
	QualityFloor = 10

	progressStep = 10
	progressCap  = 95
)

// AllowedTypes lists the accepted source MIME types.
var AllowedTypes = []string{"image/jpeg", "image/png"}

var (
	ErrUnsupportedType = errors.New("only JPEG and PNG images are supported")
	ErrFileTooLarge    = errors.New("image file is too large")
	ErrSlotOutOfRange  = errors.New("image slot out of range")
)

// UploadError is an upload the server answered with a non-zero result code.
type UploadError struct {
	Code    int
	Message string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload rejected with code %d: %s", e.Code, e.Message)
}

// Status is the lifecycle position of one slot.
type Status string

const (
	StatusEmpty       Status = "empty"
	StatusSelected    Status = "selected"
	StatusCompressing Status = "compressing"
	StatusUploading   Status = "uploading"
	StatusDone        Status = "done"
	StatusFailed      Status = "failed"
)

// File is a user-selected image.
type File struct {
	Name string
	Data []byte
}

// SlotState is the observable state of one slot.
type SlotState struct {
	FileName       string
	ContentType    string
	Size           int
	PreviewDataURI string
	UploadedURL    string
	Status         Status
	Progress       int
	Message        string
}

// State is the observable state of the whole pipeline. Slices are indexed
// by slot position and never contain gaps.
type State struct {
	Images         [][]byte
	Previews       []string
	UploadedURLs   []string
	Slots          []SlotState
	IsUploading    bool
	UploadProgress int
	UploadStatus   string
}
