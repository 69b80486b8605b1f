package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// BackendKind identifies an analysis backend
type BackendKind string

const (
	KindFace    BackendKind = "face"
	KindAgender BackendKind = "agender"
)

// Kinds lists every supported backend in fan-out order
var Kinds = []BackendKind{KindFace, KindAgender}

// ParseBackendKind validates a backend name
func ParseBackendKind(s string) (BackendKind, error) {
	switch BackendKind(s) {
	case KindFace, KindAgender:
		return BackendKind(s), nil
	default:
		return "", fmt.Errorf("unknown backend kind %q", s)
	}
}

// Field returns the dedup index field for this backend (e.g. "face_results")
func (k BackendKind) Field() string {
	return string(k) + "_results"
}

// Submission is one image handed to the input service
type Submission struct {
	RequestID string    `json:"request_id"` // assigned by the dispatcher
	ImageID   string    `json:"image_id"`   // caller-assigned, not unique
	ImageData []byte    `json:"image_data"`
	Accepted  time.Time `json:"accepted_at"`
}

// Response is the RPC result shape shared by every entry point
type Response struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message"`
}

// OK is a successful Response
func OK() Response {
	return Response{Success: true}
}

// Fail builds a failed Response from an error
func Fail(err error) Response {
	if err == nil {
		return Response{Success: false, ErrorMessage: "unknown error"}
	}
	return Response{Success: false, ErrorMessage: err.Error()}
}

// SubmitRequest is the body of Submit and of the Analyze* entry points
type SubmitRequest struct {
	ImageID   string `json:"image_id"`
	ImageData []byte `json:"image_data"` // base64 in JSON
}

// StoreRequest is the body of StoreResult
type StoreRequest struct {
	ImageID     string          `json:"image_id"`
	ContentHash string          `json:"content_hash"`
	BackendKind BackendKind     `json:"backend_kind"`
	ImageData   []byte          `json:"image_data"`
	Payload     json.RawMessage `json:"payload"` // []FaceResult or []AgenderResult
}

// Point2D is a 2D landmark
type Point2D struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
}

// Point3D is a 3D landmark
type Point3D struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
	Z float64 `json:"z" msgpack:"z"`
}

// Detection is one face found by an inference engine. Engines fill the
// fields they support; each gateway keeps the fields of its own kind.
type Detection struct {
	BBox          []float64 `json:"bbox" msgpack:"bbox"`
	Score         float64   `json:"det_score" msgpack:"det_score"`
	Landmark2D106 []Point2D `json:"landmark_2d_106,omitempty" msgpack:"landmark_2d_106"`
	Landmark3D68  []Point3D `json:"landmark_3d_68,omitempty" msgpack:"landmark_3d_68"`
	Age           int       `json:"age" msgpack:"age"`
	Gender        string    `json:"gender" msgpack:"gender"`
}

// FaceResult is the persisted face-geometry result
type FaceResult struct {
	BBox          [4]float64 `json:"bbox"`
	Landmark2D106 []Point2D  `json:"landmark_2d_106"`
	Landmark3D68  []Point3D  `json:"landmark_3d_68"`
}

// AgenderResult is the persisted age/gender result
type AgenderResult struct {
	Age    int    `json:"age"`
	Gender string `json:"gender"`
}

// StoredEvent is announced after a result has been durably written
type StoredEvent struct {
	ImageID     string      `json:"image_id"`
	ContentHash string      `json:"content_hash"`
	BackendKind BackendKind `json:"backend_kind"`
	BlobRef     string      `json:"blob_ref"`
	RecordID    string      `json:"record_id"`
	StoredAt    time.Time   `json:"stored_at"`
}
