package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/gloomyglyph/FAAS/pkg/hasher"
)

// Task is a unit of work for the persistence queue. The set of
// implementations is closed: StoreFaceResult and StoreAgenderResult.
type Task interface {
	Kind() BackendKind
	Meta() TaskMeta
	Payload() any
	isTask()
}

// TaskMeta is shared by every task kind
type TaskMeta struct {
	ImageID     string    `json:"image_id"`
	ContentHash string    `json:"content_hash"`
	ImageData   []byte    `json:"image_data"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// StoreFaceResult persists face-geometry detections
type StoreFaceResult struct {
	TaskMeta
	Faces []FaceResult
}

// StoreAgenderResult persists age/gender detections
type StoreAgenderResult struct {
	TaskMeta
	Agenders []AgenderResult
}

func (StoreFaceResult) isTask()    {}
func (StoreAgenderResult) isTask() {}

func (StoreFaceResult) Kind() BackendKind    { return KindFace }
func (StoreAgenderResult) Kind() BackendKind { return KindAgender }

func (t StoreFaceResult) Meta() TaskMeta    { return t.TaskMeta }
func (t StoreAgenderResult) Meta() TaskMeta { return t.TaskMeta }

func (t StoreFaceResult) Payload() any    { return t.Faces }
func (t StoreAgenderResult) Payload() any { return t.Agenders }

// NewTask projects engine detections onto the result shape of kind
func NewTask(kind BackendKind, meta TaskMeta, detections []Detection) (Task, error) {
	switch kind {
	case KindFace:
		faces := make([]FaceResult, 0, len(detections))
		for i, d := range detections {
			if len(d.BBox) != 4 {
				return nil, fmt.Errorf("%w: detection %d has %d bbox values, want 4", ErrValidation, i, len(d.BBox))
			}
			faces = append(faces, FaceResult{
				BBox:          [4]float64{d.BBox[0], d.BBox[1], d.BBox[2], d.BBox[3]},
				Landmark2D106: d.Landmark2D106,
				Landmark3D68:  d.Landmark3D68,
			})
		}
		return StoreFaceResult{TaskMeta: meta, Faces: faces}, nil
	case KindAgender:
		agenders := make([]AgenderResult, 0, len(detections))
		for _, d := range detections {
			agenders = append(agenders, AgenderResult{Age: d.Age, Gender: d.Gender})
		}
		return StoreAgenderResult{TaskMeta: meta, Agenders: agenders}, nil
	default:
		return nil, fmt.Errorf("%w: unknown backend kind %q", ErrValidation, kind)
	}
}

// TaskFromRequest builds a task from a StoreResult request
func TaskFromRequest(req StoreRequest) (Task, error) {
	meta := TaskMeta{
		ImageID:     req.ImageID,
		ContentHash: req.ContentHash,
		ImageData:   req.ImageData,
		EnqueuedAt:  time.Now().UTC(),
	}
	switch req.BackendKind {
	case KindFace:
		var faces []FaceResult
		if err := json.Unmarshal(req.Payload, &faces); err != nil {
			return nil, fmt.Errorf("%w: face payload: %v", ErrValidation, err)
		}
		return StoreFaceResult{TaskMeta: meta, Faces: faces}, nil
	case KindAgender:
		var agenders []AgenderResult
		if err := json.Unmarshal(req.Payload, &agenders); err != nil {
			return nil, fmt.Errorf("%w: agender payload: %v", ErrValidation, err)
		}
		return StoreAgenderResult{TaskMeta: meta, Agenders: agenders}, nil
	default:
		return nil, fmt.Errorf("%w: unknown backend kind %q", ErrValidation, req.BackendKind)
	}
}

// ToRequest is the inverse of TaskFromRequest
func ToRequest(t Task) (StoreRequest, error) {
	payload, err := json.Marshal(t.Payload())
	if err != nil {
		return StoreRequest{}, fmt.Errorf("%w: payload not serializable: %v", ErrValidation, err)
	}
	m := t.Meta()
	return StoreRequest{
		ImageID:     m.ImageID,
		ContentHash: m.ContentHash,
		BackendKind: t.Kind(),
		ImageData:   m.ImageData,
		Payload:     payload,
	}, nil
}

// EncodeTask serializes a task for transport between processes
func EncodeTask(t Task) ([]byte, error) {
	req, err := ToRequest(t)
	if err != nil {
		return nil, err
	}
	return json.Marshal(req)
}

// DecodeTask is the inverse of EncodeTask
func DecodeTask(body []byte) (Task, error) {
	var req StoreRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: task envelope: %v", ErrValidation, err)
	}
	return TaskFromRequest(req)
}

// ValidateTask checks a task's structure before anything is written
func ValidateTask(t Task) error {
	if err := validateMeta(t.Meta()); err != nil {
		return err
	}

	switch task := t.(type) {
	case StoreFaceResult:
		if len(task.Faces) == 0 {
			return fmt.Errorf("%w: no face results", ErrValidation)
		}
		for i, f := range task.Faces {
			if err := validateFace(f); err != nil {
				return fmt.Errorf("%w: face %d: %v", ErrValidation, i, err)
			}
		}
	case StoreAgenderResult:
		if len(task.Agenders) == 0 {
			return fmt.Errorf("%w: no agender results", ErrValidation)
		}
		for i, a := range task.Agenders {
			if a.Age < 0 || a.Age > 150 {
				return fmt.Errorf("%w: agender %d: age %d out of range", ErrValidation, i, a.Age)
			}
			if a.Gender != "male" && a.Gender != "female" {
				return fmt.Errorf("%w: agender %d: gender %q", ErrValidation, i, a.Gender)
			}
		}
	default:
		return fmt.Errorf("%w: unknown task %T", ErrValidation, t)
	}

	if _, err := json.Marshal(t.Payload()); err != nil {
		return fmt.Errorf("%w: payload not serializable: %v", ErrValidation, err)
	}
	return nil
}

func validateMeta(m TaskMeta) error {
	if m.ImageID == "" {
		return fmt.Errorf("%w: empty image_id", ErrValidation)
	}
	if len(m.ContentHash) != hasher.Size*2 {
		return fmt.Errorf("%w: content_hash must be %d hex chars", ErrValidation, hasher.Size*2)
	}
	if _, err := hex.DecodeString(m.ContentHash); err != nil {
		return fmt.Errorf("%w: content_hash is not hex", ErrValidation)
	}
	if len(m.ImageData) == 0 {
		return fmt.Errorf("%w: empty image_data", ErrValidation)
	}
	if hasher.Hash(m.ImageData) != m.ContentHash {
		return fmt.Errorf("%w: content_hash does not match image_data", ErrValidation)
	}
	return nil
}

func validateFace(f FaceResult) error {
	for _, v := range f.BBox {
		if !finite(v) {
			return fmt.Errorf("bbox has non-finite value")
		}
	}
	if f.BBox[2] < f.BBox[0] || f.BBox[3] < f.BBox[1] {
		return fmt.Errorf("bbox corners inverted")
	}
	for _, p := range f.Landmark2D106 {
		if !finite(p.X) || !finite(p.Y) {
			return fmt.Errorf("2d landmark has non-finite value")
		}
	}
	for _, p := range f.Landmark3D68 {
		if !finite(p.X) || !finite(p.Y) || !finite(p.Z) {
			return fmt.Errorf("3d landmark has non-finite value")
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
