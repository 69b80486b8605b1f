package rabbitmq

import (
	"errors"
	"testing"

	"github.com/gloomyglyph/FAAS/pkg/hasher"
	"github.com/gloomyglyph/FAAS/pkg/types"
)

type fakeQueue struct {
	err   error
	tasks []types.Task
}

func (f *fakeQueue) Enqueue(task types.Task) error {
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, task)
	return nil
}

func encoded(t *testing.T) []byte {
	t.Helper()
	data := []byte("img")
	body, err := types.EncodeTask(types.StoreFaceResult{
		TaskMeta: types.TaskMeta{ImageID: "a", ContentHash: hasher.Hash(data), ImageData: data},
		Faces:    []types.FaceResult{{BBox: [4]float64{0, 0, 1, 1}}},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return body
}

func TestHandleAcksQueuedTask(t *testing.T) {
	q := &fakeQueue{}
	if got := handle(q, encoded(t)); got != ack {
		t.Fatalf("expected ack, got %v", got)
	}
	if len(q.tasks) != 1 || q.tasks[0].Kind() != types.KindFace {
		t.Fatalf("expected face task queued, got %v", q.tasks)
	}
}

func TestHandleRejectsGarbage(t *testing.T) {
	q := &fakeQueue{}
	if got := handle(q, []byte("{not json")); got != reject {
		t.Fatalf("expected reject, got %v", got)
	}
	if len(q.tasks) != 0 {
		t.Fatalf("expected nothing queued")
	}
}

func TestHandleRequeuesWhenFull(t *testing.T) {
	q := &fakeQueue{err: errors.New("persistence queue full")}
	if got := handle(q, encoded(t)); got != requeue {
		t.Fatalf("expected requeue, got %v", got)
	}
}
