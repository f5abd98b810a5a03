package jobs

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendai/internal/enrollment"
	"attendai/internal/faceclient"
	"attendai/internal/queue"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func enrollJob(t *testing.T, studentID string) queue.Message {
	t.Helper()
	msg, err := queue.NewMessage(queue.TypeEnrollmentRequested, queue.EnrollmentRequest{
		StudentID: studentID,
		ImageURL:  "https://img.example/" + studentID + ".jpg",
	})
	require.NoError(t, err)
	return msg
}

func mockEnrollment(templates enrollment.Store) *enrollment.Service {
	return enrollment.NewService(templates,
		enrollment.WithLogger(quietLogger()),
		enrollment.WithEmbedder(faceclient.New("http://unused", true)),
		enrollment.WithDim(faceclient.MockDim),
	)
}

func TestHandleEnrollmentJob(t *testing.T) {
	templates := enrollment.NewMemory()
	h := NewHandler(mockEnrollment(templates), quietLogger())

	h.Handle(context.Background(), enrollJob(t, "stu-1"))

	tmpl, found, err := templates.Lookup(context.Background(), "stu-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, tmpl.Vector, faceclient.MockDim)
}

func TestHandleIgnoresBadMessages(t *testing.T) {
	templates := enrollment.NewMemory()
	h := NewHandler(enrollment.NewService(templates, enrollment.WithLogger(quietLogger())), quietLogger())

	h.Handle(context.Background(), queue.Message{Type: queue.TypeEnrollmentRequested, Body: []byte("{")})
	h.Handle(context.Background(), queue.Message{Type: queue.TypeAttendanceRecorded, Body: []byte("[")})
	h.Handle(context.Background(), queue.Message{Type: "unknown"})
	h.Handle(context.Background(), enrollJob(t, "stu-1"))

	_, found, err := templates.Lookup(context.Background(), "stu-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRunDrainsQueueUntilCanceled(t *testing.T) {
	templates := enrollment.NewMemory()
	h := NewHandler(mockEnrollment(templates), quietLogger())
	q := queue.NewInMemory(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx, q) }()

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Publish(context.Background(), enrollJob(t, "stu-"+string(rune('a'+i)))))
	}
	assert.Eventually(t, func() bool {
		_, found, _ := templates.Lookup(context.Background(), "stu-j")
		return found
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
