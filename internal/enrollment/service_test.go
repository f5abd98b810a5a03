package enrollment

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"attendai/internal/faceclient"
)

type stubEmbedder struct {
	vec     []float32
	err     error
	url     string
	faces   int
	score   float64
	quality *faceclient.FaceQuality
}

func (e *stubEmbedder) EmbedWithScore(_ context.Context, imageURL string) (*faceclient.EmbedResult, error) {
	e.url = imageURL
	if e.err != nil {
		return nil, e.err
	}
	return &faceclient.EmbedResult{Embedding: e.vec, Score: e.score, FacesDetected: e.faces, Quality: e.quality}, nil
}

type failingStore struct{ err error }

func (f failingStore) Lookup(context.Context, string) (Template, bool, error) {
	return Template{}, false, f.err
}
func (f failingStore) Save(context.Context, Template) error { return f.err }

func descriptor(dim int, v float32) []float32 {
	out := make([]float32, dim)
	for i := range out {
		out[i] = v
	}
	return out
}

type ServiceSuite struct {
	suite.Suite
	store   *Memory
	embed   *stubEmbedder
	service *Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.store = NewMemory()
	s.embed = &stubEmbedder{faces: 1, score: 0.9}
	s.service = NewService(s.store, WithEmbedder(s.embed), WithDim(4), WithMinQuality(0.5))
}

func (s *ServiceSuite) TestEnroll() {
	ctx := context.Background()

	s.Run("stores the descriptor", func() {
		tmpl, err := s.service.Enroll(ctx, "stu-1", descriptor(4, 0.25))
		s.Require().NoError(err)
		s.Equal("stu-1", tmpl.StudentID)
		s.False(tmpl.CapturedAt.IsZero())

		got, found, err := s.store.Lookup(ctx, "stu-1")
		s.Require().NoError(err)
		s.True(found)
		s.Equal(descriptor(4, 0.25), got.Vector)
	})

	s.Run("re-enrollment overwrites", func() {
		_, err := s.service.Enroll(ctx, "stu-2", descriptor(4, 0.1))
		s.Require().NoError(err)
		_, err = s.service.Enroll(ctx, "stu-2", descriptor(4, 0.9))
		s.Require().NoError(err)

		got, found, err := s.service.Lookup(ctx, "stu-2")
		s.Require().NoError(err)
		s.True(found)
		s.Equal(descriptor(4, 0.9), got.Vector)
	})

	s.Run("wrong dimension is rejected", func() {
		_, err := s.service.Enroll(ctx, "stu-3", descriptor(3, 0.1))
		s.ErrorIs(err, ErrInvalidDescriptor)
		_, found, _ := s.store.Lookup(ctx, "stu-3")
		s.False(found)
	})

	s.Run("non-finite values are rejected", func() {
		d := descriptor(4, 0.1)
		d[2] = float32(math.NaN())
		_, err := s.service.Enroll(ctx, "stu-4", d)
		s.ErrorIs(err, ErrInvalidDescriptor)
	})

	s.Run("student id is required", func() {
		_, err := s.service.Enroll(ctx, "", descriptor(4, 0.1))
		s.ErrorIs(err, ErrStudentRequired)
	})
}

func (s *ServiceSuite) TestEnrollFromImage() {
	ctx := context.Background()

	s.Run("embeds and stores", func() {
		s.embed.vec = descriptor(4, 0.5)
		tmpl, err := s.service.EnrollFromImage(ctx, "stu-5", "https://img.example/5.jpg")
		s.Require().NoError(err)
		s.Equal("https://img.example/5.jpg", s.embed.url)
		s.Equal(descriptor(4, 0.5), tmpl.Vector)
	})

	s.Run("embed failure is wrapped", func() {
		boom := errors.New("face service down")
		s.embed.err = boom
		_, err := s.service.EnrollFromImage(ctx, "stu-6", "https://img.example/6.jpg")
		s.ErrorIs(err, boom)
		s.embed.err = nil
	})

	s.Run("group photo is rejected", func() {
		s.embed.vec = descriptor(4, 0.5)
		s.embed.faces = 2
		_, err := s.service.EnrollFromImage(ctx, "stu-8", "https://img.example/8.jpg")
		s.ErrorIs(err, ErrMultipleFaces)
		s.embed.faces = 1
		_, found, _ := s.store.Lookup(ctx, "stu-8")
		s.False(found)
	})

	s.Run("low detection score is rejected", func() {
		s.embed.vec = descriptor(4, 0.5)
		s.embed.score = 0.3
		_, err := s.service.EnrollFromImage(ctx, "stu-9", "https://img.example/9.jpg")
		s.ErrorIs(err, ErrLowQuality)
		s.embed.score = 0.9
	})

	s.Run("low quality score is rejected", func() {
		s.embed.vec = descriptor(4, 0.5)
		s.embed.quality = &faceclient.FaceQuality{Score: 0.2, Blur: 0.8}
		_, err := s.service.EnrollFromImage(ctx, "stu-10", "https://img.example/10.jpg")
		s.ErrorIs(err, ErrLowQuality)
		s.embed.quality = &faceclient.FaceQuality{Score: 0.8, IsFrontal: true}
		_, err = s.service.EnrollFromImage(ctx, "stu-10", "https://img.example/10.jpg")
		s.NoError(err)
		s.embed.quality = nil
	})

	s.Run("image url is required", func() {
		_, err := s.service.EnrollFromImage(ctx, "stu-7", "")
		s.Error(err)
	})
}

func TestServiceStoreFailure(t *testing.T) {
	boom := errors.New("db down")
	svc := NewService(failingStore{err: boom}, WithDim(2))
	_, err := svc.Enroll(context.Background(), "stu", []float32{1, 2})
	assert.ErrorIs(t, err, boom)
}

func TestMemoryLookupReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Save(ctx, Template{StudentID: "a", Vector: []float32{1, 2}}))

	got, found, err := m.Lookup(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)
	got.Vector[0] = 99

	again, _, _ := m.Lookup(ctx, "a")
	assert.Equal(t, []float32{1, 2}, again.Vector)

	_, found, err = m.Lookup(ctx, "missing")
	assert.NoError(t, err)
	assert.False(t, found)
}
