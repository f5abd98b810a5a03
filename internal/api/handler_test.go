package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"attendai/internal/attendance"
	"attendai/internal/auth"
	"attendai/internal/capture"
	"attendai/internal/cloudinary"
	"attendai/internal/enrollment"
	"attendai/internal/match"
	"attendai/internal/queue"
	"attendai/internal/verify"
)

var face = []float32{0.1, 0.2, 0.3}

type photoStub struct {
	err error
}

func (p photoStub) UploadPhoto(_ context.Context, studentID string, _ []byte, _ string) (*cloudinary.UploadResult, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &cloudinary.UploadResult{SecureURL: "https://res.cloudinary.com/demo/" + studentID + ".jpg"}, nil
}

type HandlerSuite struct {
	suite.Suite
	router   *gin.Engine
	issuer   *auth.Issuer
	records  *attendance.Memory
	queue    *queue.InMemory
	sessions *verify.Manager
	loadErr  error
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	gin.SetMode(gin.TestMode)
	s.loadErr = nil
	s.issuer = auth.NewIssuer("attendai", "test-key", time.Minute, time.Hour)
	s.records = attendance.NewMemory()
	s.queue = queue.NewInMemory(8)

	templates := enrollment.NewMemory()
	enroll := enrollment.NewService(templates, enrollment.WithDim(3))
	detector := capture.DetectorFunc(func(_ context.Context, f capture.Frame) (*capture.Detection, error) {
		if string(f.Data) == "face" {
			return &capture.Detection{Descriptor: face}, nil
		}
		return nil, nil
	})
	loader := loaderFunc(func(context.Context) (capture.Detector, error) {
		if s.loadErr != nil {
			return nil, s.loadErr
		}
		return detector, nil
	})
	s.sessions = verify.NewManager(loader, templates, match.NewMatcher(0.6), attendance.NewService(s.records),
		verify.WithLoopIdle(time.Millisecond), verify.WithSuccessLinger(time.Hour))
	s.T().Cleanup(s.sessions.CloseAll)

	h := New(Deps{
		Issuer:     s.issuer,
		DevTokens:  true,
		Enrollment: enroll,
		Attendance: attendance.NewService(s.records),
		Sessions:   s.sessions,
		Queue:      s.queue,
		Photos:     photoStub{},
		Checks:     map[string]HealthCheck{"db": func(context.Context) bool { return true }},
	})
	s.router = gin.New()
	h.Register(s.router)
}

type loaderFunc func(ctx context.Context) (capture.Detector, error)

func (f loaderFunc) Load(ctx context.Context) (capture.Detector, error) { return f(ctx) }

func (s *HandlerSuite) token(studentID string) string {
	pair, err := s.issuer.Issue(studentID, auth.RoleStudent)
	s.Require().NoError(err)
	return pair.AccessToken
}

func (s *HandlerSuite) do(method, path, student string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case []byte:
		buf.Write(b)
	default:
		s.Require().NoError(json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if student != "" {
		req.Header.Set("Authorization", "Bearer "+s.token(student))
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](s *HandlerSuite, w *httptest.ResponseRecorder) T {
	var out T
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

// openAndShow opens a session for student and feeds it one frame.
func (s *HandlerSuite) openAndShow(student, frame string) verify.Snapshot {
	w := s.do(http.MethodPost, "/v1/sessions", student, map[string]string{"class_id": "cls-1", "date": "2024-05-01"})
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
	snap := decode[verify.Snapshot](s, w)

	w = s.do(http.MethodPost, "/v1/sessions/"+snap.ID+"/frames", student, []byte(frame))
	s.Require().Equal(http.StatusAccepted, w.Code, w.Body.String())

	if frame == "face" {
		s.Require().Eventually(func() bool {
			w := s.do(http.MethodGet, "/v1/sessions/"+snap.ID, student, nil)
			return decode[verify.Snapshot](s, w).FacePresent
		}, time.Second, 5*time.Millisecond)
	}
	return snap
}

func (s *HandlerSuite) enroll(student string, vec []float32) {
	w := s.do(http.MethodPost, "/v1/enrollments", student, map[string]any{"descriptor": vec})
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
}

func (s *HandlerSuite) TestIssueToken() {
	w := s.do(http.MethodPost, "/v1/auth/token", "", map[string]string{"student_id": "stu-1"})
	s.Equal(http.StatusCreated, w.Code)
	pair := decode[auth.TokenPair](s, w)
	claims, err := s.issuer.Parse(pair.AccessToken)
	s.Require().NoError(err)
	s.Equal("stu-1", claims.Subject)

	w = s.do(http.MethodPost, "/v1/auth/token", "", map[string]string{})
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *HandlerSuite) TestTokenRouteOffWithoutDevTokens() {
	r := gin.New()
	New(Deps{Issuer: s.issuer, Sessions: s.sessions}).Register(r)

	var buf bytes.Buffer
	s.Require().NoError(json.NewEncoder(&buf).Encode(map[string]string{"student_id": "victim"}))
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/token", &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	s.Equal(http.StatusNotFound, w.Code)
	s.NotContains(w.Body.String(), "access_token")
}

func (s *HandlerSuite) TestRequiresToken() {
	w := s.do(http.MethodPost, "/v1/sessions", "", map[string]string{"class_id": "cls-1"})
	s.Equal(http.StatusUnauthorized, w.Code)
}

func (s *HandlerSuite) TestEnrollValidatesDescriptor() {
	w := s.do(http.MethodPost, "/v1/enrollments", "stu-1", map[string]any{"descriptor": []float32{1, 2}})
	s.Equal(http.StatusBadRequest, w.Code)
	s.enroll("stu-1", face)
}

func (s *HandlerSuite) TestMarkAttendanceFlow() {
	s.enroll("stu-1", face)
	snap := s.openAndShow("stu-1", "face")
	s.Equal(verify.Detecting, snap.State)

	w := s.do(http.MethodPost, "/v1/sessions/"+snap.ID+"/mark", "stu-1", nil)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	body := decode[map[string]any](s, w)
	s.Equal("success", body["state"])
	s.NotEmpty(body["recorded_at"])
	s.NotContains(w.Body.String(), "distance")

	w = s.do(http.MethodGet, "/v1/attendance?class_id=cls-1", "stu-1", nil)
	s.Equal(http.StatusOK, w.Code)
	list := decode[struct {
		Records []attendance.Record `json:"records"`
	}](s, w)
	s.Require().Len(list.Records, 1)
	s.Equal("2024-05-01", list.Records[0].Date)

	// a second session the same day reports the existing record
	snap = s.openAndShow("stu-1", "face")
	w = s.do(http.MethodPost, "/v1/sessions/"+snap.ID+"/mark", "stu-1", nil)
	s.Equal(http.StatusOK, w.Code)
	s.Equal("already_recorded", decode[map[string]any](s, w)["state"])
	s.Equal(1, s.records.Len())
}

func (s *HandlerSuite) TestMarkOutcomesMapToStatus() {
	snap := s.openAndShow("stu-1", "face")
	w := s.do(http.MethodPost, "/v1/sessions/"+snap.ID+"/mark", "stu-1", nil)
	s.Equal(http.StatusNotFound, w.Code, "no enrollment")
	s.Equal("no_enrollment", decode[map[string]any](s, w)["code"])

	w = s.do(http.MethodPost, "/v1/sessions/"+snap.ID+"/mark", "stu-1", nil)
	s.Equal(http.StatusConflict, w.Code, "mark from mismatch needs retry")

	w = s.do(http.MethodPost, "/v1/sessions/"+snap.ID+"/retry", "stu-1", nil)
	s.Equal(http.StatusOK, w.Code)

	s.enroll("stu-1", []float32{0.1, 0.2, 1.1})
	w = s.do(http.MethodPost, "/v1/sessions/"+snap.ID+"/mark", "stu-1", nil)
	s.Equal(http.StatusUnprocessableEntity, w.Code)
	s.Equal("mismatch", decode[map[string]any](s, w)["code"])
	s.Zero(s.records.Len())
}

func (s *HandlerSuite) TestNoFaceIsUnprocessable() {
	s.enroll("stu-1", face)
	snap := s.openAndShow("stu-1", "wall")
	w := s.do(http.MethodPost, "/v1/sessions/"+snap.ID+"/mark", "stu-1", nil)
	s.Equal(http.StatusUnprocessableEntity, w.Code)
	s.Equal("no_face_present", decode[map[string]any](s, w)["code"])
}

func (s *HandlerSuite) TestMarkAbandonedByClient() {
	s.enroll("stu-1", face)
	snap := s.openAndShow("stu-1", "face")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+snap.ID+"/mark", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+s.token("stu-1"))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	s.Equal(statusClientClosedRequest, w.Code)
	s.NotContains(w.Body.String(), "internal error")
	s.Zero(s.records.Len())

	w = s.do(http.MethodGet, "/v1/sessions/"+snap.ID, "stu-1", nil)
	s.Equal(verify.Detecting, decode[verify.Snapshot](s, w).State)
}

func (s *HandlerSuite) TestCapabilityFailure() {
	s.loadErr = errors.New("model download failed")
	w := s.do(http.MethodPost, "/v1/sessions", "stu-1", map[string]string{"class_id": "cls-1"})
	s.Equal(http.StatusServiceUnavailable, w.Code)
	snap := decode[map[string]any](s, w)
	s.Equal("error", snap["state"])
	s.Equal("capability_unavailable_model", snap["code"])
	s.Zero(s.sessions.Len())
}

func (s *HandlerSuite) TestSessionOwnership() {
	snap := s.openAndShow("stu-1", "wall")

	w := s.do(http.MethodGet, "/v1/sessions/"+snap.ID, "stu-2", nil)
	s.Equal(http.StatusForbidden, w.Code)
	w = s.do(http.MethodPost, "/v1/sessions/"+snap.ID+"/mark", "stu-2", nil)
	s.Equal(http.StatusForbidden, w.Code)

	w = s.do(http.MethodGet, "/v1/sessions/unknown", "stu-1", nil)
	s.Equal(http.StatusNotFound, w.Code)
}

func (s *HandlerSuite) TestCloseSession() {
	snap := s.openAndShow("stu-1", "wall")
	w := s.do(http.MethodDelete, "/v1/sessions/"+snap.ID, "stu-1", nil)
	s.Equal(http.StatusNoContent, w.Code)

	w = s.do(http.MethodGet, "/v1/sessions/"+snap.ID, "stu-1", nil)
	s.Equal(http.StatusNotFound, w.Code)
}

func (s *HandlerSuite) TestOpenSessionValidatesDate() {
	w := s.do(http.MethodPost, "/v1/sessions", "stu-1", map[string]string{"class_id": "cls-1", "date": "01/05/2024"})
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *HandlerSuite) TestEmptyFrameRejected() {
	snap := s.openAndShow("stu-1", "wall")
	w := s.do(http.MethodPost, "/v1/sessions/"+snap.ID+"/frames", "stu-1", []byte{})
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *HandlerSuite) TestEnrollJobQueued() {
	w := s.do(http.MethodPost, "/v1/enrollments/jobs", "stu-1", map[string]string{"image_url": "https://img.example/alice.jpg"})
	s.Require().Equal(http.StatusAccepted, w.Code, w.Body.String())

	msg := s.nextMessage()
	s.Equal(queue.TypeEnrollmentRequested, msg.Type)
	var req queue.EnrollmentRequest
	s.Require().NoError(msg.Decode(&req))
	s.Equal("stu-1", req.StudentID)
	s.Equal("https://img.example/alice.jpg", req.ImageURL)

	w = s.do(http.MethodPost, "/v1/enrollments/jobs", "stu-1", map[string]string{"image_url": "not a url"})
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *HandlerSuite) TestEnrollPhotoUploadsAndQueues() {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("photo", "me.jpg")
	s.Require().NoError(err)
	_, _ = part.Write([]byte("jpeg"))
	s.Require().NoError(mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/enrollments/photo", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+s.token("stu-7"))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	s.Require().Equal(http.StatusAccepted, w.Code, w.Body.String())

	var job queue.EnrollmentRequest
	s.Require().NoError(s.nextMessage().Decode(&job))
	s.Equal("https://res.cloudinary.com/demo/stu-7.jpg", job.ImageURL)
}

func (s *HandlerSuite) TestHealthz() {
	w := s.do(http.MethodGet, "/healthz", "", nil)
	s.Equal(http.StatusOK, w.Code)
	s.Equal(true, decode[map[string]any](s, w)["db"])
}

func (s *HandlerSuite) nextMessage() queue.Message {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msgs, err := s.queue.Consume(ctx)
	s.Require().NoError(err)
	select {
	case msg, ok := <-msgs:
		s.Require().True(ok)
		return msg
	case <-ctx.Done():
		s.FailNow("no message queued")
		return queue.Message{}
	}
}

func TestStatusForCancellation(t *testing.T) {
	assert.Equal(t, statusClientClosedRequest, statusFor(context.Canceled))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
