package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"attendai/internal/attendance"
	"attendai/internal/auth"
	"attendai/internal/cloudinary"
	"attendai/internal/enrollment"
	"attendai/internal/httpmiddleware"
	"attendai/internal/queue"
	"attendai/internal/verify"
)

// Enroller saves face templates.
type Enroller interface {
	Enroll(ctx context.Context, studentID string, descriptor []float32) (enrollment.Template, error)
}

// AttendanceLister queries attendance records.
type AttendanceLister interface {
	List(ctx context.Context, f attendance.Filter) ([]attendance.Record, error)
}

// PhotoUploader stores enrollment photos and returns their URL.
type PhotoUploader interface {
	UploadPhoto(ctx context.Context, studentID string, data []byte, filename string) (*cloudinary.UploadResult, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Deps wires the handler. DevTokens mounts the credential-free token
// endpoint and must stay off in production.
type Deps struct {
	Issuer        *auth.Issuer
	DevTokens     bool
	Enrollment    Enroller
	Attendance    AttendanceLister
	Sessions      *verify.Manager
	Queue         queue.Queue
	Photos        PhotoUploader
	Limiter       httpmiddleware.Limiter
	Checks        map[string]HealthCheck
	Metrics       http.Handler
	MaxFrameBytes int64
	Logger        *slog.Logger
}

// Handler serves the attendance API.
type Handler struct {
	Deps
	now func() time.Time
}

// New creates a handler.
func New(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.MaxFrameBytes <= 0 {
		d.MaxFrameBytes = 2 << 20
	}
	return &Handler{Deps: d, now: time.Now}
}

// Register mounts all routes on r.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", h.Healthz)
	if h.Metrics != nil {
		r.GET("/metrics", gin.WrapH(h.Metrics))
	}
	if h.DevTokens {
		r.POST("/v1/auth/token", h.limit(), h.IssueToken)
	}

	v1 := r.Group("/v1", auth.Middleware(h.Issuer))
	v1.POST("/enrollments", h.limit(), h.Enroll)
	v1.POST("/enrollments/jobs", h.limit(), h.EnrollJob)
	v1.POST("/enrollments/photo", h.limit(), h.EnrollPhoto)

	v1.POST("/sessions", h.limit(), h.OpenSession)
	v1.GET("/sessions/:id", h.GetSession)
	v1.POST("/sessions/:id/frames", h.PushFrame)
	v1.POST("/sessions/:id/mark", h.limit(), h.Mark)
	v1.POST("/sessions/:id/retry", h.Retry)
	v1.DELETE("/sessions/:id", h.CloseSession)

	v1.GET("/attendance", h.ListAttendance)
}

func (h *Handler) limit() gin.HandlerFunc {
	if h.Limiter == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return httpmiddleware.RateLimit(h.Limiter, httpmiddleware.ClientKey(auth.Identity))
}

// ---------- Health ----------

func (h *Handler) Healthz(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range h.Checks {
		ok := check(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

// ---------- Auth ----------

// IssueToken hands out a student token without checking credentials. It is
// only mounted for development; deployed tokens come from the identity provider.
func (h *Handler) IssueToken(c *gin.Context) {
	var req struct {
		StudentID string `json:"student_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tokens, err := h.Issuer.Issue(req.StudentID, auth.RoleStudent)
	if err != nil {
		h.Logger.Error("token issue failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusCreated, tokens)
}

// ---------- Enrollment ----------

func (h *Handler) Enroll(c *gin.Context) {
	var req struct {
		Descriptor []float32 `json:"descriptor" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tmpl, err := h.Enrollment.Enroll(c.Request.Context(), auth.Identity(c), req.Descriptor)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"student_id":  tmpl.StudentID,
		"dim":         len(tmpl.Vector),
		"captured_at": tmpl.CapturedAt,
	})
}

func (h *Handler) EnrollJob(c *gin.Context) {
	var req struct {
		ImageURL string `json:"image_url" binding:"required,url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.enqueueEnrollment(c, req.ImageURL)
}

// EnrollPhoto accepts a multipart "photo", stores it and queues embedding.
func (h *Handler) EnrollPhoto(c *gin.Context) {
	if h.Photos == nil {
		abortWithError(c, errUploadDisabled)
		return
	}
	file, header, err := c.Request.FormFile("photo")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "photo file is required"})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, h.MaxFrameBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read photo"})
		return
	}
	if int64(len(data)) > h.MaxFrameBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "photo too large"})
		return
	}

	res, err := h.Photos.UploadPhoto(c.Request.Context(), auth.Identity(c), data, header.Filename)
	if err != nil {
		h.Logger.Error("photo upload failed", "student_id", auth.Identity(c), "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "photo upload failed"})
		return
	}
	h.enqueueEnrollment(c, res.SecureURL)
}

func (h *Handler) enqueueEnrollment(c *gin.Context, imageURL string) {
	if h.Queue == nil {
		abortWithError(c, errQueueDisabled)
		return
	}
	studentID := auth.Identity(c)
	msg, err := queue.NewMessage(queue.TypeEnrollmentRequested, queue.EnrollmentRequest{
		StudentID: studentID,
		ImageURL:  imageURL,
	})
	if err == nil {
		err = h.Queue.Publish(c.Request.Context(), msg)
	}
	if err != nil {
		h.Logger.Error("enrollment job publish failed", "student_id", studentID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not queue enrollment"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "image_url": imageURL})
}

// ---------- Sessions ----------

func (h *Handler) OpenSession(c *gin.Context) {
	var req struct {
		ClassID string `json:"class_id" binding:"required"`
		Date    string `json:"date"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Date == "" {
		req.Date = h.now().UTC().Format(attendance.DateLayout)
	} else if _, err := time.Parse(attendance.DateLayout, req.Date); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return
	}

	s, err := h.Sessions.Open(c.Request.Context(), auth.Identity(c), req.ClassID, req.Date)
	if err != nil {
		if s != nil && errors.Is(err, verify.ErrCapabilityUnavailable) {
			c.JSON(statusFor(err), s.Snapshot())
			return
		}
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s.Snapshot())
}

// session loads the path session and checks the caller owns it.
func (h *Handler) session(c *gin.Context) (*verify.Session, bool) {
	s, ok := h.Sessions.Get(c.Param("id"))
	if !ok {
		abortWithError(c, errSessionNotFound)
		return nil, false
	}
	if s.StudentID() != auth.Identity(c) {
		abortWithError(c, errForbidden)
		return nil, false
	}
	return s, true
}

func (h *Handler) GetSession(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.Snapshot())
}

// PushFrame takes the raw image body as the session's newest camera frame.
func (h *Handler) PushFrame(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.MaxFrameBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "frame too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read frame"})
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty frame"})
		return
	}
	seq, err := s.Push(data)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"seq": seq})
}

func (h *Handler) Mark(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	snap, err := s.Mark(c.Request.Context())
	if errors.Is(err, context.Canceled) {
		h.Logger.Debug("mark abandoned by client", "session_id", s.ID())
		abortWithError(c, err)
		return
	}
	if errors.Is(err, verify.ErrInvalidTransition) {
		abortWithError(c, err)
		return
	}
	c.JSON(statusFor(err), snap)
}

func (h *Handler) Retry(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := s.Retry(); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.Snapshot())
}

func (h *Handler) CloseSession(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := s.Close(); err != nil {
		h.Logger.Warn("session close failed", "session_id", s.ID(), "error", err)
	}
	c.Status(http.StatusNoContent)
}

// ---------- Attendance ----------

func (h *Handler) ListAttendance(c *gin.Context) {
	limit, offset := 50, 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	records, err := h.Attendance.List(c.Request.Context(), attendance.Filter{
		StudentID: auth.Identity(c),
		ClassID:   c.Query("class_id"),
		Date:      c.Query("date"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	if records == nil {
		records = []attendance.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}
