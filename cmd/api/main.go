package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"classattend/internal/attendance"
	"classattend/internal/auth"
	"classattend/internal/config"
	"classattend/internal/detector"
	"classattend/internal/embedding"
	"classattend/internal/enrollment"
	"classattend/internal/httpmiddleware"
	"classattend/internal/imagestore"
	"classattend/internal/metrics"
	"classattend/internal/queue"
	"classattend/internal/roster"
	"classattend/internal/session"
	"classattend/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Printf("warning: db not reachable: %v", err)
	}
	if db == nil {
		return fmt.Errorf("database unusable: %w", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, queue.DefaultKey)
	}

	sessions := session.NewRepository(db.Client)
	enrollments := enrollment.NewRepository(db.Client)
	records := attendance.NewRepository(db.Client)
	students := roster.NewRepository(db.Client)

	detect := detector.New(cfg.DetectorURL, cfg.FaceSkip)
	embedder := embedding.NewClient(cfg.EmbeddingURL, cfg.EmbeddingDim, cfg.FaceSkip)
	enrollSvc := enrollment.NewService(enrollments, detect, embedder)

	var snapshots *imagestore.Client
	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		snapshots = imagestore.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Println("snapshot store configured:", cfg.CloudinaryCloudName)
	} else {
		log.Println("snapshot store not configured (CLOUDINARY_CLOUD_NAME / API_KEY / API_SECRET not set)")
	}

	if err := os.MkdirAll(cfg.CaptureImageDir, 0o755); err != nil {
		return fmt.Errorf("capture image dir: %w", err)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin, "/healthz", "/metrics").GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	// Device registration issues device-role tokens whose subject is the
	// student the device belongs to.
	r.POST("/v1/devices/register", func(c *gin.Context) {
		var req struct {
			StudentID string `json:"student_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		st, err := students.Get(c.Request.Context(), req.StudentID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if st == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown student"})
			return
		}

		deviceID := uuid.NewString()
		if err := students.RegisterDevice(c.Request.Context(), deviceID, req.StudentID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		tokens, err := auth.Issue(req.StudentID, auth.RoleDevice, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"device_id":     deviceID,
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	r.POST("/v1/teachers/register", func(c *gin.Context) {
		var req struct {
			TeacherID string `json:"teacher_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		tokens, err := auth.Issue(req.TeacherID, auth.RoleTeacher, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	// Teacher surface: sessions, roster, enrollment management.
	teacherGroup := r.Group("/v1", auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer), auth.RequireRole(auth.RoleTeacher))

	teacherGroup.POST("/sessions", func(c *gin.Context) {
		var req struct {
			ClassID            string `json:"class_id" binding:"required"`
			DurationMin        int    `json:"duration_min" binding:"required"`
			OnTimeLimitMin     int    `json:"on_time_limit_min" binding:"required"`
			CaptureIntervalMin int    `json:"capture_interval_min" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claims := mustClaims(c)
		now := time.Now().UTC()
		sess, err := sessions.Create(c.Request.Context(), session.Session{
			ClassID:            req.ClassID,
			TeacherID:          claims.Subject,
			StartAt:            now,
			EndAt:              now.Add(time.Duration(req.DurationMin) * time.Minute),
			OnTimeLimitMin:     req.OnTimeLimitMin,
			CaptureIntervalMin: req.CaptureIntervalMin,
		})
		switch {
		case err == session.ErrClassBusy:
			c.JSON(http.StatusConflict, gin.H{"error": "class already has an active session"})
		case err == session.ErrInvalidWindow:
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session window"})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusCreated, sess)
		}
	})

	teacherGroup.GET("/sessions/:id", func(c *gin.Context) {
		sess, err := sessions.Get(c.Request.Context(), c.Param("id"))
		if err == session.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, sess)
	})

	teacherGroup.POST("/sessions/:id/end", func(c *gin.Context) {
		id := c.Param("id")
		sess, err := sessions.Get(c.Request.Context(), id)
		if err == session.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := sessions.End(c.Request.Context(), id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		absent, err := records.BackfillAbsent(c.Request.Context(), id, sess.ClassID)
		if err != nil {
			log.Printf("absent backfill for %s failed: %v", id, err)
		}
		c.JSON(http.StatusOK, gin.H{"status": "ended", "absent_backfilled": absent})
	})

	teacherGroup.GET("/sessions/:id/records", func(c *gin.Context) {
		recs, err := records.ListBySession(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": recs})
	})

	teacherGroup.GET("/classes/:id/sessions", func(c *gin.Context) {
		list, err := sessions.ListByClass(c.Request.Context(), c.Param("id"), 50)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": list})
	})

	teacherGroup.POST("/classes/:id/students", func(c *gin.Context) {
		var req struct {
			Name string `json:"name" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		st, err := students.Add(c.Request.Context(), roster.Student{ClassID: c.Param("id"), Name: req.Name})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, st)
	})

	teacherGroup.GET("/classes/:id/students", func(c *gin.Context) {
		list, err := students.ListByClass(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"students": list})
	})

	// Enrollment: multipart form with one or more reference photos.
	teacherGroup.POST("/students/:id/enrollment", func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "multipart form required"})
			return
		}
		files := form.File["images"]
		if len(files) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "at least one image required"})
			return
		}

		paths, cleanup, err := saveUploads(cfg.CaptureImageDir, files)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store uploads"})
			return
		}
		defer cleanup()

		enrolled, err := enrollSvc.Enroll(c.Request.Context(), c.Param("id"), paths)
		if err == enrollment.ErrNoValidEmbeddings {
			metrics.Enrollments.WithLabelValues("no_valid_embeddings").Inc()
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no image yielded a usable embedding"})
			return
		}
		if err != nil {
			metrics.Enrollments.WithLabelValues("error").Inc()
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		metrics.Enrollments.WithLabelValues("ok").Inc()
		c.JSON(http.StatusCreated, enrolled)
	})

	teacherGroup.DELETE("/students/:id/enrollment", func(c *gin.Context) {
		if err := enrollSvc.Revoke(c.Request.Context(), c.Param("id")); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "revoked"})
	})

	// Device surface: capture submission. The device token subject is
	// the student the capture claims to show.
	deviceGroup := r.Group("/v1", auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer), auth.RequireRole(auth.RoleDevice))

	deviceGroup.POST("/captures", func(c *gin.Context) {
		claims := mustClaims(c)
		sessionID := c.PostForm("session_id")
		if sessionID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "session_id required"})
			return
		}
		capturedAt := time.Now().UTC()
		if raw := c.PostForm("captured_at"); raw != "" {
			if t, err := time.Parse(time.RFC3339, raw); err == nil {
				capturedAt = t.UTC()
			}
		}

		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "multipart form required"})
			return
		}
		files := form.File["images"]
		if len(files) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "at least one image required"})
			return
		}

		// The worker owns the files once the job is queued; until then
		// this handler does, and must remove them on failure.
		paths, cleanup, err := saveUploads(cfg.CaptureImageDir, files)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store uploads"})
			return
		}

		// Inline detection gives the caller its face count; embedding
		// and resolution happen on the worker.
		facesDetected := 0
		for _, path := range paths {
			faces, derr := detect.Detect(c.Request.Context(), path)
			if derr != nil {
				log.Printf("capture detect %s failed: %v", path, derr)
				continue
			}
			facesDetected += len(faces)
		}

		var imageURL string
		if snapshots != nil {
			if data, rerr := os.ReadFile(paths[0]); rerr == nil {
				if snap, uerr := snapshots.Upload(data, filepath.Base(paths[0])); uerr == nil {
					imageURL = snap.SecureURL
				} else {
					log.Printf("snapshot upload failed: %v", uerr)
				}
			}
		}

		job := queue.CaptureJob{
			SessionID:  sessionID,
			StudentID:  claims.Subject,
			ImagePaths: paths,
			ImageURL:   imageURL,
			CapturedAt: capturedAt,
		}
		if err := q.Publish(c.Request.Context(), job); err != nil {
			log.Printf("queue publish failed: %v", err)
			cleanup()
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "submission queue unavailable"})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"faces_detected":  facesDetected,
			"records_created": 0,
			"queued":          true,
		})
	})

	// Status probe for capture devices: lets the schedule stop cleanly
	// when the teacher ends the session early.
	deviceGroup.GET("/sessions/:id/status", func(c *gin.Context) {
		sess, err := sessions.Get(c.Request.Context(), c.Param("id"))
		if err == session.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": sess.Status})
	})

	deviceGroup.GET("/sessions/:id/records/me", func(c *gin.Context) {
		claims := mustClaims(c)
		rec, err := records.Get(c.Request.Context(), c.Param("id"), claims.Subject)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if rec == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not checked in"})
			return
		}
		c.JSON(http.StatusOK, rec)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

func mustClaims(c *gin.Context) auth.Claims {
	claimsAny, _ := c.Get("claims")
	claims, _ := claimsAny.(auth.Claims)
	return claims
}

// saveUploads writes multipart files under dir with unique names and
// returns their paths plus a cleanup func for callers that own them.
func saveUploads(dir string, files []*multipart.FileHeader) ([]string, func(), error) {
	var paths []string
	cleanup := func() {
		for _, p := range paths {
			_ = os.Remove(p)
		}
	}
	for _, fh := range files {
		src, err := fh.Open()
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		path := filepath.Join(dir, uuid.NewString()+filepath.Ext(fh.Filename))
		dst, err := os.Create(path)
		if err != nil {
			src.Close()
			cleanup()
			return nil, nil, err
		}
		_, err = io.Copy(dst, src)
		src.Close()
		dst.Close()
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		paths = append(paths, path)
	}
	return paths, cleanup, nil
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
