package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Briankiboi/attendance-engine/internal/auth"
	"github.com/Briankiboi/attendance-engine/internal/config"
	"github.com/Briankiboi/attendance-engine/internal/enrollment"
	"github.com/Briankiboi/attendance-engine/internal/geo"
	"github.com/Briankiboi/attendance-engine/internal/httpmiddleware"
	"github.com/Briankiboi/attendance-engine/internal/ledger"
	"github.com/Briankiboi/attendance-engine/internal/pipeline"
	"github.com/Briankiboi/attendance-engine/internal/queue"
	"github.com/Briankiboi/attendance-engine/internal/session"
	"github.com/Briankiboi/attendance-engine/internal/spoof"
	"github.com/Briankiboi/attendance-engine/internal/store"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config invalid: %v", err)
	}

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
		return err
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	redisClient := store.NewRedis(cfg.RedisAddr, cfg.RedisDialTimeout, cfg.RedisOpTimeout)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "attendance:reconcile")
	}

	registry := session.NewRegistry(db.Client, cfg.RadiusMinM, cfg.RadiusMaxM)
	enrollIdx := enrollment.NewIndex(db.Client)
	led := ledger.New(db.Client)

	decider := pipeline.New(
		registry,
		pipeline.NewPGStore(db.Client, enrollIdx, led),
		led,
		pipeline.NewRedisLimiter(redisClient.Client, cfg.BackupKeyWindow),
		geo.NewValidator(cfg.AccuracyMaxM, cfg.RadiusMinM, cfg.RadiusMaxM),
		spoof.NewEvaluator(&spoof.RedisWindows{Client: redisClient.Client},
			cfg.ClockDriftMax, cfg.DeviceReuseWindow, cfg.IPSpreadWindow),
		pipeline.Config{
			TokenTTL:        cfg.TokenTTL,
			BackupKeyLimit:  cfg.BackupKeyLimit,
			PersistRejected: cfg.PersistRejected,
		},
	)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

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

	r.POST("/v1/auth/token", func(c *gin.Context) {
		var req struct {
			Subject string `json:"subject" binding:"required"`
			Role    string `json:"role" binding:"required,oneof=student lecturer"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		tokens, err := auth.Issue(req.Subject, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
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

	authed := r.Group("/v1", auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer))

	authed.POST("/checkins", func(c *gin.Context) {
		var att pipeline.Attempt
		if err := c.ShouldBindJSON(&att); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		claimsAny, _ := c.Get("claims")
		claims, _ := claimsAny.(auth.Claims)
		if claims.Role == auth.RoleStudent && claims.Subject != att.StudentID {
			c.JSON(http.StatusForbidden, gin.H{"error": "student mismatch"})
			return
		}
		att.SourceIP = c.ClientIP()

		out, err := decider.Decide(c.Request.Context(), att)
		switch {
		case errors.Is(err, pipeline.ErrUnknownSession):
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		case errors.Is(err, pipeline.ErrBadAttempt):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		case err != nil:
			log.Printf("checkin decision failed: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporary failure, please retry"})
			return
		}
		c.JSON(outcomeHTTPStatus(out.Status), out)
	})

	lecturer := authed.Group("", auth.RequireRole(auth.RoleLecturer))

	lecturer.POST("/sessions", func(c *gin.Context) {
		var req sessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claimsAny, _ := c.Get("claims")
		claims, _ := claimsAny.(auth.Claims)

		s := req.toSession()
		s.LecturerID = claims.Subject
		if s.Token == "" {
			s.Token = uuid.NewString()
		}
		if s.BackupKey == "" {
			s.BackupKey = uuid.NewString()
		}
		created, err := registry.Create(c.Request.Context(), s)
		if err != nil {
			if errors.Is(err, session.ErrBadWindow) || errors.Is(err, session.ErrBadRadius) {
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"session": created, "token": created.Token, "backup_key": created.BackupKey})
	})

	lecturer.PUT("/sessions/:id", func(c *gin.Context) {
		var req sessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s := req.toSession()
		updated, err := registry.UpdateWindow(c.Request.Context(), c.Param("id"), s.StartAt, s.EndAt, s.Geofence, s.LocationRequired)
		if err != nil {
			switch {
			case errors.Is(err, session.ErrNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			case errors.Is(err, session.ErrBadWindow), errors.Is(err, session.ErrBadRadius):
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, gin.H{"session": updated})
	})

	lecturer.POST("/sessions/:id/rotate-token", func(c *gin.Context) {
		token := uuid.NewString()
		if err := registry.RotateToken(c.Request.Context(), c.Param("id"), token); err != nil {
			if errors.Is(err, session.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token})
	})

	lecturer.GET("/sessions/active", func(c *gin.Context) {
		sessions, err := registry.ListActive(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	})

	lecturer.GET("/sessions/:id/attendance", func(c *gin.Context) {
		limit := 0
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		records, err := led.ListBySession(c.Request.Context(), c.Param("id"), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	lecturer.POST("/enrollments", func(c *gin.Context) {
		var req struct {
			StudentID string `json:"student_id" binding:"required"`
			UnitID    string `json:"unit_id" binding:"required"`
			Year      int    `json:"year" binding:"required"`
			Semester  int    `json:"semester" binding:"required"`
			Status    string `json:"status" binding:"omitempty,oneof=pending active withdrawn"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rec, err := enrollIdx.Upsert(c.Request.Context(), enrollment.Record{
			StudentID: req.StudentID,
			UnitID:    req.UnitID,
			Year:      req.Year,
			Semester:  req.Semester,
			Status:    req.Status,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		trigger := queue.ReconcileTrigger{UnitID: rec.UnitID, Year: rec.Year, Semester: rec.Semester}
		if err := q.Publish(c.Request.Context(), queue.Message{Type: "reconcile", Body: trigger.Encode()}); err != nil {
			log.Printf("reconcile trigger publish failed: %v", err)
		}
		c.JSON(http.StatusCreated, gin.H{"enrollment": rec})
	})

	lecturer.GET("/enrollments/projection", func(c *gin.Context) {
		year, _ := strconv.Atoi(c.Query("year"))
		semester, _ := strconv.Atoi(c.Query("semester"))
		rows, err := enrollIdx.ListProjected(c.Request.Context(), c.Query("unit_id"), year, semester)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"enrollments": rows})
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

type sessionRequest struct {
	UnitID           string            `json:"unit_id" binding:"required"`
	StartAt          time.Time         `json:"start_at" binding:"required"`
	EndAt            time.Time         `json:"end_at" binding:"required"`
	Geofence         *session.Geofence `json:"geofence,omitempty"`
	LocationRequired bool              `json:"location_required"`
	Token            string            `json:"token"`
	BackupKey        string            `json:"backup_key"`
	Year             int               `json:"year" binding:"required"`
	Semester         int               `json:"semester" binding:"required"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

func (r sessionRequest) toSession() session.Session {
	return session.Session{
		UnitID:           r.UnitID,
		StartAt:          r.StartAt,
		EndAt:            r.EndAt,
		Geofence:         r.Geofence,
		LocationRequired: r.LocationRequired,
		Token:            r.Token,
		BackupKey:        r.BackupKey,
		Year:             r.Year,
		Semester:         r.Semester,
		Metadata:         r.Metadata,
	}
}

// outcomeHTTPStatus maps decision statuses onto transport codes. Replays are
// 200 like first-time successes; business rejections are 422 so clients can
// distinguish them from transport faults.
func outcomeHTTPStatus(s pipeline.Status) int {
	switch s {
	case pipeline.StatusSuccess, pipeline.StatusAlreadyMarked:
		return http.StatusOK
	default:
		return http.StatusUnprocessableEntity
	}
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
