package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/example/style-predict/internal/attempt"
	"github.com/example/style-predict/internal/display"
	"github.com/example/style-predict/internal/middleware"
	"github.com/example/style-predict/internal/session"
)

// MaxUploadSize is the largest image accepted on file selection.
const MaxUploadSize = attempt.MaxFileSize

// multipartOverhead leaves room for boundaries and headers around the image.
const multipartOverhead = 64 * 1024

// RouteOptions configures the submit rate limiter and the lifetime of
// attempts started in the background.
type RouteOptions struct {
	SubmitRate  rate.Limit
	SubmitBurst int
	LimiterIdle time.Duration

	// Context bounds every background attempt; cancelling it aborts them.
	// Defaults to context.Background().
	Context context.Context
}

type sessionResponse struct {
	SessionID string           `json:"session_id"`
	CanSubmit bool             `json:"can_submit"`
	Message   string           `json:"message,omitempty"`
	Result    *display.View    `json:"result,omitempty"`
	Snapshot  attempt.Snapshot `json:"snapshot"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, store *session.Store, logger *zap.Logger, opts RouteOptions) {
	logger = logger.Named("handlers")
	if opts.SubmitRate <= 0 {
		opts.SubmitRate = rate.Limit(1)
	}
	if opts.SubmitBurst <= 0 {
		opts.SubmitBurst = 3
	}
	if opts.LimiterIdle <= 0 {
		opts.LimiterIdle = 10 * time.Minute
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/sessions", func(c *gin.Context) {
		sess := store.Create()
		c.JSON(http.StatusCreated, render(sess))
	})

	sessions := router.Group("/sessions/:id", requireSession(store))

	sessions.GET("", func(c *gin.Context) {
		c.JSON(http.StatusOK, render(currentSession(c)))
	})

	sessions.DELETE("", func(c *gin.Context) {
		store.Delete(c.Param("id"))
		c.Status(http.StatusNoContent)
	})

	sessions.PUT("/file", func(c *gin.Context) {
		sess := currentSession(c)
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)

		header, err := c.FormFile("image")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": attemptMessage(attempt.ErrTooLarge)})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
			return
		}

		mimeType := header.Header.Get("Content-Type")
		if err := attempt.ValidateHeader(mimeType, header.Size); err != nil {
			c.JSON(validationStatus(err), gin.H{"error": attemptMessage(err)})
			return
		}

		src, err := header.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
			return
		}

		if err := sess.Orchestrator.Select(&attempt.File{Name: header.Filename, MIMEType: mimeType, Data: data}); err != nil {
			c.JSON(validationStatus(err), gin.H{"error": attemptMessage(err)})
			return
		}
		c.JSON(http.StatusOK, render(sess))
	})

	sessions.DELETE("/file", func(c *gin.Context) {
		sess := currentSession(c)
		sess.Orchestrator.Remove()
		c.JSON(http.StatusOK, render(sess))
	})

	sessions.POST("/predict",
		middleware.RateLimiter(opts.SubmitRate, opts.SubmitBurst, opts.LimiterIdle, middleware.ByParam("id")),
		func(c *gin.Context) {
			sess := currentSession(c)
			started, wait := sess.Orchestrator.TrySubmitSelected(opts.Context)
			if !started {
				c.JSON(http.StatusConflict, gin.H{"error": "select an image and wait for the current prediction to finish"})
				return
			}

			go func() {
				out := wait()
				logger.Debug("attempt resolved",
					zap.String("session_id", sess.ID),
					zap.String("attempt_id", out.AttemptID),
					zap.String("outcome", string(out.Kind)))
			}()

			c.JSON(http.StatusAccepted, render(sess))
		})
}

func requireSession(store *session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := store.Get(c.Param("id"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.Set("session", sess)
		c.Next()
	}
}

func currentSession(c *gin.Context) *session.Session {
	return c.MustGet("session").(*session.Session)
}

func render(sess *session.Session) sessionResponse {
	snap := sess.Orchestrator.Snapshot()
	resp := sessionResponse{
		SessionID: sess.ID,
		CanSubmit: sess.Orchestrator.CanSubmit(),
		Snapshot:  snap,
	}
	if snap.Failure != nil {
		resp.Message = snap.Failure.Message()
	}
	if snap.State == attempt.StateSucceeded {
		view := display.Render(snap.Results, display.Threshold)
		resp.Result = &view
	}
	return resp
}

func validationStatus(err error) int {
	if errors.Is(err, attempt.ErrTooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusUnsupportedMediaType
}

func attemptMessage(err error) string {
	if failure, ok := attempt.AsFailure(err); ok {
		return failure.Message()
	}
	return (&attempt.Failure{Kind: attempt.FailureValidation, Err: err}).Message()
}
