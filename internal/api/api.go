package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"feedwatch/internal/models"
	"feedwatch/internal/store"
)

// Server exposes the preference index and the update store over HTTP.
// The pipeline itself never goes through this surface.
type Server struct {
	st  *store.Store
	log *zap.SugaredLogger
}

func New(st *store.Store, log *zap.SugaredLogger) *Server {
	return &Server{st: st, log: log}
}

// Router builds the HTTP routes.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/updates", s.listUpdates)
	r.GET("/subscribers/:id/preferences", s.getPreferences)
	r.PUT("/subscribers/:id/preferences", s.setPreferences)
	return r
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Infow("api listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type updateResponse struct {
	SourceID    string   `json:"source_id"`
	ItemID      string   `json:"item_id"`
	Title       string   `json:"title"`
	Link        string   `json:"link,omitempty"`
	Topic       string   `json:"topic"`
	Summary     string   `json:"summary"`
	Tags        []string `json:"tags,omitempty"`
	PublishedAt string   `json:"published_at"`
	ProcessedAt string   `json:"processed_at"`
}

func (s *Server) listUpdates(c *gin.Context) {
	q := store.UpdateQuery{
		Topic: c.Query("topic"),
		Limit: 20,
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		q.Since = &since
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.ParseUint(raw, 10, 32)
		if err != nil || limit == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		q.Limit = limit
	}
	if raw := c.Query("offset"); raw != "" {
		offset, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer"})
			return
		}
		q.Offset = offset
	}

	updates, err := s.st.QueryUpdates(c.Request.Context(), q)
	if err != nil {
		s.log.Errorw("query updates failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	out := make([]updateResponse, 0, len(updates))
	for _, u := range updates {
		out = append(out, updateResponse{
			SourceID:    u.SourceID,
			ItemID:      u.ItemID,
			Title:       u.Title,
			Link:        u.Link,
			Topic:       u.Topic,
			Summary:     u.Summary,
			Tags:        u.Tags,
			PublishedAt: u.PublishedAt.UTC().Format(time.RFC3339),
			ProcessedAt: u.ProcessedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"updates": out})
}

type preferencesResponse struct {
	SubscriberID   string   `json:"subscriber_id"`
	Topics         []string `json:"topics"`
	Frequency      string   `json:"frequency"`
	LastNotifiedAt *string  `json:"last_notified_at,omitempty"`
}

func toPreferencesResponse(sub models.Subscriber) preferencesResponse {
	resp := preferencesResponse{
		SubscriberID: sub.ID,
		Topics:       sub.Topics,
		Frequency:    string(sub.Frequency),
	}
	if sub.LastNotifiedAt != nil {
		ts := sub.LastNotifiedAt.UTC().Format(time.RFC3339)
		resp.LastNotifiedAt = &ts
	}
	return resp
}

func (s *Server) getPreferences(c *gin.Context) {
	sub, ok, err := s.st.GetSubscriber(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.log.Errorw("get subscriber failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "subscriber not found"})
		return
	}
	c.JSON(http.StatusOK, toPreferencesResponse(sub))
}

type setPreferencesRequest struct {
	Topics    []string `json:"topics"`
	Frequency string   `json:"frequency"`
}

func (s *Server) setPreferences(c *gin.Context) {
	var req setPreferencesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	sub, err := s.st.SetSubscriber(c.Request.Context(), c.Param("id"), req.Topics, req.Frequency)
	if err != nil {
		if errors.Is(err, models.ErrInvalidPreferences) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.log.Errorw("set subscriber failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failed"})
		return
	}
	c.JSON(http.StatusOK, toPreferencesResponse(sub))
}
