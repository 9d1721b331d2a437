package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/fathomfeed/fathom/internal/config"
	"github.com/fathomfeed/fathom/internal/feed"
	"github.com/fathomfeed/fathom/internal/gen"
	"github.com/fathomfeed/fathom/internal/store"
	"github.com/fathomfeed/fathom/internal/ws"
)

const version = "1.0.0"

// --- Configuration Constants ---
const (
	defaultListLimit  = 20
	defaultMixedCount = 10
	maxPageSize       = 200
	rateLimitRPS      = 1.0 / 3.0 // 1 generation request every 3 seconds
	rateLimitBurst    = 2
)

// --- Structs for request binding ---
type VoteInput struct {
	Value *int `json:"value" binding:"required"`
}
type ReactInput struct {
	Learned   *bool `json:"learned"`
	Surprised *bool `json:"surprised"`
}
type PowerInput struct {
	Enabled *bool `json:"enabled" binding:"required"`
}
type ExpandInput struct {
	Force bool   `json:"force"`
	Style string `json:"style"`
}
type GenerateInput struct {
	Topic string `json:"topic" binding:"required"`
	Count int    `json:"count"`
}
type SubjectBatchInput struct {
	Count int `json:"count"`
}
type MultiGenerateInput struct {
	Items []feed.TopicCount `json:"items" binding:"required"`
}

// WsMessage is the JSON envelope pushed to websocket subscribers.
type WsMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// --- Rate Limiter ---
type IPRateLimiter struct {
	visitors map[string]*rate.Limiter
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
}

func NewIPRateLimiter(r rate.Limit, b int) *IPRateLimiter {
	return &IPRateLimiter{
		visitors: make(map[string]*rate.Limiter),
		rps:      r,
		burst:    b,
	}
}

func (rl *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	limiter, exists := rl.visitors[ip]
	if !exists {
		limiter = rate.NewLimiter(rl.rps, rl.burst)
		rl.visitors[ip] = limiter
	}
	return limiter
}

func RateLimitMiddleware(limiter *IPRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !limiter.GetLimiter(ip).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests. Please wait."})
			return
		}
		c.Next()
	}
}

// --- Handlers ---
type Env struct {
	Svc *feed.Service
	Hub *ws.Hub
	Cfg config.Config
}

// userID extracts the opaque caller identity; empty means anonymous.
func userID(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader("X-User-Id"))
}

// respondError maps the service error taxonomy onto HTTP statuses.
func (e *Env) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Post not found"})
	case errors.Is(err, feed.ErrIdentityRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-User-Id header required"})
	case errors.Is(err, feed.ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid argument"})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "Duplicate post text"})
	case errors.Is(err, gen.ErrGeneration):
		log.Printf("generation error: %v", err)
		if e.Cfg.Debug {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Generation failed"})
		}
	default:
		log.Printf("internal error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

func postID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid post ID"})
		return 0, false
	}
	return uint(id), true
}

func intQuery(c *gin.Context, name string, def, lo, hi int) int {
	v, err := strconv.Atoi(c.DefaultQuery(name, strconv.Itoa(def)))
	if err != nil {
		return def
	}
	return min(hi, max(lo, v))
}

// parseExcludeIDs splits a comma-separated ID list, ignoring anything
// non-numeric.
func parseExcludeIDs(raw string) []uint {
	if raw == "" {
		return nil
	}
	var ids []uint
	for _, part := range strings.Split(raw, ",") {
		id, err := strconv.ParseUint(strings.TrimSpace(part), 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint(id))
	}
	return ids
}

func (e *Env) Healthz(c *gin.Context) {
	scheme := "memory"
	if e.Cfg.StoreBackend == "db" {
		scheme, _, _ = strings.Cut(e.Cfg.DatabaseURL, "://")
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":              true,
		"db":              scheme,
		"model":           e.Cfg.OpenAIModel,
		"debug":           e.Cfg.Debug,
		"power_threshold": e.Svc.Threshold(),
		"version":         version,
	})
}

func (e *Env) ListPosts(c *gin.Context) {
	opts := store.ListOptions{
		Topic:      strings.TrimSpace(c.Query("topic")),
		Limit:      intQuery(c, "limit", defaultListLimit, 1, maxPageSize),
		Offset:     intQuery(c, "offset", 0, 0, 10_000_000),
		Random:     c.Query("random") == "true",
		ExcludeIDs: parseExcludeIDs(c.Query("exclude_ids")),
	}
	views, err := e.Svc.ListPosts(c.Request.Context(), userID(c), opts)
	if err != nil {
		e.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, views)
}

func (e *Env) MixedPosts(c *gin.Context) {
	count := intQuery(c, "count", defaultMixedCount, 1, maxPageSize)
	random := c.Query("random") == "true"
	exclude := parseExcludeIDs(c.Query("exclude_ids"))

	views, err := e.Svc.MixedPosts(c.Request.Context(), userID(c), count, random, exclude)
	if err != nil {
		e.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, views)
}

func (e *Env) GetPost(c *gin.Context) {
	id, ok := postID(c)
	if !ok {
		return
	}
	view, err := e.Svc.GetPost(c.Request.Context(), userID(c), id)
	if err != nil {
		e.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (e *Env) CreatePost(c *gin.Context) {
	var input feed.PostInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: " + err.Error()})
		return
	}
	post, err := e.Svc.CreatePost(c.Request.Context(), input)
	if err != nil {
		e.respondError(c, err)
		return
	}
	e.broadcastMessage(WsMessage{Type: "new_post", Data: post})
	c.JSON(http.StatusCreated, post)
}

func (e *Env) CreatePostsBulk(c *gin.Context) {
	var inputs []feed.PostInput
	if err := c.ShouldBindJSON(&inputs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: " + err.Error()})
		return
	}
	created, err := e.Svc.CreatePosts(c.Request.Context(), inputs)
	if err != nil {
		e.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (e *Env) Vote(c *gin.Context) {
	id, ok := postID(c)
	if !ok {
		return
	}
	var input VoteInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: " + err.Error()})
		return
	}
	view, err := e.Svc.Vote(c.Request.Context(), userID(c), id, *input.Value)
	if err != nil {
		e.respondError(c, err)
		return
	}
	e.broadcastMessage(WsMessage{Type: "vote", Data: gin.H{"id": view.ID, "score": view.Score}})
	c.JSON(http.StatusOK, view)
}

func (e *Env) React(c *gin.Context) {
	id, ok := postID(c)
	if !ok {
		return
	}
	var input ReactInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: " + err.Error()})
		return
	}
	view, err := e.Svc.React(c.Request.Context(), userID(c), id, input.Learned, input.Surprised)
	if err != nil {
		e.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (e *Env) Power(c *gin.Context) {
	id, ok := postID(c)
	if !ok {
		return
	}
	var input PowerInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: " + err.Error()})
		return
	}
	view, err := e.Svc.Power(c.Request.Context(), userID(c), id, *input.Enabled)
	if err != nil {
		e.respondError(c, err)
		return
	}
	if view.PowerTriggered {
		e.broadcastMessage(WsMessage{Type: "power_trigger", Data: gin.H{
			"id":          view.ID,
			"new_post_id": view.NewPostID,
		}})
	}
	c.JSON(http.StatusOK, view)
}

func (e *Env) Expand(c *gin.Context) {
	id, ok := postID(c)
	if !ok {
		return
	}
	var input ExpandInput
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: " + err.Error()})
			return
		}
	}
	view, err := e.Svc.Expand(c.Request.Context(), userID(c), id, input.Force, input.Style)
	if err != nil {
		e.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (e *Env) Generate(c *gin.Context) {
	var input GenerateInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: " + err.Error()})
		return
	}
	if input.Count == 0 {
		input.Count = 5
	}
	created, err := e.Svc.Generate(c.Request.Context(), input.Topic, input.Count)
	if err != nil {
		e.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, created)
}

func (e *Env) GenerateForSubject(c *gin.Context) {
	topic := c.Param("topic")
	var input SubjectBatchInput
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: " + err.Error()})
			return
		}
	}
	if input.Count == 0 {
		input.Count = 5
	}
	created, err := e.Svc.GenerateForSubject(c.Request.Context(), topic, input.Count)
	if err != nil {
		e.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, created)
}

func (e *Env) GenerateMulti(c *gin.Context) {
	var input MultiGenerateInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: " + err.Error()})
		return
	}
	created, err := e.Svc.GenerateMulti(c.Request.Context(), input.Items)
	if err != nil {
		e.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, created)
}

func (e *Env) broadcastMessage(msg WsMessage) {
	if e.Hub == nil {
		return
	}
	jsonMsg, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Error marshalling WS message: %v", err)
		return
	}
	e.Hub.Broadcast <- jsonMsg
}
