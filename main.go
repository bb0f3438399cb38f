package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"

	"github.com/Martian-dev/mail-mirror/internal/api"
	"github.com/Martian-dev/mail-mirror/internal/auth"
	"github.com/Martian-dev/mail-mirror/internal/config"
	"github.com/Martian-dev/mail-mirror/internal/events"
	gmailprovider "github.com/Martian-dev/mail-mirror/internal/providers/gmail"
	"github.com/Martian-dev/mail-mirror/internal/store"
	"github.com/Martian-dev/mail-mirror/internal/sync"
)

const stateCookie = "oauth_state"

type syncRequest struct {
	Query      string `json:"query"`
	PageToken  string `json:"pageToken"`
	MaxResults int64  `json:"maxResults"`
}

type updateFlagsRequest struct {
	IsRead    *bool   `json:"isRead"`
	IsStarred *bool   `json:"isStarred"`
	Priority  *string `json:"priority"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	setupLogger(cfg)

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	var publisher *events.Publisher
	if cfg.NATSURL != "" {
		publisher, err = events.NewPublisher(cfg.NATSURL)
		if err != nil {
			log.Fatal(err)
		}
		defer publisher.Close()
		if err := publisher.EnsureStream(context.Background()); err != nil {
			log.Fatal(err)
		}
	}

	sessions := auth.NewSessionIssuer([]byte(cfg.SessionSecret))
	flow := auth.NewFlow(cfg, st)
	tokens := auth.NewTokenManager(auth.OAuthConfig(cfg), st)
	engine := sync.NewEngine(st, tokens, gmailprovider.New(), publisher)

	r := gin.Default()

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Login entry point: hand the frontend the Google consent URL.
	r.GET("/api/auth/google", func(c *gin.Context) {
		state := uuid.NewString()
		url, err := flow.AuthURL(state)
		if err != nil {
			api.Fail(c, err)
			return
		}
		c.SetCookie(stateCookie, state, int((10 * time.Minute).Seconds()), "/", "", false, true)
		api.OK(c, "authorization URL generated", gin.H{"url": url})
	})

	// Consent callback: exchange the code, bind the identity, issue a
	// session token.
	r.GET("/api/auth/google/callback", func(c *gin.Context) {
		code := c.Query("code")
		if code == "" {
			api.BadRequest(c, "missing authorization code")
			return
		}
		wantState, err := c.Cookie(stateCookie)
		if err != nil || wantState == "" || c.Query("state") != wantState {
			api.BadRequest(c, "state mismatch")
			return
		}
		c.SetCookie(stateCookie, "", -1, "/", "", false, true)

		ctx := c.Request.Context()
		tok, err := flow.Exchange(ctx, code)
		if err != nil {
			api.Fail(c, err)
			return
		}

		identity, err := flow.FetchIdentity(ctx, tok)
		if err != nil {
			api.Fail(c, err)
			return
		}

		user, err := flow.Bind(ctx, identity, tok)
		if err != nil {
			api.Fail(c, err)
			return
		}

		session, err := sessions.Issue(user.ID, user.GoogleID)
		if err != nil {
			api.Fail(c, err)
			return
		}

		api.OK(c, "login successful", gin.H{"token": session, "user": user})
	})

	authorized := r.Group("/api")
	authorized.Use(auth.Middleware(sessions, st))

	authorized.GET("/me", func(c *gin.Context) {
		api.OK(c, "", auth.UserFrom(c))
	})

	// The session token is stateless; logout is a client-side discard.
	authorized.POST("/auth/logout", func(c *gin.Context) {
		api.OK(c, "logged out", nil)
	})

	authorized.DELETE("/account", func(c *gin.Context) {
		user := auth.UserFrom(c)
		if err := st.DeactivateUser(c.Request.Context(), user.ID); err != nil {
			api.Fail(c, err)
			return
		}
		slog.Info("account deactivated", "user_id", user.ID)
		api.OK(c, "account deactivated", nil)
	})

	authorized.POST("/emails/sync", func(c *gin.Context) {
		var req syncRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				api.BadRequest(c, "invalid request body")
				return
			}
		}

		result, err := engine.Sync(c.Request.Context(), auth.UserFrom(c), sync.Options{
			Query:      req.Query,
			PageToken:  req.PageToken,
			MaxResults: req.MaxResults,
		})
		if err != nil {
			api.Fail(c, err)
			return
		}
		api.OK(c, "sync completed", result)
	})

	authorized.GET("/emails", func(c *gin.Context) {
		page, pageSize := pagination(c)
		params := store.ListMessagesParams{Page: page, PageSize: pageSize}
		if v, ok := boolQuery(c, "unread"); ok {
			params.Unread = &v
		}
		if v, ok := boolQuery(c, "starred"); ok {
			params.Starred = &v
		}

		user := auth.UserFrom(c)
		messages, total, err := st.ListMessages(c.Request.Context(), user.ID, params)
		if err != nil {
			api.Fail(c, err)
			return
		}
		api.OK(c, "", api.NewPaginated(messages, page, pageSize, total))
	})

	authorized.GET("/emails/search", func(c *gin.Context) {
		q := strings.TrimSpace(c.Query("q"))
		if q == "" {
			api.BadRequest(c, "missing search query")
			return
		}
		page, pageSize := pagination(c)

		result, err := engine.Search(c.Request.Context(), auth.UserFrom(c), q, c.Query("remote"), page, pageSize)
		if err != nil {
			api.Fail(c, err)
			return
		}

		paginated := api.NewPaginated(result.Messages, page, pageSize, result.Total)
		api.OK(c, "", gin.H{
			"results":      paginated,
			"remoteSynced": result.RemoteSynced,
		})
	})

	authorized.GET("/emails/stats", func(c *gin.Context) {
		stats, err := engine.Stats(c.Request.Context(), auth.UserFrom(c))
		if err != nil {
			api.Fail(c, err)
			return
		}
		api.OK(c, "", stats)
	})

	authorized.PATCH("/emails/:id", func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			api.BadRequest(c, "invalid message id")
			return
		}

		var req updateFlagsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			api.BadRequest(c, "invalid request body")
			return
		}
		if req.IsRead == nil && req.IsStarred == nil && req.Priority == nil {
			api.BadRequest(c, "no fields to update")
			return
		}
		if req.Priority != nil && !store.ValidPriority(*req.Priority) {
			api.BadRequest(c, "priority must be one of high, medium, low")
			return
		}

		user := auth.UserFrom(c)
		ctx := c.Request.Context()
		if err := st.UpdateMessageFlags(ctx, user.ID, id, store.UpdateFlagsParams{
			IsRead:    req.IsRead,
			IsStarred: req.IsStarred,
			Priority:  req.Priority,
		}); err != nil {
			api.Fail(c, err)
			return
		}

		msg, err := st.GetMessage(ctx, user.ID, id)
		if err != nil {
			api.Fail(c, err)
			return
		}
		api.OK(c, "message updated", msg)
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r}

	go func() {
		slog.Info("server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}

func setupLogger(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

func pagination(c *gin.Context) (page, pageSize int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	pageSize, _ = strconv.Atoi(c.DefaultQuery("pageSize", "20"))
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}

func boolQuery(c *gin.Context, name string) (bool, bool) {
	raw, ok := c.GetQuery(name)
	if !ok {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
