package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const streamHeartbeat = 25 * time.Second

// BoardSubscriber opens a live feed of a board's events.
type BoardSubscriber interface {
	Subscribe(ctx context.Context, boardID string) (<-chan domain.Event, func() error, error)
}

// RegisterStream adds the server-sent events endpoint for live boards.
func RegisterStream(e *echo.Echo, lister TaskLister, feed BoardSubscriber, auth Authenticator, logger *log.Logger) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	e.GET("/api/boards/:id/stream", streamBoard(lister, feed, auth, logger))
}

// streamBoard sends a snapshot of every lane followed by each event
// committed since the snapshot was taken. EventSource cannot set headers, so the token may come as ?token=.
func streamBoard(lister TaskLister, feed BoardSubscriber, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if token := c.QueryParam("token"); authHeader == "" && token != "" {
			authHeader = bearerPrefix + token
		}
		userID, err := auth.UserIDFromAuthHeader(authHeader)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorBody{Error: err.Error(), Kind: "unauthorized"})
		}
		boardID := c.Param("id")
		ctx := c.Request().Context()

		// Subscribe before reading the snapshot so that no event committed
		// in between is lost. Clients may see a change both in the snapshot
		// and as an event.
		events, closeFeed, err := feed.Subscribe(ctx, boardID)
		if err != nil {
			logger.WithField("board", boardID).WithError(err).Error("subscribe to board feed")
			return c.JSON(http.StatusServiceUnavailable, errorBody{Error: "stream unavailable", Kind: string(domain.KindStore)})
		}
		defer func() { _ = closeFeed() }()

		snapshot := []domain.Task{}
		for _, s := range domain.Statuses {
			lane, err := lister.ListPartition(ctx, boardID, s)
			if err != nil {
				status, body := errorResponse(err)
				return c.JSON(status, body)
			}
			snapshot = append(snapshot, lane...)
		}

		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		h := c.Response().Header()
		h.Set(echo.HeaderContentType, "text/event-stream")
		h.Set(echo.HeaderCacheControl, "no-cache")
		h.Set(echo.HeaderConnection, "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		c.Response().WriteHeader(http.StatusOK)

		entry := logger.WithFields(log.Fields{"board": boardID, "user": userID})
		if err := writeSSE(c, "snapshot", tasksResponse{Tasks: snapshot}); err != nil {
			return err
		}
		flusher.Flush()
		entry.Debug("board stream opened")

		ticker := time.NewTicker(streamHeartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				entry.Debug("board stream closed by client")
				return nil
			case <-ticker.C:
				if _, err := c.Response().Write([]byte(": ping\n\n")); err != nil {
					return err
				}
			case ev, ok := <-events:
				if !ok {
					entry.Debug("board feed ended")
					return nil
				}
				if err := writeSSE(c, ev.Type, ev); err != nil {
					entry.WithError(err).Warn("write board event")
					return err
				}
			}
			flusher.Flush()
		}
	}
}

func writeSSE(c echo.Context, event string, payload any) error {
	data, err := sonic.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.Response(), "event: %s\ndata: %s\n\n", event, data)
	return err
}
