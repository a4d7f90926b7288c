package controller

import (
	"context"
	"time"

	"outreachly/services"

	"github.com/gofiber/websocket/v2"
)

// LiveInterval is how often the live feed pushes fresh analytics.
var LiveInterval = 5 * time.Second

type liveMessage struct {
	Type      string                      `json:"type"`
	Analytics *services.SequenceAnalytics `json:"analytics,omitempty"`
	Error     string                      `json:"error,omitempty"`
}

// HandleLiveAnalytics streams a sequence's analytics until the client goes
// away or the sequence is deleted.
func (sc *SequenceController) HandleLiveAnalytics(c *websocket.Conn) {
	defer c.Close()

	id := c.Params("id")
	brand, _ := c.Locals("brandID").(string)
	log := sc.Logger.WithField("sequence_id", id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reads only detect the client closing the connection
	go func() {
		defer cancel()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(LiveInterval)
	defer ticker.Stop()

	for {
		analytics, err := sc.Sequences.Analytics(ctx, id)
		if err == nil && brand != "" {
			if seq, getErr := sc.Sequences.Store.GetSequence(ctx, id); getErr != nil || seq.BrandID != brand {
				err = services.ErrNotFound
			}
		}
		if err != nil {
			_ = c.WriteJSON(liveMessage{Type: "error", Error: "Sequence not found"})
			log.WithError(err).Debug("Live feed closed")
			return
		}

		if err := c.WriteJSON(liveMessage{Type: "analytics", Analytics: analytics}); err != nil {
			log.WithError(err).Debug("Error writing live analytics")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
