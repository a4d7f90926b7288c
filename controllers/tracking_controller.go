package controller

import (
	"errors"
	"fmt"
	"html"
	"net/url"
	"strings"

	"outreachly/services"
	"outreachly/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

type TrackingController struct {
	Tracking *services.TrackingService
	Logger   *logrus.Entry
}

func NewTrackingController(tracking *services.TrackingService) *TrackingController {
	return &TrackingController{
		Tracking: tracking,
		Logger:   utils.Component("tracking_controller"),
	}
}

func eventMeta(c *fiber.Ctx) services.EventMeta {
	return services.EventMeta{
		UserAgent: c.Get(fiber.HeaderUserAgent),
		IPAddress: c.IP(),
	}
}

// HandleOpenTracking records an open and always serves the pixel
func (tc *TrackingController) HandleOpenTracking(c *fiber.Ctx) error {
	trackingID := c.Params("tracking_id")
	if err := tc.Tracking.RecordOpen(c.UserContext(), trackingID, eventMeta(c)); err != nil {
		tc.Logger.WithError(err).WithField("tracking_id", trackingID).Error("Failed to record open")
	}

	c.Set(fiber.HeaderContentType, "image/gif")
	c.Set(fiber.HeaderCacheControl, "no-cache, no-store, must-revalidate")
	c.Set(fiber.HeaderPragma, "no-cache")
	c.Set(fiber.HeaderExpires, "0")
	return c.Send(utils.TransparentPixel)
}

// HandleClickTracking records a click and redirects to the original link
func (tc *TrackingController) HandleClickTracking(c *fiber.Ctx) error {
	trackingID := c.Params("tracking_id")
	target := c.Query("url")
	if target != "" && !redirectable(target) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid redirect URL",
		})
	}

	err := tc.Tracking.RecordClick(c.UserContext(), trackingID, target, eventMeta(c))
	switch {
	case err == nil:
	case errors.Is(err, services.ErrNotFound) && target == "":
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Tracking link not found",
		})
	case errors.Is(err, services.ErrNotFound):
		tc.Logger.WithField("tracking_id", trackingID).Warn("Click for unknown tracking id")
	default:
		tc.Logger.WithError(err).WithField("tracking_id", trackingID).Error("Failed to record click")
	}

	if target == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Missing url parameter",
		})
	}
	return c.Redirect(target, fiber.StatusFound)
}

func redirectable(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return (scheme == "http" || scheme == "https") && u.Host != ""
}

// HandleResponse records a reply, interest signal or unsubscribe
func (tc *TrackingController) HandleResponse(c *fiber.Ctx) error {
	var input services.ResponseInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	resp, err := tc.Tracking.RecordResponse(c.UserContext(), input)
	if err != nil {
		return respondError(c, "Failed to record response", err)
	}
	return c.Status(fiber.StatusCreated).JSON(resp)
}

// HandleUnsubscribe serves the unsubscribe link embedded in every email
func (tc *TrackingController) HandleUnsubscribe(c *fiber.Ctx) error {
	seqID := c.Query("seq")
	influencerID := c.Query("inf")
	if seqID == "" || influencerID == "" {
		return unsubscribePage(c, fiber.StatusBadRequest, "Invalid link",
			"This unsubscribe link is incomplete. Please use the link from your email.")
	}

	err := tc.Tracking.UnsubscribeByLink(c.UserContext(), seqID, influencerID)
	switch {
	case err == nil:
		return unsubscribePage(c, fiber.StatusOK, "You have been unsubscribed",
			"You will not receive any more emails from this sequence.")
	case errors.Is(err, services.ErrNotFound):
		return unsubscribePage(c, fiber.StatusNotFound, "Link not recognized",
			"We could not find this subscription. It may already have been removed.")
	default:
		utils.LogError("unsubscribe_failed", err, map[string]interface{}{
			"sequence_id":   seqID,
			"influencer_id": influencerID,
		})
		return unsubscribePage(c, fiber.StatusInternalServerError, "Something went wrong",
			"We could not process your request. Please try again later.")
	}
}

const unsubscribeHTML = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>%s</title>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 40px auto; padding: 20px; text-align: center; }
        h2 { color: #2c3e50; }
    </style>
</head>
<body>
    <h2>%s</h2>
    <p>%s</p>
</body>
</html>`

func unsubscribePage(c *fiber.Ctx, status int, title, message string) error {
	t := html.EscapeString(title)
	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.Status(status).SendString(fmt.Sprintf(unsubscribeHTML, t, t, html.EscapeString(message)))
}
