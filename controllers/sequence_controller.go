package controller

import (
	"errors"
	"fmt"

	"outreachly/models"
	"outreachly/services"
	"outreachly/store"
	"outreachly/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

type SequenceController struct {
	Sequences *services.SequenceService
	Logger    *logrus.Entry
}

func NewSequenceController(sequences *services.SequenceService) *SequenceController {
	return &SequenceController{
		Sequences: sequences,
		Logger:    utils.Component("sequence_controller"),
	}
}

func brandID(c *fiber.Ctx) string {
	id, _ := c.Locals("brandID").(string)
	return id
}

// owned loads a sequence and hides sequences of other brands.
func (sc *SequenceController) owned(c *fiber.Ctx) (*models.Sequence, error) {
	id := c.Params("id")
	seq, err := sc.Sequences.Get(c.UserContext(), id)
	if err != nil {
		return nil, err
	}
	if brand := brandID(c); brand != "" && seq.BrandID != brand {
		return nil, fmt.Errorf("%w: sequence %s", services.ErrNotFound, id)
	}
	return seq, nil
}

// CreateSequence creates a draft sequence with its steps and recipients
func (sc *SequenceController) CreateSequence(c *fiber.Ctx) error {
	var input services.CreateSequenceInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if brand := brandID(c); brand != "" {
		input.BrandID = brand
	}

	seq, err := sc.Sequences.Create(c.UserContext(), input)
	if err != nil {
		return respondError(c, "Failed to create sequence", err)
	}
	return c.Status(fiber.StatusCreated).JSON(seq)
}

// GetSequences lists the brand's sequences
func (sc *SequenceController) GetSequences(c *fiber.Ctx) error {
	seqs, err := sc.Sequences.List(c.UserContext(), brandID(c))
	if err != nil {
		return respondError(c, "Failed to fetch sequences", err)
	}
	if seqs == nil {
		seqs = []models.Sequence{}
	}
	return c.JSON(seqs)
}

func (sc *SequenceController) GetSequence(c *fiber.Ctx) error {
	seq, err := sc.owned(c)
	if err != nil {
		return respondError(c, "Sequence not found", err)
	}
	return c.JSON(seq)
}

// StartSequence activates a draft sequence and schedules its first emails
func (sc *SequenceController) StartSequence(c *fiber.Ctx) error {
	seq, err := sc.owned(c)
	if err != nil {
		return respondError(c, "Sequence not found", err)
	}

	scheduled, err := sc.Sequences.Start(c.UserContext(), seq.ID)
	if err != nil {
		return respondError(c, "Failed to start sequence", err)
	}
	return c.JSON(fiber.Map{
		"message":        "Sequence started",
		"sequence_id":    seq.ID,
		"scheduled_jobs": scheduled,
	})
}

func (sc *SequenceController) PauseSequence(c *fiber.Ctx) error {
	seq, err := sc.owned(c)
	if err != nil {
		return respondError(c, "Sequence not found", err)
	}

	cancelled, err := sc.Sequences.Pause(c.UserContext(), seq.ID)
	if err != nil {
		return respondError(c, "Failed to pause sequence", err)
	}
	return c.JSON(fiber.Map{
		"message":        "Sequence paused",
		"sequence_id":    seq.ID,
		"cancelled_jobs": cancelled,
	})
}

// DeleteSequence removes a sequence and all of its data. Unknown ids succeed.
func (sc *SequenceController) DeleteSequence(c *fiber.Ctx) error {
	id := c.Params("id")
	seq, err := sc.Sequences.Store.GetSequence(c.UserContext(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// nothing to delete
	case err != nil:
		return respondError(c, "Failed to delete sequence", err)
	case brandID(c) != "" && seq.BrandID != brandID(c):
		return respondError(c, "Sequence not found", fmt.Errorf("%w: sequence %s", services.ErrNotFound, id))
	}

	if err := sc.Sequences.Delete(c.UserContext(), id); err != nil {
		return respondError(c, "Failed to delete sequence", err)
	}
	return c.JSON(fiber.Map{
		"message": "Sequence deleted successfully",
	})
}

// GetSequenceAnalytics returns counters, rates and the event timeline
func (sc *SequenceController) GetSequenceAnalytics(c *fiber.Ctx) error {
	seq, err := sc.owned(c)
	if err != nil {
		return respondError(c, "Sequence not found", err)
	}

	analytics, err := sc.Sequences.Analytics(c.UserContext(), seq.ID)
	if err != nil {
		return respondError(c, "Failed to load analytics", err)
	}
	return c.JSON(analytics)
}
