package worker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"outreachly/models"
	"outreachly/services"
	"outreachly/utils"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"
)

type IMAPConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	Mailbox    string
	Encryption string // SSL, TLS, STARTTLS or empty for plain
	Interval   time.Duration
}

// ReplyRecorder attributes an inbound reply to a sent job.
type ReplyRecorder interface {
	RecordReply(ctx context.Context, inReplyTo, message string) (*models.InfluencerResponse, error)
}

// InboundMessage is the part of a fetched email the poller cares about.
type InboundMessage struct {
	SeqNum    uint32
	MessageID string
	InReplyTo string
	From      string
	Subject   string
	Text      string
}

// ReplyPoller watches the sending mailbox and records replies to sequence
// emails.
type ReplyPoller struct {
	config   IMAPConfig
	recorder ReplyRecorder
	logger   *logrus.Entry
}

func NewReplyPoller(config IMAPConfig, recorder ReplyRecorder) *ReplyPoller {
	if config.Mailbox == "" {
		config.Mailbox = "INBOX"
	}
	if config.Interval <= 0 {
		config.Interval = 5 * time.Minute
	}
	return &ReplyPoller{
		config:   config,
		recorder: recorder,
		logger:   utils.Component("reply_poller"),
	}
}

func (rp *ReplyPoller) Start(ctx context.Context) {
	rp.logger.WithField("mailbox", rp.config.Mailbox).Info("Reply poller started")
	ticker := time.NewTicker(rp.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rp.logger.Info("Reply poller shutting down")
			return
		case <-ticker.C:
			if err := rp.poll(ctx); err != nil {
				utils.LogError("reply_poll_failed", err, map[string]interface{}{
					"host": rp.config.Host,
				})
			}
		}
	}
}

func (rp *ReplyPoller) dial() (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", rp.config.Host, rp.config.Port)
	tlsConfig := &tls.Config{ServerName: rp.config.Host}

	switch strings.ToUpper(rp.config.Encryption) {
	case "SSL", "TLS":
		return client.DialTLS(addr, tlsConfig)
	case "STARTTLS":
		c, err := client.Dial(addr)
		if err != nil {
			return nil, err
		}
		if err := c.StartTLS(tlsConfig); err != nil {
			c.Logout()
			return nil, err
		}
		return c, nil
	default:
		return client.Dial(addr)
	}
}

func (rp *ReplyPoller) poll(ctx context.Context) error {
	c, err := rp.dial()
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	defer c.Logout()

	if err := c.Login(rp.config.Username, rp.config.Password); err != nil {
		return fmt.Errorf("failed to login to IMAP server: %w", err)
	}
	if _, err := c.Select(rp.config.Mailbox, false); err != nil {
		return fmt.Errorf("failed to select mailbox: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	ids, err := c.Search(criteria)
	if err != nil {
		return fmt.Errorf("failed to search messages: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	section := &imap.BodySectionName{Peek: true}
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}, messages)
	}()

	handled := new(imap.SeqSet)
	for msg := range messages {
		inbound, err := parseIMAPMessage(msg, section)
		if err != nil {
			rp.logger.WithError(err).WithField("seq_num", msg.SeqNum).Warn("Failed to parse message")
			continue
		}
		matched, err := rp.HandleMessage(ctx, inbound)
		if err != nil {
			rp.logger.WithError(err).WithField("seq_num", msg.SeqNum).Warn("Failed to record reply")
			continue
		}
		if matched {
			handled.AddNum(msg.SeqNum)
		}
	}
	if err := <-done; err != nil {
		return fmt.Errorf("error during fetch: %w", err)
	}

	if handled.Empty() {
		return nil
	}
	flags := []interface{}{imap.SeenFlag}
	return c.Store(handled, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil)
}

// HandleMessage records msg when it answers a sequence email. It reports
// whether the message matched a sent job.
func (rp *ReplyPoller) HandleMessage(ctx context.Context, msg InboundMessage) (bool, error) {
	if msg.InReplyTo == "" {
		return false, nil
	}

	var lastErr error
	for _, id := range messageIDCandidates(msg.InReplyTo) {
		resp, err := rp.recorder.RecordReply(ctx, id, msg.Text)
		if errors.Is(err, services.ErrNotFound) {
			continue
		}
		if err != nil {
			lastErr = err
			break
		}
		rp.logger.WithFields(logrus.Fields{
			"sequence_id":   resp.SequenceID,
			"influencer_id": resp.InfluencerID,
			"from":          msg.From,
		}).Info("Reply recorded")
		return true, nil
	}
	return false, lastErr
}

// messageIDCandidates returns the id as written and with angle brackets
// toggled, since providers disagree on whether they are part of the id.
func messageIDCandidates(id string) []string {
	id = strings.TrimSpace(id)
	bare := strings.TrimSuffix(strings.TrimPrefix(id, "<"), ">")
	if bare == id {
		return []string{id, "<" + id + ">"}
	}
	return []string{id, bare}
}

func parseIMAPMessage(msg *imap.Message, section *imap.BodySectionName) (InboundMessage, error) {
	if msg.Envelope == nil {
		return InboundMessage{}, errors.New("message envelope missing")
	}
	inbound := InboundMessage{
		SeqNum:    msg.SeqNum,
		MessageID: msg.Envelope.MessageId,
		InReplyTo: msg.Envelope.InReplyTo,
		Subject:   msg.Envelope.Subject,
		From:      formatAddress(msg.Envelope.From),
	}

	literal := msg.GetBody(section)
	if literal == nil {
		return inbound, nil
	}
	text, err := readMessageText(literal)
	if err != nil {
		return inbound, err
	}
	inbound.Text = text
	return inbound, nil
}

// readMessageText returns the plain text part of a message, falling back to
// the HTML part.
func readMessageText(r io.Reader) (string, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return "", fmt.Errorf("failed to create message reader: %w", err)
	}

	var text, html string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			return "", fmt.Errorf("failed to read next part: %w", err)
		}

		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		b, err := io.ReadAll(p.Body)
		if err != nil {
			return "", fmt.Errorf("failed to read body: %w", err)
		}
		switch {
		case strings.HasPrefix(contentType, "text/plain") && text == "":
			text = string(b)
		case strings.HasPrefix(contentType, "text/html") && html == "":
			html = string(b)
		}
	}

	if text != "" {
		return strings.TrimSpace(text), nil
	}
	return strings.TrimSpace(html), nil
}

func formatAddress(addrs []*imap.Address) string {
	var out []string
	for _, a := range addrs {
		if a == nil {
			continue
		}
		out = append(out, a.Address())
	}
	return strings.Join(out, ", ")
}
