package utils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
	"gopkg.in/gomail.v2"
)

// Email is a fully rendered message ready for delivery.
type Email struct {
	FromName  string
	FromEmail string
	To        string
	Subject   string
	Body      string
	Headers   map[string]string
}

// MailService delivers one message and returns the provider's message id.
type MailService interface {
	Send(ctx context.Context, email Email) (string, error)
}

func (e Email) from() string {
	if e.FromName == "" {
		return e.FromEmail
	}
	return fmt.Sprintf("%s <%s>", e.FromName, e.FromEmail)
}

// SMTPConfig holds the relay settings for SMTPMailer.
type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
}

// SMTPMailer sends through an SMTP relay with gomail.
type SMTPMailer struct {
	cfg    SMTPConfig
	dialer *gomail.Dialer
}

func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	return &SMTPMailer{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}
}

// Send relays the message and returns the Message-ID it was sent with.
func (s *SMTPMailer) Send(ctx context.Context, email Email) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if email.FromEmail == "" {
		email.FromEmail = s.cfg.FromEmail
		email.FromName = s.cfg.FromName
	}

	messageID := newMessageID(email.FromEmail)

	m := gomail.NewMessage()
	m.SetHeader("From", email.from())
	m.SetHeader("To", email.To)
	m.SetHeader("Subject", email.Subject)
	m.SetHeader("Message-ID", messageID)
	for k, v := range email.Headers {
		m.SetHeader(k, v)
	}
	m.SetBody("text/html", email.Body)

	if err := s.dialer.DialAndSend(m); err != nil {
		return "", fmt.Errorf("error sending email: %w", err)
	}
	return messageID, nil
}

func newMessageID(fromEmail string) string {
	domain := "localhost"
	if at := strings.LastIndex(fromEmail, "@"); at >= 0 && at < len(fromEmail)-1 {
		domain = fromEmail[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

// HTTPMailer posts messages to a JSON email API.
type HTTPMailer struct {
	Endpoint  string
	APIKey    string
	FromEmail string
	FromName  string
	Timeout   time.Duration
	client    *fasthttp.Client
}

func NewHTTPMailer(endpoint, apiKey, fromEmail, fromName string) *HTTPMailer {
	return &HTTPMailer{
		Endpoint:  endpoint,
		APIKey:    apiKey,
		FromEmail: fromEmail,
		FromName:  fromName,
		Timeout:   15 * time.Second,
		client: &fasthttp.Client{
			Name:                "outreachly-mailer",
			MaxIdleConnDuration: time.Minute,
		},
	}
}

type httpMailRequest struct {
	From    string            `json:"from"`
	To      string            `json:"to"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html"`
	Headers map[string]string `json:"headers,omitempty"`
}

type httpMailResponse struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

func (h *HTTPMailer) Send(ctx context.Context, email Email) (string, error) {
	if email.FromEmail == "" {
		email.FromEmail = h.FromEmail
		email.FromName = h.FromName
	}
	payload, err := json.Marshal(httpMailRequest{
		From:    email.from(),
		To:      email.To,
		Subject: email.Subject,
		HTML:    email.Body,
		Headers: email.Headers,
	})
	if err != nil {
		return "", err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(h.Endpoint)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if h.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.APIKey)
	}
	req.SetBody(payload)

	timeout := h.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	if timeout <= 0 {
		return "", context.DeadlineExceeded
	}

	if err := h.client.DoTimeout(req, resp, timeout); err != nil {
		return "", fmt.Errorf("mail api request: %w", err)
	}

	var out httpMailResponse
	_ = json.Unmarshal(resp.Body(), &out)

	if code := resp.StatusCode(); code < 200 || code >= 300 {
		if out.Error != "" {
			return "", fmt.Errorf("mail api status %d: %s", code, out.Error)
		}
		return "", fmt.Errorf("mail api status %d", code)
	}
	if out.ID == "" {
		return "", errors.New("mail api returned no message id")
	}
	return out.ID, nil
}

// LogMailer only logs messages. Used in development.
type LogMailer struct {
	Logger *logrus.Entry
}

func (l LogMailer) Send(ctx context.Context, email Email) (string, error) {
	id := newMessageID(email.FromEmail)
	logger := l.Logger
	if logger == nil {
		logger = Component("mailer")
	}
	logger.WithFields(logrus.Fields{
		"to":         email.To,
		"subject":    email.Subject,
		"message_id": id,
	}).Info("Email delivery skipped (log transport)")
	return id, nil
}
