// Package notify delivers status-change email. Messages are queued and sent
// by a single worker so request handlers never wait on SMTP.
package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"agroreg/internal/config"
	"agroreg/internal/database"
	"agroreg/internal/metrics"
	"agroreg/internal/models"
)

// SendFunc matches smtp.SendMail. Override in tests.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Delivery outcomes recorded in email_log.
const (
	StatusSent     = "sent"
	StatusFailed   = "failed"
	StatusDisabled = "disabled"
	StatusDropped  = "dropped"
)

// Message is one outgoing email.
type Message struct {
	To        string
	Subject   string
	Body      string
	EventType string
}

type Mailer struct {
	cfg  config.SMTPConfig
	db   database.Querier
	log  *zap.Logger
	send SendFunc

	queue chan Message
	mu    sync.RWMutex
	done  bool
}

// New builds a mailer. Call Run to start delivery.
func New(cfg config.SMTPConfig, db database.Querier, log *zap.Logger) *Mailer {
	if log == nil {
		log = zap.NewNop()
	}
	size := cfg.Queue
	if size <= 0 {
		size = 64
	}
	return &Mailer{
		cfg:   cfg,
		db:    db,
		log:   log.Named("mail"),
		send:  smtp.SendMail,
		queue: make(chan Message, size),
	}
}

// SetSendFunc replaces the SMTP transport.
func (m *Mailer) SetSendFunc(f SendFunc) { m.send = f }

// Enabled reports whether SMTP delivery is configured.
func (m *Mailer) Enabled() bool { return m.cfg.Enabled && m.cfg.Host != "" }

// Enqueue hands msg to the worker without blocking. With SMTP disabled the
// message is only written to email_log.
func (m *Mailer) Enqueue(ctx context.Context, msg Message) {
	if m == nil || msg.To == "" {
		return
	}
	if !m.Enabled() {
		m.record(ctx, msg, StatusDisabled, "")
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.done {
		m.record(ctx, msg, StatusDropped, "mailer stopped")
		return
	}
	select {
	case m.queue <- msg:
		metrics.EmailQueueDepth.Set(float64(len(m.queue)))
	default:
		m.log.Warn("queue full, dropping email", zap.String("to", msg.To), zap.String("event", msg.EventType))
		m.record(ctx, msg, StatusDropped, "queue full")
	}
}

// Run delivers queued mail until ctx is cancelled, then flushes what is
// already queued and returns.
func (m *Mailer) Run(ctx context.Context) error {
	for {
		select {
		case msg := <-m.queue:
			metrics.EmailQueueDepth.Set(float64(len(m.queue)))
			m.deliver(context.Background(), msg)
		case <-ctx.Done():
			m.mu.Lock()
			m.done = true
			m.mu.Unlock()
			for {
				select {
				case msg := <-m.queue:
					m.deliver(context.Background(), msg)
				default:
					metrics.EmailQueueDepth.Set(0)
					return nil
				}
			}
		}
	}
}

// Send delivers msg synchronously.
func (m *Mailer) Send(ctx context.Context, msg Message) error {
	if !m.Enabled() {
		m.record(ctx, msg, StatusDisabled, "")
		return fmt.Errorf("email not configured or disabled")
	}
	return m.deliver(ctx, msg)
}

func (m *Mailer) deliver(ctx context.Context, msg Message) error {
	from := m.cfg.From
	if from == "" {
		from = m.cfg.User
	}
	name := m.cfg.FromName
	if name == "" {
		name = "agroreg"
	}
	raw := fmt.Sprintf("From: %s <%s>\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s",
		name, from, msg.To, sanitizeHeader(msg.Subject), msg.Body)

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	var a smtp.Auth
	if m.cfg.User != "" {
		a = smtp.PlainAuth("", m.cfg.User, m.cfg.Password, m.cfg.Host)
	}

	err := m.send(addr, a, from, []string{msg.To}, []byte(raw))
	if err != nil {
		m.log.Warn("send failed", zap.String("to", msg.To), zap.Error(err))
		m.record(ctx, msg, StatusFailed, err.Error())
		return err
	}
	m.log.Debug("sent", zap.String("to", msg.To), zap.String("event", msg.EventType))
	m.record(ctx, msg, StatusSent, "")
	return nil
}

func (m *Mailer) record(ctx context.Context, msg Message, status, errStr string) {
	metrics.EmailsSent.WithLabelValues(status).Inc()
	_, err := m.db.ExecContext(ctx,
		"INSERT INTO email_log (to_address, subject, body, event_type, status, error, sent_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		msg.To, msg.Subject, msg.Body, msg.EventType, status, errStr, database.Now())
	if err != nil {
		m.log.Error("write email log", zap.Error(err))
	}
}

// Log returns the most recent email_log entries.
func (m *Mailer) Log(ctx context.Context, limit int) ([]models.EmailLogEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := m.db.QueryContext(ctx,
		"SELECT id, to_address, subject, COALESCE(event_type, ''), status, COALESCE(error, ''), sent_at FROM email_log ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("list email log: %w", err)
	}
	defer rows.Close()
	out := []models.EmailLogEntry{}
	for rows.Next() {
		var e models.EmailLogEntry
		if err := rows.Scan(&e.ID, &e.To, &e.Subject, &e.EventType, &e.Status, &e.Error, &e.SentAt); err != nil {
			return nil, fmt.Errorf("scan email log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
