package mailer

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/zllovesuki/metering/notification"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SendFunc has the signature of smtp.SendMail
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Options provides initialization parameters for Mailer
type Options struct {
	Logger   *zap.Logger
	Hostname string // host:port of the SMTP server
	SMTPAuth smtp.Auth
	From     string
	SiteName string
	SiteURL  string
	// Fallback receives notifications of organizations without a billing email
	Fallback string
	// Transport defaults to smtp.SendMail
	Transport SendFunc
	// Clock defaults to time.Now
	Clock func() time.Time
}

func (o *Options) validate() error {
	if o.Logger == nil {
		return fmt.Errorf("nil Logger is invalid")
	}
	if o.Hostname == "" {
		return fmt.Errorf("Empty hostname is invalid")
	}
	if o.From == "" {
		return fmt.Errorf("Empty from is invalid")
	}
	if o.SiteName == "" {
		return fmt.Errorf("Empty SiteName is invalid")
	}
	if o.Transport == nil {
		o.Transport = smtp.SendMail
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return nil
}

// Mailer renders notifications into emails and sends them over SMTP
type Mailer struct {
	Options
}

func New(option Options) (*Mailer, error) {
	if err := option.validate(); err != nil {
		return nil, err
	}
	return &Mailer{
		Options: option,
	}, nil
}

// Message is a rendered email
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

type view struct {
	Site          string
	BillingURL    string
	Currency      string
	DaysRemaining int
	AmountDue     string
	Ledger        notification.LedgerSnapshot
	Invoice       notification.InvoiceSnapshot
}

// Compose renders the email for a notification
func (m *Mailer) Compose(n *notification.Notification, to string) (*Message, error) {
	c, ok := contents[n.AlertType]
	if !ok {
		return nil, fmt.Errorf("no template for alert type %s", n.AlertType)
	}
	if to == "" {
		to = m.Fallback
	}
	if to == "" {
		return nil, fmt.Errorf("no recipient for organization %s", n.OrganizationID)
	}

	v := view{
		Site:       m.SiteName,
		BillingURL: strings.TrimRight(m.SiteURL, "/") + "/dashboard/billing",
	}
	if n.Ledger != nil {
		v.Ledger = *n.Ledger
		v.Currency = strings.ToUpper(n.Ledger.Currency)
		if left := n.Ledger.PeriodEnd.Sub(m.Clock()); left > 0 {
			v.DaysRemaining = int((left + 24*time.Hour - 1) / (24 * time.Hour))
		}
	}
	if n.Invoice != nil {
		v.Invoice = *n.Invoice
		v.Currency = strings.ToUpper(n.Invoice.Currency)
		v.AmountDue = decimal.New(n.Invoice.AmountDueCents, -2).StringFixed(2)
	}

	var text, html bytes.Buffer
	if err := c.Text.Execute(&text, v); err != nil {
		return nil, extErrors.Wrap(err, "Cannot render text body")
	}
	if err := c.HTML.Execute(&html, v); err != nil {
		return nil, extErrors.Wrap(err, "Cannot render html body")
	}
	return &Message{
		To:      to,
		Subject: fmt.Sprintf(c.Subject, m.SiteName),
		Text:    text.String(),
		HTML:    html.String(),
	}, nil
}

// Bytes encodes the message as multipart/alternative
func (msg *Message) Bytes(from string) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", msg.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&buf, "Message-ID: <%s@%s>\r\n", uuid.NewString(), domainOf(from))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%s\r\n\r\n", w.Boundary())

	for _, part := range []struct {
		contentType string
		body        string
	}{
		{"text/plain; charset=utf-8", msg.Text},
		{"text/html; charset=utf-8", msg.HTML},
	} {
		pw, err := w.CreatePart(textproto.MIMEHeader{"Content-Type": {part.contentType}})
		if err != nil {
			return nil, err
		}
		if _, err := pw.Write([]byte(part.body)); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return strings.Trim(addr[i+1:], "> ")
	}
	return "localhost"
}

// Send renders and sends the notification to the recipient
func (m *Mailer) Send(ctx context.Context, n *notification.Notification, to string) error {
	msg, err := m.Compose(n, to)
	if err != nil {
		return err
	}
	body, err := msg.Bytes(m.From)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode email")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.Transport(m.Hostname, m.SMTPAuth, m.From, []string{msg.To}, body); err != nil {
		return extErrors.Wrap(err, "Cannot send email")
	}
	m.Logger.Info("Notification email sent",
		zap.String("OrganizationID", n.OrganizationID),
		zap.String("AlertType", string(n.AlertType)),
	)
	return nil
}
