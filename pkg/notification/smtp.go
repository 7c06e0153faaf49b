// Package notification implements the Notifier (spec §4.8): SMTP
// delivery of bundle-ready/bundle-failed emails, with a lazily reused
// session, a pre-send NOOP probe, and delete-after-send semantics.
package notification

import (
	"context"
	"fmt"
	"io"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/SoftwareHeritage/swh-vault/pkg/metrics"
	"github.com/SoftwareHeritage/swh-vault/pkg/vault"
)

// smtpClient is the subset of *smtp.Client the Notifier drives
// directly, narrowed so tests can substitute a fake session.
// *net/smtp.Client already satisfies this interface.
type smtpClient interface {
	Noop() error
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Reset() error
	Close() error
}

type dialFunc func(addr string) (smtpClient, error)

func defaultDial(addr string) (smtpClient, error) {
	return smtp.Dial(addr)
}

// PendingNotificationSource is the subset of the Lifecycle Store
// SendAll needs: the notification rows for a bundle, and the ability
// to drop one once its email has been sent.
type PendingNotificationSource interface {
	PendingNotifications(ctx context.Context, bundleType vault.BundleType, id vault.ObjectID) ([]vault.NotificationEntry, error)
	DeleteNotification(ctx context.Context, notifID int64) error
}

// Notifier is the Vault's SMTP delivery component. The zero value is
// not usable; build one with New.
type Notifier struct {
	addr string
	from string
	dial dialFunc

	mu      sync.Mutex
	client  smtpClient
	breaker *gobreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

func New(host string, port int, from string, logger *zap.SugaredLogger) *Notifier {
	n := &Notifier{
		addr:   fmt.Sprintf("%s:%d", host, port),
		from:   from,
		dial:   defaultDial,
		logger: logger,
	}
	n.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "smtp-notifier",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			metrics.SetCircuitBreakerState(name, int(to))
		},
	})
	return n
}

// ensureSession reuses the live connection after a successful NOOP;
// any failure (including "no session yet") triggers a fresh dial
// (spec §4.8: "before each send, a NOOP; non-250 triggers connect()
// and retry").
func (n *Notifier) ensureSession() (smtpClient, error) {
	if n.client != nil {
		if err := n.client.Noop(); err == nil {
			return n.client, nil
		}
		n.client.Close()
		n.client = nil
	}
	client, err := n.dial(n.addr)
	if err != nil {
		return nil, fmt.Errorf("notification: failed to dial %s: %w", n.addr, err)
	}
	n.client = client
	return client, nil
}

func subjectFor(status vault.Status, bundleType vault.BundleType, id vault.ObjectID) string {
	if status == vault.StatusDone {
		return fmt.Sprintf("Bundle ready: %s %s", bundleType, id.ShortHex())
	}
	return fmt.Sprintf("Bundle failed: %s %s", bundleType, id.ShortHex())
}

func bodyFor(status vault.Status, bundleType vault.BundleType, id vault.ObjectID) string {
	var lead string
	if status == vault.StatusDone {
		lead = fmt.Sprintf("Your bundle of type %s for object %s is ready for download.", bundleType, id.Hex())
	} else {
		lead = fmt.Sprintf("Your bundle of type %s for object %s could not be cooked.", bundleType, id.Hex())
	}
	// The "--\x20\n" line is the conventional signature delimiter,
	// tested verbatim by spec §8.
	return lead + "\n--\x20\n" + "The Software Heritage Vault\n"
}

// Send delivers a single email for a bundle's terminal status. It is
// the unit the circuit breaker wraps: a tripped breaker fails fast
// with no dial attempt.
func (n *Notifier) Send(ctx context.Context, email string, status vault.Status, bundleType vault.BundleType, id vault.ObjectID) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	_, err := n.breaker.Execute(func() (any, error) {
		client, err := n.ensureSession()
		if err != nil {
			return nil, err
		}
		if err := n.deliver(client, email, subjectFor(status, bundleType, id), bodyFor(status, bundleType, id)); err != nil {
			n.client.Close()
			n.client = nil
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		metrics.RecordNotificationSent("failed")
		return fmt.Errorf("notification: send failed: %w", err)
	}
	metrics.RecordNotificationSent("sent")
	return nil
}

func (n *Notifier) deliver(client smtpClient, to, subject, body string) error {
	if err := client.Mail(n.from); err != nil {
		return fmt.Errorf("MAIL FROM failed: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("RCPT TO failed: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA failed: %w", err)
	}
	msg := strings.Builder{}
	fmt.Fprintf(&msg, "From: %s\r\n", n.from)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("\r\n")
	msg.WriteString(body)
	if _, err := io.WriteString(w, msg.String()); err != nil {
		return fmt.Errorf("writing message body failed: %w", err)
	}
	return w.Close()
}

// SendAll materializes every pending notification for the bundle and
// sends it, deleting the row only after the send call returns
// successfully. A crash between send and delete yields an accepted
// duplicate email (spec §4.8).
func (n *Notifier) SendAll(ctx context.Context, store PendingNotificationSource, status vault.Status, bundleType vault.BundleType, id vault.ObjectID) error {
	notifs, err := store.PendingNotifications(ctx, bundleType, id)
	if err != nil {
		return err
	}
	var firstErr error
	for _, notif := range notifs {
		if err := n.Send(ctx, notif.Email, status, bundleType, id); err != nil {
			n.logger.Warnw("notification: delivery failed, leaving row for retry",
				"email", notif.Email, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := store.DeleteNotification(ctx, notif.ID); err != nil {
			n.logger.Warnw("notification: delete-after-send failed", "notif_id", notif.ID, "error", err)
		}
	}
	return firstErr
}
