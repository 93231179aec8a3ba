package slack

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	auditdomain "github.com/smallbiznis/tally/internal/audit/domain"
	limitdomain "github.com/smallbiznis/tally/internal/limit/domain"
	"go.uber.org/zap"
)

const (
	defaultQueueSize = 256
	postTimeout      = 10 * time.Second
)

// forwardedActions are the audit events worth a chat message.
var forwardedActions = map[string]bool{
	auditdomain.ActionInvoiceGenerated: true,
	auditdomain.ActionInvoiceVoided:    true,
	auditdomain.ActionExportFailed:     true,
	auditdomain.ActionLimitDeleted:     true,
}

// Notifier formats alerts and audit events and posts them from a background
// worker so callers on the ingest path never wait on Slack.
type Notifier struct {
	provider Provider
	channel  string
	log      *zap.Logger

	queue chan string
	stop  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

func NewNotifier(provider Provider, channel string, log *zap.Logger) *Notifier {
	return &Notifier{
		provider: provider,
		channel:  channel,
		log:      log.Named("slack.notifier"),
		queue:    make(chan string, defaultQueueSize),
		stop:     make(chan struct{}),
	}
}

func (n *Notifier) Start() {
	n.wg.Add(1)
	go n.run()
}

// Stop drains queued messages and waits for the worker.
func (n *Notifier) Stop() {
	n.once.Do(func() { close(n.stop) })
	n.wg.Wait()
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for {
		select {
		case msg := <-n.queue:
			n.post(msg)
		case <-n.stop:
			for {
				select {
				case msg := <-n.queue:
					n.post(msg)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) post(msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
	defer cancel()
	if err := n.provider.PostMessage(ctx, n.channel, msg); err != nil {
		n.log.Warn("slack post failed", zap.Error(err))
	}
}

func (n *Notifier) enqueue(msg string) {
	select {
	case n.queue <- msg:
	default:
		n.log.Warn("slack queue full, dropping message")
	}
}

func (n *Notifier) AlertRaised(_ context.Context, alert limitdomain.UsageAlert) {
	n.enqueue(FormatAlert(alert))
}

func (n *Notifier) AuditRecorded(_ context.Context, entry auditdomain.AuditLog) {
	if !forwardedActions[entry.Action] {
		return
	}
	n.enqueue(FormatAudit(entry))
}

func FormatAlert(alert limitdomain.UsageAlert) string {
	icon := ":information_source:"
	switch alert.Severity {
	case limitdomain.SeverityCritical:
		icon = ":rotating_light:"
	case limitdomain.SeverityWarning:
		icon = ":warning:"
	}
	text := fmt.Sprintf("%s *%s* `%s` org %s: usage %s",
		icon, alert.AlertType, alert.MetricID, alert.OrgID, formatNumber(alert.CurrentUsage))
	if alert.LimitValue > 0 {
		pct := alert.CurrentUsage / alert.LimitValue * 100
		text += fmt.Sprintf(" of %s (%s%%)", formatNumber(alert.LimitValue), formatNumber(pct))
	}
	if alert.Message != "" {
		text += "\n" + alert.Message
	}
	return text
}

func FormatAudit(entry auditdomain.AuditLog) string {
	var b strings.Builder
	fmt.Fprintf(&b, ":memo: `%s` on %s", entry.Action, entry.TargetType)
	if entry.TargetID != nil {
		fmt.Fprintf(&b, " %s", *entry.TargetID)
	}
	if entry.OrgID != nil {
		fmt.Fprintf(&b, " (org %s)", entry.OrgID.String())
	}
	for _, key := range []string{"invoice_number", "total_amount", "reason", "error"} {
		if v, ok := entry.Metadata[key]; ok {
			fmt.Fprintf(&b, "\n%s: %v", key, v)
		}
	}
	return b.String()
}

func formatNumber(v float64) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.2f", v), "0"), ".")
}
