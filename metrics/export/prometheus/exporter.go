package prometheus

import (
	"net/http"
	"strconv"
	"strings"

	castellan "github.com/castellan-auth/castellan"
)

type metricsSource interface {
	MetricsSnapshot() castellan.MetricsSnapshot
	AuditDropped() uint64
}

type counterDef struct {
	ID   castellan.MetricID
	Name string
	Help string
}

var counterDefs = []counterDef{
	{ID: castellan.MetricLoginSuccess, Name: "castellan_login_success_total", Help: "Successful login completions."},
	{ID: castellan.MetricLoginFailure, Name: "castellan_login_failure_total", Help: "Failed login attempts."},
	{ID: castellan.MetricLoginLocked, Name: "castellan_login_locked_total", Help: "Login attempts rejected by an active source-address block."},
	{ID: castellan.MetricLockTriggered, Name: "castellan_lock_triggered_total", Help: "Source-address blocks triggered."},
	{ID: castellan.MetricLockExpired, Name: "castellan_lock_expired_total", Help: "Temporary blocks cleared by lazy expiry."},
	{ID: castellan.MetricLockPardoned, Name: "castellan_lock_pardoned_total", Help: "Administrative unblock operations."},
	{ID: castellan.MetricCodeIssued, Name: "castellan_login_code_issued_total", Help: "One-time codes issued."},
	{ID: castellan.MetricCodeDeliveryFailed, Name: "castellan_login_code_delivery_failed_total", Help: "One-time code delivery failures."},
	{ID: castellan.MetricCodeConfirmed, Name: "castellan_login_code_confirmed_total", Help: "One-time codes confirmed."},
	{ID: castellan.MetricCodeInvalid, Name: "castellan_login_code_invalid_total", Help: "One-time code confirmations rejected as invalid."},
	{ID: castellan.MetricCodeExpired, Name: "castellan_login_code_expired_total", Help: "One-time code confirmations rejected as expired."},
	{ID: castellan.MetricTOTPSuccess, Name: "castellan_totp_success_total", Help: "Successful TOTP verifications."},
	{ID: castellan.MetricTOTPFailure, Name: "castellan_totp_failure_total", Help: "Failed TOTP verifications."},
	{ID: castellan.MetricRecoveryCodeUsed, Name: "castellan_recovery_code_used_total", Help: "Successful recovery-code authentications."},
	{ID: castellan.MetricRecoveryCodeFailed, Name: "castellan_recovery_code_failed_total", Help: "Failed recovery-code authentications."},
	{ID: castellan.MetricSessionIssued, Name: "castellan_session_issued_total", Help: "Sessions issued."},
	{ID: castellan.MetricSessionResolved, Name: "castellan_session_resolved_total", Help: "Session tokens resolved."},
	{ID: castellan.MetricSessionExpired, Name: "castellan_session_expired_total", Help: "Session tokens rejected as expired."},
	{ID: castellan.MetricSessionRevoked, Name: "castellan_session_revoked_total", Help: "Sessions revoked."},
	{ID: castellan.MetricPasswordChanged, Name: "castellan_password_change_success_total", Help: "Successful password changes."},
	{ID: castellan.MetricPasswordReuseRejected, Name: "castellan_password_change_reuse_rejected_total", Help: "Password changes rejected for reuse."},
	{ID: castellan.MetricPasswordExpiredLogin, Name: "castellan_password_expired_login_total", Help: "Logins rejected for an expired credential."},
}

var histogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// Exporter renders castellan metrics in Prometheus text exposition format.
type Exporter struct {
	source metricsSource
}

// NewExporter creates an exporter that reads from the given engine.
func NewExporter(engine *castellan.Engine) *Exporter {
	return &Exporter{source: engine}
}

// NewExporterFromSource creates an exporter from a custom snapshot source.
func NewExporterFromSource(source metricsSource) *Exporter {
	return &Exporter{source: source}
}

// Handler returns an http.Handler that serves the metrics page.
func (p *Exporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(p.Render()))
	})
}

// Render writes the current metrics in Prometheus text exposition format.
func (p *Exporter) Render() string {
	if p == nil || p.source == nil {
		return ""
	}

	snapshot := p.source.MetricsSnapshot()
	dropped := p.source.AuditDropped()
	if len(snapshot.Counters) == 0 && len(snapshot.Histograms) == 0 && dropped == 0 {
		return ""
	}

	var b strings.Builder
	b.Grow(8192)

	for _, def := range counterDefs {
		writeCounter(&b, def.Name, def.Help, snapshot.Counters[def.ID])
	}

	if raw, ok := snapshot.Histograms[castellan.MetricResolveLatency]; ok {
		writeHistogram(&b, "castellan_resolve_latency_seconds",
			"Session resolve latency histogram.", cumulativeBuckets(raw))
	}

	writeCounter(&b, "castellan_audit_dropped_total",
		"Dropped audit events due to dispatcher backpressure.", dropped)

	return b.String()
}

func writeCounter(b *strings.Builder, name, help string, value uint64) {
	b.WriteString("# HELP ")
	b.WriteString(name)
	b.WriteByte(' ')
	b.WriteString(escapeHelp(help))
	b.WriteByte('\n')
	b.WriteString("# TYPE ")
	b.WriteString(name)
	b.WriteString(" counter\n")
	b.WriteString(name)
	b.WriteByte(' ')
	b.WriteString(strconv.FormatUint(value, 10))
	b.WriteByte('\n')
}

func writeHistogram(b *strings.Builder, name, help string, cumulative [8]uint64) {
	b.WriteString("# HELP ")
	b.WriteString(name)
	b.WriteByte(' ')
	b.WriteString(escapeHelp(help))
	b.WriteByte('\n')
	b.WriteString("# TYPE ")
	b.WriteString(name)
	b.WriteString(" histogram\n")

	for i, le := range histogramBounds {
		b.WriteString(name)
		b.WriteString("_bucket{le=\"")
		b.WriteString(le)
		b.WriteString("\"} ")
		b.WriteString(strconv.FormatUint(cumulative[i], 10))
		b.WriteByte('\n')
	}

	count := cumulative[len(cumulative)-1]
	b.WriteString(name)
	b.WriteString("_count ")
	b.WriteString(strconv.FormatUint(count, 10))
	b.WriteByte('\n')

	// Sum is not tracked by the core counters; keep a stable field.
	b.WriteString(name)
	b.WriteString("_sum 0\n")
}

func cumulativeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(out); i++ {
		if i < len(raw) {
			running += raw[i]
		}
		out[i] = running
	}
	return out
}

func escapeHelp(help string) string {
	help = strings.ReplaceAll(help, "\\", "\\\\")
	help = strings.ReplaceAll(help, "\n", "\\n")
	return help
}
