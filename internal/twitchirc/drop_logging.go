package twitchirc

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	dropSummaryInterval = 5 * time.Second
	dropSampleMaxLen    = 96
	dropChannelMaxLen   = 32
)

var (
	oauthTokenRe = regexp.MustCompile(`(?i)oauth:[^\s;]+`)
	longTokenRe  = regexp.MustCompile(`[A-Za-z0-9+/_=\-]{24,}`)
)

type ircSummary struct {
	command string
	channel string
	sample  string
}

type dropBucket struct {
	total   int
	byCmd   map[string]int
	samples map[string]string
}

// dropLogger batches lines the adapter ignores into one summary per reason
// every interval. It is owned by the read loop and not safe for concurrent use.
type dropLogger struct {
	log      *slog.Logger
	verbose  bool
	interval time.Duration
	nextEmit time.Time
	buckets  map[string]*dropBucket
}

func newDropLogger(logger *slog.Logger, now time.Time, verbose bool, interval time.Duration) *dropLogger {
	if interval <= 0 {
		interval = dropSummaryInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &dropLogger{
		log:      logger,
		verbose:  verbose,
		interval: interval,
		nextEmit: now.Add(interval),
		buckets:  make(map[string]*dropBucket),
	}
}

func (d *dropLogger) note(now time.Time, reason, rawLine string) {
	if d == nil {
		return
	}
	s := summarizeIRC(rawLine)
	if d.verbose {
		d.log.Debug("twitchirc: dropped line", "reason", reason, "command", s.command, "channel", s.channel, "sample", s.sample)
	}

	b := d.buckets[reason]
	if b == nil {
		b = &dropBucket{byCmd: make(map[string]int), samples: make(map[string]string)}
		d.buckets[reason] = b
	}
	b.total++
	b.byCmd[s.command]++
	if _, ok := b.samples[s.command]; !ok {
		sample := s.sample
		if s.channel != "" && sample != s.channel {
			sample = s.channel + " " + sample
		}
		b.samples[s.command] = sample
	}
	d.tick(now)
}

func (d *dropLogger) tick(now time.Time) {
	if d == nil || now.Before(d.nextEmit) {
		return
	}
	d.flush(now)
}

func (d *dropLogger) flush(now time.Time) {
	if d == nil {
		return
	}
	for _, reason := range sortedKeys(d.buckets) {
		b := d.buckets[reason]
		if b.total == 0 {
			continue
		}
		d.log.Info("twitchirc: dropped_"+reason,
			"total", b.total,
			"commands", formatCounts(b.byCmd),
			"samples", formatSamples(b.samples),
		)
	}
	clear(d.buckets)
	d.nextEmit = now.Add(d.interval)
}

func summarizeIRC(rawLine string) ircSummary {
	line := strings.TrimSpace(rawLine)
	if line == "" {
		return ircSummary{command: "UNKNOWN"}
	}

	tags := ""
	if strings.HasPrefix(line, "@") {
		var ok bool
		tags, line, ok = strings.Cut(line[1:], " ")
		if !ok {
			return ircSummary{command: "UNKNOWN", sample: sanitizeAndTruncate(rawLine, dropSampleMaxLen)}
		}
		line = strings.TrimSpace(line)
	}
	if strings.HasPrefix(line, ":") {
		_, rest, ok := strings.Cut(line, " ")
		if !ok {
			return ircSummary{command: "UNKNOWN", sample: sanitizeAndTruncate(line, dropSampleMaxLen)}
		}
		line = strings.TrimSpace(rest)
	}
	if line == "" {
		return ircSummary{command: "UNKNOWN"}
	}

	cmd, rest, _ := strings.Cut(line, " ")
	cmd = strings.ToUpper(strings.TrimSpace(cmd))
	rest = strings.TrimSpace(rest)

	channel := ""
	for _, part := range strings.Fields(rest) {
		if strings.HasPrefix(part, "#") {
			channel = part
			break
		}
	}

	sample := ""
	if cmd == "USERNOTICE" {
		if id := tagValue(tags, "msg-id"); id != "" {
			sample = "msg-id=" + id
		}
	}
	if sample == "" {
		if _, trailing, ok := strings.Cut(rest, " :"); ok {
			sample = strings.TrimSpace(trailing)
		}
	}
	if sample == "" && channel != "" {
		sample = channel
	}
	if sample == "" {
		sample = rest
	}

	return ircSummary{
		command: cmd,
		channel: sanitizeAndTruncate(channel, dropChannelMaxLen),
		sample:  sanitizeAndTruncate(strings.TrimPrefix(sample, ":"), dropSampleMaxLen),
	}
}

// sanitizeAndTruncate collapses whitespace, redacts credentials, and caps the
// length at max bytes.
func sanitizeAndTruncate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return ""
	}

	upper := strings.ToUpper(s)
	if upper == "PASS" || strings.HasPrefix(upper, "PASS ") {
		s = "PASS [REDACTED]"
	}
	s = oauthTokenRe.ReplaceAllString(s, "oauth:[REDACTED]")
	s = longTokenRe.ReplaceAllString(s, "[REDACTED]")

	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func tagValue(rawTags, key string) string {
	for _, kv := range strings.Split(rawTags, ";") {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k == key {
			return v
		}
	}
	return ""
}

func readDropDebugEnv() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("CHATLEDGER_TWITCH_DEBUG_DROPS"))) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func formatCounts(counts map[string]int) string {
	parts := make([]string, 0, len(counts))
	for _, cmd := range sortedKeys(counts) {
		parts = append(parts, fmt.Sprintf("%s:%d", cmd, counts[cmd]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func formatSamples(samples map[string]string) string {
	parts := make([]string, 0, len(samples))
	for _, cmd := range sortedKeys(samples) {
		parts = append(parts, cmd+":'"+samples[cmd]+"'")
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
