// Package notifier fans out per-task and per-user completion notifications:
// Emby library refresh, Bark push (with a bounded-retry deep-link lookup),
// and SMTP summary email. Grounded on original_source/python/notifications.py
// (send_emby_refresh, send_bark_notification, query_emby_album_id,
// send_summary_email), expressed with the teacher's plain net/http.Client
// call style used throughout internal/engine.
package notifier

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/smtp"
	"net/url"
	"strconv"
	"strings"
	"time"

	"amdl-orchestrator/internal/model"
)

const embyLookupMaxRetries = 10
const embyLookupRetryInterval = 500 * time.Millisecond

// Notifier sends per-task and per-user notifications.
type Notifier struct {
	http   *http.Client
	smtp   SMTPConfig
	logger *slog.Logger
}

// SMTPConfig mirrors internal/config.Config.SMTP.
type SMTPConfig struct {
	Server   string
	Port     int
	Username string
	Password string
}

// New builds a Notifier.
func New(smtpCfg SMTPConfig, logger *slog.Logger) *Notifier {
	return &Notifier{http: &http.Client{Timeout: 15 * time.Second}, smtp: smtpCfg, logger: logger}
}

// NotifyTask fires the per-task Emby refresh and Bark pushes for one
// terminal task, per spec.md §4.10. Each endpoint's failure is independent
// and logged, never aborting the others.
func (n *Notifier) NotifyTask(ctx context.Context, user string, cfg model.UserConfig, task *model.Task) {
	success := task.Status == model.StatusFinish

	if cfg.EmbyURL != "" && cfg.EmbyAPIKey != "" {
		n.refreshEmby(ctx, cfg.EmbyURL, cfg.EmbyAPIKey)
	}

	if len(cfg.BarkURLs) == 0 {
		return
	}

	var albumID string
	if task.LinkInfo.Type == model.LinkAlbum && success && cfg.EmbyURL != "" && cfg.EmbyAPIKey != "" {
		albumID = n.lookupEmbyAlbumID(ctx, cfg.EmbyURL, cfg.EmbyAPIKey, task.DisplayName())
	}

	for _, bark := range cfg.BarkURLs {
		n.pushBark(ctx, bark, task, success, albumID)
	}
}

// NotifyTerminal sends the idle-housekeeping summary email for one user's
// batch of newly terminal tasks (spec.md §4.10). Per-task Emby refresh and
// Bark pushes already fired immediately on each task's terminal transition
// (spec.md §4.8); this is the batched digest only.
func (n *Notifier) NotifyTerminal(user string, cfg model.UserConfig, tasks []*model.Task) {
	if !cfg.EnableEmailNotification || len(cfg.Email) == 0 {
		return
	}
	n.sendSummaryEmail(cfg.Email[0], tasks)
}

func (n *Notifier) refreshEmby(ctx context.Context, embyURL, apiKey string) {
	refreshURL := strings.TrimRight(embyURL, "/") + "/emby/Library/Refresh"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, refreshURL, nil)
	if err != nil {
		n.logger.Error("notifier: build emby refresh request failed", "error", err)
		return
	}
	req.Header.Set("X-Emby-Token", apiKey)
	req.Header.Set("X-Emby-Authorization", `MediaBrowser Client="AMDL", Device="AMDL", DeviceId="AMDL", Version="1.0.0"`)

	resp, err := n.http.Do(req)
	if err != nil {
		n.logger.Error("notifier: emby refresh failed", "error", err)
		return
	}
	defer resp.Body.Close()
	n.logger.Info("notifier: emby refresh triggered", "status", resp.StatusCode)
}

func (n *Notifier) lookupEmbyAlbumID(ctx context.Context, embyURL, apiKey, albumName string) string {
	if albumName == "" {
		return ""
	}
	searchURL := strings.TrimRight(embyURL, "/") + "/emby/Users/a4a7aebebf884933aece0f5c1c2581c5/Items"

	for attempt := 0; attempt < embyLookupMaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(embyLookupRetryInterval)
		}

		q := url.Values{}
		q.Set("SearchTerm", albumName)
		q.Set("IncludeItemTypes", "Audio")
		q.Set("Recursive", "true")
		q.Set("Fields", "Id,Name,AlbumId")

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL+"?"+q.Encode(), nil)
		if err != nil {
			continue
		}
		req.Header.Set("X-Emby-Token", apiKey)
		req.Header.Set("Accept", "application/json")

		resp, err := n.http.Do(req)
		if err != nil {
			n.logger.Warn("notifier: emby album lookup failed", "attempt", attempt, "error", err)
			continue
		}

		var parsed struct {
			Items []struct {
				Album   string `json:"Album"`
				AlbumID string `json:"AlbumId"`
			} `json:"Items"`
		}
		err = json.NewDecoder(resp.Body).Decode(&parsed)
		resp.Body.Close()
		if err != nil {
			continue
		}

		for _, item := range parsed.Items {
			if item.Album == albumName && item.AlbumID != "" {
				return item.AlbumID
			}
		}
	}

	n.logger.Warn("notifier: emby album lookup exhausted retries", "album", albumName)
	return ""
}

func (n *Notifier) pushBark(ctx context.Context, bark model.BarkTarget, task *model.Task, success bool, albumID string) {
	if bark.Server == "" {
		return
	}

	statusText := "failed"
	if success {
		statusText = "succeeded"
	}
	info := fmt.Sprintf("%s \"%s\" %s", task.DisplayType(), task.DisplayName(), statusText)

	pushURL := strings.TrimRight(bark.Server, "/") + "/Apple-Music-Downloader/" + url.PathEscape(info)
	q := url.Values{}
	if bark.ClickURLTemplate != "" && task.LinkInfo.Type == model.LinkAlbum && success && albumID != "" {
		q.Set("url", strings.ReplaceAll(bark.ClickURLTemplate, "{id}", albumID))
	}
	if len(q) > 0 {
		pushURL += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pushURL, nil)
	if err != nil {
		n.logger.Error("notifier: build bark request failed", "error", err)
		return
	}
	resp, err := n.http.Do(req)
	if err != nil {
		n.logger.Error("notifier: bark push failed", "error", err)
		return
	}
	resp.Body.Close()
}

func (n *Notifier) sendSummaryEmail(recipient string, tasks []*model.Task) {
	if n.smtp.Server == "" || n.smtp.Username == "" || n.smtp.Password == "" {
		n.logger.Warn("notifier: smtp not configured, skipping summary email")
		return
	}

	var sb strings.Builder
	successCount, failCount := 0, 0
	for _, t := range tasks {
		duration := ""
		if t.ProcessStartTime != nil && t.ProcessCompleteTime != nil {
			duration = t.ProcessCompleteTime.Sub(*t.ProcessStartTime).Round(time.Second).String()
		}
		if t.Status == model.StatusFinish {
			successCount++
			fmt.Fprintf(&sb, "[ok] %s (%s) - %s\n", t.DisplayName(), t.DisplayType(), duration)
		} else {
			failCount++
			fmt.Fprintf(&sb, "[failed] %s (%s) - %s: %s\n", t.DisplayName(), t.DisplayType(), duration, t.ErrorReason)
		}
	}

	subject := fmt.Sprintf("Download summary: %d succeeded, %d failed", successCount, failCount)
	body := sb.String()
	msg := []byte("Subject: " + subject + "\r\n\r\n" + body)

	addr := net.JoinHostPort(n.smtp.Server, strconv.Itoa(n.smtp.Port))
	auth := smtp.PlainAuth("", n.smtp.Username, n.smtp.Password, n.smtp.Server)

	var err error
	switch n.smtp.Port {
	case 465:
		err = n.sendSMTPOverSSL(addr, auth, recipient, msg)
	case 587:
		err = smtp.SendMail(addr, auth, n.smtp.Username, []string{recipient}, msg)
	default:
		err = smtp.SendMail(addr, auth, n.smtp.Username, []string{recipient}, msg)
	}

	if err != nil {
		n.logger.Error("notifier: summary email failed", "recipient", recipient, "error", err)
		return
	}
	n.logger.Info("notifier: summary email sent", "recipient", recipient)
}

// sendSMTPOverSSL handles port 465, which requires the TLS handshake before
// any SMTP command is sent (net/smtp.SendMail assumes plaintext-then-STARTTLS).
func (n *Notifier) sendSMTPOverSSL(addr string, auth smtp.Auth, recipient string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: n.smtp.Server})
	if err != nil {
		return fmt.Errorf("notifier: tls dial: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, n.smtp.Server)
	if err != nil {
		return fmt.Errorf("notifier: smtp client: %w", err)
	}
	defer client.Close()

	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("notifier: smtp auth: %w", err)
	}
	if err := client.Mail(n.smtp.Username); err != nil {
		return err
	}
	if err := client.Rcpt(recipient); err != nil {
		return err
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	defer w.Close()
	_, err = w.Write(msg)
	return err
}
