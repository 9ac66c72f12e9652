package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mailwatch/mailsync-worker/internal/logging"
	"github.com/mailwatch/mailsync-worker/internal/models"
	"github.com/mailwatch/mailsync-worker/internal/service"
	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// initialPrefix marks a cursor that is still walking the initial baseline
// listing. The full cursor grammar, opaque to callers:
//
//	""                      beginning of retained history
//	"init:<hid>:<token>"    baseline listing in progress, resume at token
//	"<hid>"                 incremental position at history id
//	"<hid>:<token>"         incremental page in progress, resume at token
const initialPrefix = "init:"

// Client reads mailbox changes through the Gmail History API. The history
// id doubles as the account's resumable cursor; Gmail answers with 404 once
// a history id has aged out, which callers see as ErrCursorInvalid.
type Client struct {
	clientID     string
	clientSecret string
	batchSize    int64
}

func NewClient(clientID, clientSecret string, batchSize int64) *Client {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Client{
		clientID:     clientID,
		clientSecret: clientSecret,
		batchSize:    batchSize,
	}
}

// Pull fetches one bounded batch of change events past the cursor.
func (c *Client) Pull(ctx context.Context, accessToken, accountID, cursor string) (*service.PullResult, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, classify(err)
	}

	if cursor == "" || strings.HasPrefix(cursor, initialPrefix) {
		return c.pullBaseline(ctx, svc, accountID, cursor)
	}
	return c.pullHistory(ctx, svc, accountID, cursor)
}

// pullBaseline walks the mailbox once from scratch, emitting created events
// for retained messages. The history id captured before the walk becomes
// the cursor when the walk completes, so changes made while paginating are
// picked up by the first incremental pull.
func (c *Client) pullBaseline(ctx context.Context, svc *gmailapi.Service, accountID, cursor string) (*service.PullResult, error) {
	var baseline, pageToken string

	if cursor == "" {
		profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
		if err != nil {
			return nil, classify(err)
		}
		baseline = strconv.FormatUint(profile.HistoryId, 10)
	} else {
		rest := strings.TrimPrefix(cursor, initialPrefix)
		parts := strings.SplitN(rest, ":", 2)
		baseline = parts[0]
		if len(parts) == 2 {
			pageToken = parts[1]
		}
	}

	call := svc.Users.Messages.List("me").
		Q("-in:spam").
		MaxResults(c.batchSize).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, classify(err)
	}

	now := time.Now()
	events := make([]models.ChangeEvent, 0, len(resp.Messages))
	for _, msg := range resp.Messages {
		ev := models.ChangeEvent{
			AccountID:  accountID,
			ItemID:     msg.Id,
			Kind:       models.ChangeCreated,
			DetectedAt: now,
		}
		c.enrich(ctx, svc, &ev)
		ev.Fingerprint = models.Fingerprint(accountID, ev.ItemID, ev.Kind, ev.Labels)
		events = append(events, ev)
	}

	result := &service.PullResult{Events: events}
	if resp.NextPageToken != "" {
		result.NextCursor = initialPrefix + baseline + ":" + resp.NextPageToken
		result.Truncated = true
	} else {
		result.NextCursor = baseline
	}
	return result, nil
}

// pullHistory fetches incremental changes past a history id.
func (c *Client) pullHistory(ctx context.Context, svc *gmailapi.Service, accountID, cursor string) (*service.PullResult, error) {
	startStr, pageToken := cursor, ""
	if i := strings.IndexByte(cursor, ':'); i >= 0 {
		startStr, pageToken = cursor[:i], cursor[i+1:]
	}

	startID, err := strconv.ParseUint(startStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor %q", service.ErrCursorInvalid, cursor)
	}

	call := svc.Users.History.List("me").
		StartHistoryId(startID).
		HistoryTypes("messageAdded", "messageDeleted", "labelAdded", "labelRemoved").
		MaxResults(c.batchSize).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, classify(err)
	}

	events := c.eventsFromHistory(ctx, svc, accountID, resp.History)

	result := &service.PullResult{Events: events}
	if resp.NextPageToken != "" {
		result.NextCursor = startStr + ":" + resp.NextPageToken
		result.Truncated = true
	} else {
		result.NextCursor = strconv.FormatUint(resp.HistoryId, 10)
	}
	return result, nil
}

func (c *Client) eventsFromHistory(ctx context.Context, svc *gmailapi.Service, accountID string, history []*gmailapi.History) []models.ChangeEvent {
	now := time.Now()
	var events []models.ChangeEvent

	appendEvent := func(itemID string, kind models.ChangeKind, labels []string, fetchMeta bool) {
		ev := models.ChangeEvent{
			AccountID:  accountID,
			ItemID:     itemID,
			Kind:       kind,
			Labels:     labels,
			DetectedAt: now,
		}
		if fetchMeta {
			c.enrich(ctx, svc, &ev)
		}
		ev.Fingerprint = models.Fingerprint(accountID, itemID, kind, ev.Labels)
		events = append(events, ev)
	}

	for _, h := range history {
		for _, added := range h.MessagesAdded {
			appendEvent(added.Message.Id, models.ChangeCreated, added.Message.LabelIds, true)
		}
		for _, la := range h.LabelsAdded {
			appendEvent(la.Message.Id, models.ChangeUpdated, la.Message.LabelIds, false)
		}
		for _, lr := range h.LabelsRemoved {
			appendEvent(lr.Message.Id, models.ChangeUpdated, lr.Message.LabelIds, false)
		}
		for _, deleted := range h.MessagesDeleted {
			appendEvent(deleted.Message.Id, models.ChangeDeleted, nil, false)
		}
	}

	return events
}

// enrich fills header metadata for a created message. A 404 means the
// message was already deleted again; the bare event is kept since the
// matching deletion follows in history.
func (c *Client) enrich(ctx context.Context, svc *gmailapi.Service, ev *models.ChangeEvent) {
	msg, err := svc.Users.Messages.Get("me", ev.ItemID).
		Format("metadata").
		MetadataHeaders("Subject", "From", "Date").
		Context(ctx).
		Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return
		}
		logging.Log.WithFields(map[string]interface{}{
			"item":  ev.ItemID,
			"error": err.Error(),
		}).Warn("failed to fetch message metadata")
		return
	}

	if len(ev.Labels) == 0 {
		ev.Labels = msg.LabelIds
	}
	if msg.InternalDate > 0 {
		ev.ReceivedAt = time.UnixMilli(msg.InternalDate)
	}

	if msg.Payload == nil {
		return
	}
	for _, header := range msg.Payload.Headers {
		switch header.Name {
		case "Subject":
			ev.Subject = header.Value
		case "From":
			ev.From = header.Value
		case "Date":
			if ev.ReceivedAt.IsZero() {
				if parsed, err := parseEmailDate(header.Value); err == nil {
					ev.ReceivedAt = parsed
				}
			}
		}
	}
}

// RefreshAccessToken refreshes the OAuth2 access token
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (*service.TokenRefreshResult, error) {
	config := &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: "https://oauth2.googleapis.com/token",
		},
	}

	token := &oauth2.Token{
		RefreshToken: refreshToken,
	}

	tokenSource := config.TokenSource(ctx, token)
	newToken, err := tokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	result := &service.TokenRefreshResult{
		AccessToken: newToken.AccessToken,
		ExpiresAt:   newToken.Expiry,
	}

	// Check if refresh token was rotated
	if newToken.RefreshToken != "" && newToken.RefreshToken != refreshToken {
		result.RefreshToken = newToken.RefreshToken
	} else {
		result.RefreshToken = refreshToken
	}

	return result, nil
}

func (c *Client) service(ctx context.Context, accessToken string) (*gmailapi.Service, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	svc, err := gmailapi.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}
	return svc, nil
}

// classify maps provider failures onto the pull-level error taxonomy.
func classify(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", service.ErrAuthExpired, err)
		case http.StatusNotFound, http.StatusGone:
			// Gmail rejects an aged-out start history id this way.
			return fmt.Errorf("%w: %v", service.ErrCursorInvalid, err)
		}
	}
	return fmt.Errorf("%w: %v", service.ErrProviderUnavailable, err)
}

// parseEmailDate parses various email date formats
func parseEmailDate(dateStr string) (time.Time, error) {
	formats := []string{
		time.RFC1123Z,
		time.RFC1123,
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"Mon, 2 Jan 2006 15:04:05 MST",
		"2 Jan 2006 15:04:05 -0700",
		time.RFC3339,
	}

	dateStr = strings.TrimSpace(dateStr)

	// Remove timezone name in parentheses (e.g., "(UTC)", "(PST)")
	if idx := strings.Index(dateStr, " ("); idx != -1 {
		dateStr = dateStr[:idx]
	}

	for _, format := range formats {
		if t, err := time.Parse(format, dateStr); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse date: %s", dateStr)
}
