package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/callpilot/callpilot/services/scheduling-service/internal/metrics"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/model"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

var tracer = otel.Tracer("github.com/callpilot/callpilot/services/scheduling-service/internal/calendar")

// TokenSource supplies OAuth tokens and can be told to refresh after a 401.
type TokenSource interface {
	oauth2.TokenSource
	Refresh(ctx context.Context) (*oauth2.Token, error)
}

type GoogleConfig struct {
	CalendarID  string
	TimeZone    string
	CallTimeout time.Duration
	MaxAttempts uint
	BaseBackoff time.Duration
	// Endpoint overrides the API base URL (tests).
	Endpoint string
}

type GoogleGateway struct {
	svc     *gcal.Service
	tokens  TokenSource
	cfg     GoogleConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewGoogleGateway(ctx context.Context, tokens TokenSource, cfg GoogleConfig, logger *slog.Logger, m *metrics.Metrics) (*GoogleGateway, error) {
	if cfg.CalendarID == "" {
		cfg.CalendarID = "primary"
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 250 * time.Millisecond
	}

	client := &http.Client{
		Transport: &oauth2.Transport{
			Source: tokens,
			Base:   otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("calendar service: %w", err)
	}
	return &GoogleGateway{svc: svc, tokens: tokens, cfg: cfg, logger: logger, metrics: m}, nil
}

// transientError marks a failure worth retrying.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

var errDuplicateID = errors.New("event id already exists")

// call runs fn with a per-attempt timeout, a single token refresh on 401 and
// exponential backoff for transient failures.
func call[T any](ctx context.Context, g *GoogleGateway, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, span := tracer.Start(ctx, "calendar."+op)
	defer span.End()
	span.SetAttributes(attribute.String("calendar.id", g.cfg.CalendarID))

	start := time.Now()
	refreshed := false

	attempt := func() (T, error) {
		actx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
		defer cancel()
		return fn(actx)
	}

	operation := func() (T, error) {
		v, err := attempt()
		if err != nil && isUnauthorized(err) {
			if refreshed {
				return v, backoff.Permanent(fmt.Errorf("%w: %s rejected after refresh", model.ErrAuthExpired, op))
			}
			refreshed = true
			if _, rerr := g.tokens.Refresh(ctx); rerr != nil {
				return v, g.classify(ctx, rerr)
			}
			v, err = attempt()
			if err != nil && isUnauthorized(err) {
				return v, backoff.Permanent(fmt.Errorf("%w: %s rejected after refresh", model.ErrAuthExpired, op))
			}
		}
		if err != nil {
			return v, g.classify(ctx, err)
		}
		return v, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.BaseBackoff
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxInterval = 4 * g.cfg.BaseBackoff

	v, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(g.cfg.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			g.logger.Warn("calendar call retrying", "op", op, "err", err, "backoff_ms", next.Milliseconds())
		}),
	)

	outcome := "ok"
	if err != nil {
		var te *transientError
		if errors.As(err, &te) {
			err = fmt.Errorf("%w: %s: %v", model.ErrProviderUnavailable, op, te.err)
		}
		outcome = outcomeOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	g.metrics.ObserveProviderCall(op, outcome, time.Since(start))
	return v, err
}

func (g *GoogleGateway) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return backoff.Permanent(fmt.Errorf("%w: %v", model.ErrProviderUnavailable, ctx.Err()))
	}
	switch {
	case errors.Is(err, model.ErrAuthExpired), errors.Is(err, model.ErrNotConnected):
		return backoff.Permanent(err)
	case errors.Is(err, model.ErrProviderUnavailable):
		return &transientError{err: err}
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone:
			return backoff.Permanent(model.ErrNotFound)
		case gerr.Code == http.StatusConflict:
			return backoff.Permanent(errDuplicateID)
		case gerr.Code == http.StatusPreconditionFailed:
			return backoff.Permanent(fmt.Errorf("%w: event changed since it was read", model.ErrConflict))
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500 || isRateLimited(gerr):
			return &transientError{err: err}
		default:
			return backoff.Permanent(fmt.Errorf("calendar request rejected: %w", err))
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &transientError{err: err}
	}
	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return &transientError{err: err}
	}
	return backoff.Permanent(err)
}

func isUnauthorized(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusUnauthorized
}

func isRateLimited(gerr *googleapi.Error) bool {
	if gerr.Code != http.StatusForbidden {
		return false
	}
	for _, item := range gerr.Errors {
		if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
			return true
		}
	}
	return false
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrConflict):
		return "conflict"
	case errors.Is(err, errDuplicateID):
		return "duplicate"
	case errors.Is(err, model.ErrAuthExpired), errors.Is(err, model.ErrNotConnected):
		return "auth"
	case errors.Is(err, model.ErrProviderUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

func (g *GoogleGateway) QueryFreeBusy(ctx context.Context, start, end time.Time) ([]model.Interval, error) {
	resp, err := call(ctx, g, "freebusy.query", func(ctx context.Context) (*gcal.FreeBusyResponse, error) {
		return g.svc.Freebusy.Query(&gcal.FreeBusyRequest{
			TimeMin:  start.Format(time.RFC3339),
			TimeMax:  end.Format(time.RFC3339),
			TimeZone: g.cfg.TimeZone,
			Items:    []*gcal.FreeBusyRequestItem{{Id: g.cfg.CalendarID}},
		}).Context(ctx).Do()
	})
	if err != nil {
		return nil, err
	}

	fb, ok := resp.Calendars[g.cfg.CalendarID]
	if !ok && len(resp.Calendars) == 1 {
		for _, only := range resp.Calendars {
			fb = only
		}
	}
	if len(fb.Errors) > 0 {
		return nil, fmt.Errorf("%w: free/busy: %s", model.ErrProviderUnavailable, fb.Errors[0].Reason)
	}

	busy := make([]model.Interval, 0, len(fb.Busy))
	for _, p := range fb.Busy {
		s, err1 := time.Parse(time.RFC3339, p.Start)
		e, err2 := time.Parse(time.RFC3339, p.End)
		if err1 != nil || err2 != nil {
			g.logger.Warn("skipping unparsable busy period", "start", p.Start, "end", p.End)
			continue
		}
		busy = append(busy, model.Interval{Start: s, End: e})
	}
	return busy, nil
}

func (g *GoogleGateway) CreateEvent(ctx context.Context, appt model.Appointment, idempotencyKey string) (model.Appointment, error) {
	appt.ID = EventID(idempotencyKey)
	if appt.SlotClaimedAt.IsZero() {
		appt.SlotClaimedAt = time.Now().UTC()
	}
	ev := toEvent(appt, g.cfg.TimeZone)

	created, err := call(ctx, g, "events.insert", func(ctx context.Context) (*gcal.Event, error) {
		return g.svc.Events.Insert(g.cfg.CalendarID, ev).Context(ctx).Do()
	})
	if errors.Is(err, errDuplicateID) {
		// An earlier attempt with the same id already landed.
		existing, gerr := g.GetEvent(ctx, appt.ID)
		if errors.Is(gerr, model.ErrNotFound) {
			return model.Appointment{}, fmt.Errorf("%w: event id %s was used by a deleted event", model.ErrConflict, appt.ID)
		}
		return existing, gerr
	}
	if err != nil {
		return model.Appointment{}, err
	}
	out, ok := fromEvent(created)
	if !ok {
		return model.Appointment{}, fmt.Errorf("calendar returned an unusable event %q", created.Id)
	}
	return out, nil
}

func (g *GoogleGateway) getRaw(ctx context.Context, id string) (*gcal.Event, error) {
	ev, err := call(ctx, g, "events.get", func(ctx context.Context) (*gcal.Event, error) {
		return g.svc.Events.Get(g.cfg.CalendarID, id).Context(ctx).Do()
	})
	if err != nil {
		return nil, err
	}
	if ev.Status == "cancelled" {
		return nil, model.ErrNotFound
	}
	return ev, nil
}

func (g *GoogleGateway) GetEvent(ctx context.Context, id string) (model.Appointment, error) {
	if strings.TrimSpace(id) == "" {
		return model.Appointment{}, model.ErrNotFound
	}
	ev, err := g.getRaw(ctx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	appt, ok := fromEvent(ev)
	if !ok {
		return model.Appointment{}, model.ErrNotFound
	}
	return appt, nil
}

func (g *GoogleGateway) UpdateEvent(ctx context.Context, id string, patch Patch) (model.Appointment, error) {
	ev, err := g.getRaw(ctx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	if patch.IfVersion != "" && ev.Etag != patch.IfVersion {
		return model.Appointment{}, fmt.Errorf("%w: event changed since it was read", model.ErrConflict)
	}
	appt, ok := fromEvent(ev)
	if !ok {
		return model.Appointment{}, model.ErrNotFound
	}
	patch.apply(&appt)
	if patch.moves() && patch.SlotClaimedAt == nil {
		appt.SlotClaimedAt = time.Now().UTC()
	}
	body := toEvent(appt, g.cfg.TimeZone)
	body.Id = ""

	etag := ev.Etag
	updated, err := call(ctx, g, "events.patch", func(ctx context.Context) (*gcal.Event, error) {
		c := g.svc.Events.Patch(g.cfg.CalendarID, id, body).Context(ctx)
		if etag != "" {
			c.Header().Set("If-Match", etag)
		}
		return c.Do()
	})
	if err != nil {
		return model.Appointment{}, err
	}
	out, ok := fromEvent(updated)
	if !ok {
		return model.Appointment{}, model.ErrNotFound
	}
	return out, nil
}

func (g *GoogleGateway) DeleteEvent(ctx context.Context, id string) error {
	_, err := call(ctx, g, "events.delete", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.svc.Events.Delete(g.cfg.CalendarID, id).Context(ctx).Do()
	})
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	return err
}

func (g *GoogleGateway) ListEvents(ctx context.Context, timeMin, timeMax time.Time) ([]model.Appointment, error) {
	var out []model.Appointment
	pageToken := ""
	for {
		page, err := call(ctx, g, "events.list", func(ctx context.Context) (*gcal.Events, error) {
			c := g.svc.Events.List(g.cfg.CalendarID).
				TimeMin(timeMin.Format(time.RFC3339)).
				TimeMax(timeMax.Format(time.RFC3339)).
				SingleEvents(true).
				OrderBy("startTime").
				MaxResults(250).
				Context(ctx)
			if pageToken != "" {
				c = c.PageToken(pageToken)
			}
			return c.Do()
		})
		if err != nil {
			return nil, err
		}
		for _, ev := range page.Items {
			if ev.Status == "cancelled" {
				continue
			}
			if appt, ok := fromEvent(ev); ok {
				out = append(out, appt)
			}
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

// Owner returns the id of the connected calendar, which is the account email
// for a primary calendar.
func (g *GoogleGateway) Owner(ctx context.Context) (string, error) {
	cal, err := call(ctx, g, "calendars.get", func(ctx context.Context) (*gcal.Calendar, error) {
		return g.svc.Calendars.Get(g.cfg.CalendarID).Context(ctx).Do()
	})
	if err != nil {
		return "", err
	}
	return cal.Id, nil
}

func toEvent(a model.Appointment, tz string) *gcal.Event {
	transparency := "opaque"
	if a.Status == model.StatusCanceled {
		transparency = "transparent"
	}
	return &gcal.Event{
		Id:           a.ID,
		Summary:      a.Summary(),
		Description:  model.FormatDescription(model.MetadataOf(a)),
		Start:        &gcal.EventDateTime{DateTime: a.StartTime.Format(time.RFC3339), TimeZone: tz},
		End:          &gcal.EventDateTime{DateTime: a.EndTime.Format(time.RFC3339), TimeZone: tz},
		Transparency: transparency,
	}
}

// fromEvent converts a timed event. All-day events carry no DateTime and are
// reported as unusable.
func fromEvent(ev *gcal.Event) (model.Appointment, bool) {
	if ev == nil || ev.Start == nil || ev.End == nil || ev.Start.DateTime == "" || ev.End.DateTime == "" {
		return model.Appointment{}, false
	}
	start, err := time.Parse(time.RFC3339, ev.Start.DateTime)
	if err != nil {
		return model.Appointment{}, false
	}
	end, err := time.Parse(time.RFC3339, ev.End.DateTime)
	if err != nil {
		return model.Appointment{}, false
	}
	appt := model.Appointment{
		ID:        ev.Id,
		StartTime: start,
		EndTime:   end,
		Version:   ev.Etag,
	}
	model.ParseDescription(ev.Description).Apply(&appt)
	if appt.PatientName == "" {
		appt.PatientName = ev.Summary
	}
	if t, err := time.Parse(time.RFC3339, ev.Created); err == nil {
		appt.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, ev.Updated); err == nil {
		appt.UpdatedAt = t
	}
	return appt, true
}
