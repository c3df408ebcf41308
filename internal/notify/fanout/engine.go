package fanout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tasknotify/internal/delivery/email"
	"tasknotify/internal/delivery/push"
	"tasknotify/internal/eventbus"
	"tasknotify/internal/notify"
	"tasknotify/internal/storage"
	logx "tasknotify/pkg/logx"
)

var (
	ErrPushUnavailable = errors.New("push delivery is not configured")
	ErrClosed          = errors.New("fanout engine closed")
)

// Deps wires the engine to its collaborators. Prefs, Subs, Notes and Users are required.
type Deps struct {
	Prefs PreferenceReader
	Subs  SubscriptionStore
	Notes NotificationWriter
	Users UserLookup

	Email email.Sender // nil logs instead of sending
	Push  push.Sender  // nil fails push for users that have subscriptions
	Inbox InboxSignaler

	Bus      eventbus.Bus
	Observer Observer
	Log      logx.Logger
	Tracer   trace.Tracer

	// BaseURL prefixes task links in email bodies.
	BaseURL string
}

type Engine struct {
	d      Deps
	log    logx.Logger
	tracer trace.Tracer

	// mu orders wg.Add in Dispatch against closed in Close.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func New(d Deps) (*Engine, error) {
	if d.Prefs == nil || d.Subs == nil || d.Notes == nil || d.Users == nil {
		return nil, errors.New("fanout: preference, subscription, notification and user stores are required")
	}
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "fanout"))
	if d.Email == nil {
		d.Email = email.LogSender{Log: log}
	}
	tracer := d.Tracer
	if tracer == nil {
		tracer = otel.Tracer("tasknotify/fanout")
	}
	return &Engine{d: d, log: log, tracer: tracer}, nil
}

// Dispatch starts delivering ev in the background and returns immediately.
// The dispatch is detached from ctx cancellation and runs to completion.
func (e *Engine) Dispatch(ctx context.Context, ev notify.Event, candidates []notify.Recipient) *Dispatch {
	d := newDispatch()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.log.Warn("dispatch after close dropped", logx.String("type", string(ev.Type())), logx.String("subject", ev.SubjectID()))
		d.finish(Report{Type: ev.Type(), SubjectID: ev.SubjectID(), Started: time.Now(), Finished: time.Now()})
		return d
	}
	e.wg.Add(1)
	e.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	cands := append([]notify.Recipient(nil), candidates...)
	go func() {
		defer e.wg.Done()
		var r Report
		defer func() {
			if p := recover(); p != nil {
				e.log.Error("dispatch panicked", logx.String("type", string(ev.Type())), logx.Any("panic", p))
			}
			d.finish(r)
		}()
		r = e.Deliver(ctx, ev, cands)
	}()
	return d
}

// Deliver is the synchronous form of Dispatch.
func (e *Engine) Deliver(ctx context.Context, ev notify.Event, candidates []notify.Recipient) Report {
	r := Report{Type: ev.Type(), SubjectID: ev.SubjectID(), Started: time.Now()}
	if ev.IsZero() {
		e.log.Warn("empty event dropped")
		r.Finished = time.Now()
		return r
	}

	ctx, span := e.tracer.Start(ctx, "fanout.dispatch", trace.WithAttributes(
		attribute.String("notify.type", string(ev.Type())),
		attribute.String("notify.subject_id", ev.SubjectID()),
		attribute.Int("notify.candidates", len(candidates)),
	))
	defer span.End()
	if e.d.Observer != nil {
		e.d.Observer.DispatchStarted()
	}

	// Dedup by user id; the first occurrence is processed, the rest are recorded as duplicates.
	seen := make(map[string]bool, len(candidates))
	unique := make([]notify.Recipient, 0, len(candidates))
	var dupes []notify.Outcome
	for _, c := range candidates {
		uid := strings.TrimSpace(c.UserID)
		if uid == "" {
			continue
		}
		if seen[uid] {
			dupes = append(dupes, allChannels(uid, func(ch notify.Channel) notify.Outcome {
				return notify.Skipped(uid, ch, notify.SkipDuplicate)
			})...)
			continue
		}
		seen[uid] = true
		unique = append(unique, notify.Recipient{UserID: uid, Role: c.Role})
	}

	dir := e.directory(ctx, unique)
	perRecipient := make([][]notify.Outcome, len(unique))
	pruned := make([]int, len(unique))
	var wg conc.WaitGroup
	for i, rcp := range unique {
		wg.Go(func() {
			content := notify.RenderFor(ev, rcp.Role)
			perRecipient[i], pruned[i] = e.deliverRecipient(ctx, ev, content, rcp.UserID, dir, true)
		})
	}
	if rec := wg.WaitAndRecover(); rec != nil {
		e.log.Error("recipient delivery panicked", logx.String("type", string(ev.Type())), logx.String("panic", rec.String()))
	}

	for i := range unique {
		r.Outcomes = append(r.Outcomes, perRecipient[i]...)
		r.Pruned += pruned[i]
	}
	r.Outcomes = append(r.Outcomes, dupes...)
	r.Finished = time.Now()

	e.record(ctx, span, r, len(unique))
	return r
}

// DeliverExternal runs the email and push channels for one recipient,
// skipping the in-app write. Like Dispatch it ignores ctx cancellation.
func (e *Engine) DeliverExternal(ctx context.Context, ev notify.Event, recipientID string) Report {
	ctx = context.WithoutCancel(ctx)
	r := Report{Type: ev.Type(), SubjectID: ev.SubjectID(), Started: time.Now()}
	recipientID = strings.TrimSpace(recipientID)
	if ev.IsZero() || recipientID == "" {
		e.log.Warn("external delivery without event or recipient dropped", logx.String("recipient", recipientID))
		r.Finished = time.Now()
		return r
	}
	ctx, span := e.tracer.Start(ctx, "fanout.deliver_external", trace.WithAttributes(
		attribute.String("notify.type", string(ev.Type())),
		attribute.String("notify.recipient", recipientID),
	))
	defer span.End()
	if e.d.Observer != nil {
		e.d.Observer.DispatchStarted()
	}

	r.Outcomes, r.Pruned = e.deliverRecipient(ctx, ev, notify.Render(ev), recipientID, nil, false)
	r.Finished = time.Now()
	e.record(ctx, span, r, 1)
	return r
}

// SendPush delivers m to every subscription of userID. The error is only
// for invalid input; delivery problems are reported in the result.
// Sends and pruning run to completion even if ctx is cancelled.
func (e *Engine) SendPush(ctx context.Context, userID string, m PushMessage) (PushResult, error) {
	ctx = context.WithoutCancel(ctx)
	userID = strings.TrimSpace(userID)
	if userID == "" || strings.TrimSpace(m.Title) == "" {
		return PushResult{}, errors.New("user id and title are required")
	}
	ctx, span := e.tracer.Start(ctx, "fanout.send_push", trace.WithAttributes(
		attribute.String("notify.recipient", userID),
		attribute.String("push.type", m.Type),
	))
	defer span.End()

	prefs := e.preferences(ctx, userID)
	payload := push.Payload{Title: m.Title, Body: m.Body, URL: m.URL, Tag: m.Tag}
	o, res := e.pushChannel(ctx, userID, payload, m.IsChat(), prefs)
	if e.d.Observer != nil {
		e.d.Observer.Outcome(o)
		e.d.Observer.Pruned(res.Removed)
	}
	if o.Status == notify.StatusFailed {
		span.SetStatus(codes.Error, o.Error)
	}
	return res, nil
}

// Close stops accepting dispatches and waits for in-flight ones until ctx ends.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight dispatches: %w", ctx.Err())
	}
}

// directory loads every recipient's user row in one query. A nil map means
// the batch lookup failed and email falls back to per-user lookups.
func (e *Engine) directory(ctx context.Context, rcpts []notify.Recipient) map[string]notify.User {
	if len(rcpts) == 0 {
		return nil
	}
	ids := make([]string, len(rcpts))
	for i, r := range rcpts {
		ids[i] = r.UserID
	}
	users, err := e.d.Users.ListUsers(ctx, ids)
	if err != nil {
		e.log.Warn("recipient batch lookup failed", logx.Int("recipients", len(ids)), logx.Err(err))
		return nil
	}
	dir := make(map[string]notify.User, len(users))
	for _, u := range users {
		dir[u.ID] = u
	}
	return dir
}

// deliverRecipient runs the channels for one deduplicated recipient.
func (e *Engine) deliverRecipient(ctx context.Context, ev notify.Event, content notify.Content, userID string, dir map[string]notify.User, inApp bool) ([]notify.Outcome, int) {
	channels := notify.Channels
	if !inApp {
		channels = []notify.Channel{notify.ChannelEmail, notify.ChannelPush}
	}
	if userID == ev.ActorID() {
		out := make([]notify.Outcome, 0, len(channels))
		for _, ch := range channels {
			out = append(out, notify.Skipped(userID, ch, notify.SkipSelf))
		}
		return out, 0
	}

	var (
		wg                          conc.WaitGroup
		inAppOut, emailOut, pushOut notify.Outcome
		pushRes                     PushResult
	)
	if inApp {
		wg.Go(func() {
			inAppOut = e.guard(userID, notify.ChannelInApp, func() notify.Outcome { return e.inAppChannel(ctx, ev, userID) })
		})
	}

	// Email and push share one preference lookup.
	prefs := e.preferences(ctx, userID)
	wg.Go(func() {
		emailOut = e.guard(userID, notify.ChannelEmail, func() notify.Outcome { return e.emailChannel(ctx, ev, content, userID, dir, prefs) })
	})
	wg.Go(func() {
		pushOut = e.guard(userID, notify.ChannelPush, func() notify.Outcome {
			o, res := e.pushChannel(ctx, userID, push.Payload(content), false, prefs)
			pushRes = res
			return o
		})
	})
	wg.Wait()

	out := make([]notify.Outcome, 0, 3)
	if inApp {
		out = append(out, inAppOut)
	}
	return append(out, emailOut, pushOut), pushRes.Removed
}

func (e *Engine) guard(userID string, ch notify.Channel, fn func() notify.Outcome) (o notify.Outcome) {
	defer func() {
		if p := recover(); p != nil {
			e.log.Error("channel delivery panicked", logx.String("user", userID), logx.String("channel", string(ch)), logx.Any("panic", p))
			o = notify.Failed(userID, ch, fmt.Errorf("panic: %v", p))
		}
	}()
	return fn()
}

// preferences fails open: a missing row or a lookup error enables everything.
func (e *Engine) preferences(ctx context.Context, userID string) notify.Preferences {
	p, found, err := e.d.Prefs.GetPreferences(ctx, userID)
	if err != nil {
		e.log.Warn("preference lookup failed; treating as enabled", logx.String("user", userID), logx.Err(err))
		return notify.Preferences{UserID: userID}
	}
	if !found {
		return notify.Preferences{UserID: userID}
	}
	return p
}

func (e *Engine) inAppChannel(ctx context.Context, ev notify.Event, userID string) notify.Outcome {
	ctx, span := e.tracer.Start(ctx, "fanout.in_app")
	defer span.End()

	n, err := e.d.Notes.InsertNotification(ctx, notify.NotificationFromEvent(ev, userID))
	if err != nil {
		span.RecordError(err)
		e.log.Error("in-app notification write failed", logx.String("user", userID), logx.String("type", string(ev.Type())), logx.Err(err))
		return notify.Failed(userID, notify.ChannelInApp, err)
	}
	if e.d.Inbox != nil {
		if err := e.d.Inbox.SignalInbox(ctx, userID, n.ID, string(ev.Type())); err != nil {
			e.log.Debug("inbox signal failed", logx.String("user", userID), logx.Err(err))
		}
	}
	return notify.Sent(userID, notify.ChannelInApp)
}

func (e *Engine) emailChannel(ctx context.Context, ev notify.Event, content notify.Content, userID string, dir map[string]notify.User, prefs notify.Preferences) notify.Outcome {
	if !prefs.EmailEnabled(ev.Type()) {
		return notify.Skipped(userID, notify.ChannelEmail, notify.SkipPreferenceDisabled)
	}
	ctx, span := e.tracer.Start(ctx, "fanout.email")
	defer span.End()

	u, err := e.user(ctx, userID, dir)
	if errors.Is(err, storage.ErrNotFound) {
		err = email.ErrNoAddress
	}
	if err != nil {
		span.RecordError(err)
		e.log.Warn("email recipient lookup failed", logx.String("user", userID), logx.Err(err))
		return notify.Failed(userID, notify.ChannelEmail, err)
	}
	msg, err := email.Compose(u, content, e.d.BaseURL)
	if err != nil {
		e.log.Warn("email not composed", logx.String("user", userID), logx.Err(err))
		return notify.Failed(userID, notify.ChannelEmail, err)
	}
	if err := e.d.Email.Send(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "email send failed")
		e.log.Warn("email send failed", logx.String("user", userID), logx.String("type", string(ev.Type())), logx.Err(err))
		return notify.Failed(userID, notify.ChannelEmail, err)
	}
	return notify.Sent(userID, notify.ChannelEmail)
}

func (e *Engine) user(ctx context.Context, userID string, dir map[string]notify.User) (notify.User, error) {
	if dir == nil {
		return e.d.Users.GetUser(ctx, userID)
	}
	u, ok := dir[userID]
	if !ok {
		return notify.User{}, storage.ErrNotFound
	}
	return u, nil
}

type pushAttempt struct {
	subID string
	err   error
}

// pushChannel sends payload to every subscription of userID, waits for all
// of them to settle, then deletes the permanently invalid ones in one call.
func (e *Engine) pushChannel(ctx context.Context, userID string, payload push.Payload, chat bool, prefs notify.Preferences) (notify.Outcome, PushResult) {
	if !prefs.PushEnabled(chat) {
		return notify.Skipped(userID, notify.ChannelPush, notify.SkipPreferenceDisabled),
			PushResult{Skipped: notify.SkipPreferenceDisabled}
	}
	subs, err := e.d.Subs.ListSubscriptions(ctx, userID)
	if err != nil {
		e.log.Warn("push subscription lookup failed", logx.String("user", userID), logx.Err(err))
		return notify.Failed(userID, notify.ChannelPush, err), PushResult{}
	}
	if len(subs) == 0 {
		return notify.Skipped(userID, notify.ChannelPush, notify.SkipNoSubscriptions),
			PushResult{Skipped: notify.SkipNoSubscriptions}
	}
	if e.d.Push == nil {
		return notify.Failed(userID, notify.ChannelPush, ErrPushUnavailable), PushResult{Failed: len(subs)}
	}

	body, err := sonic.Marshal(payload)
	if err != nil {
		return notify.Failed(userID, notify.ChannelPush, fmt.Errorf("encoding push payload: %w", err)), PushResult{}
	}

	ctx, span := e.tracer.Start(ctx, "fanout.push", trace.WithAttributes(attribute.Int("push.subscriptions", len(subs))))
	defer span.End()

	p := pool.NewWithResults[pushAttempt]()
	for _, s := range subs {
		p.Go(func() (a pushAttempt) {
			a.subID = s.ID
			defer func() {
				if r := recover(); r != nil {
					a.err = fmt.Errorf("panic: %v", r)
				}
			}()
			a.err = e.d.Push.Send(ctx, s, body)
			return a
		})
	}
	attempts := p.Wait()

	var (
		res  PushResult
		dead []string
		errs []error
	)
	for _, a := range attempts {
		switch {
		case a.err == nil:
			res.Sent++
		case push.IsPermanent(a.err):
			res.Failed++
			dead = append(dead, a.subID)
			e.log.Debug("push endpoint gone", logx.String("user", userID), logx.String("subscription", a.subID), logx.Err(a.err))
		default:
			res.Failed++
			errs = append(errs, a.err)
			e.log.Warn("push send failed", logx.String("user", userID), logx.String("subscription", a.subID), logx.Err(a.err))
		}
	}

	if len(dead) > 0 {
		n, err := e.d.Subs.DeleteSubscriptions(ctx, dead)
		if err != nil {
			e.log.Warn("pruning dead push subscriptions failed", logx.String("user", userID), logx.Strings("subscriptions", dead), logx.Err(err))
		} else {
			res.Removed = int(n)
			if e.d.Bus != nil {
				e.d.Bus.Publish(eventbus.Event{Type: eventbus.TypePushPruned, Data: map[string]any{"user_id": userID, "removed": n}})
			}
		}
	}
	span.SetAttributes(attribute.Int("push.sent", res.Sent), attribute.Int("push.removed", res.Removed))

	if res.Sent > 0 {
		return notify.Sent(userID, notify.ChannelPush), res
	}
	if len(errs) == 0 {
		errs = append(errs, push.ErrGone)
	}
	err = errors.Join(errs...)
	span.SetStatus(codes.Error, "no push delivered")
	return notify.Failed(userID, notify.ChannelPush, err), res
}

func (e *Engine) record(ctx context.Context, span trace.Span, r Report, recipients int) {
	if e.d.Observer != nil {
		for _, o := range r.Outcomes {
			e.d.Observer.Outcome(o)
		}
		e.d.Observer.Pruned(r.Pruned)
		e.d.Observer.DispatchFinished(r.Duration())
	}
	c := Completed{
		Type:       r.Type,
		SubjectID:  r.SubjectID,
		Recipients: recipients,
		Sent:       r.Count(notify.StatusSent),
		Skipped:    r.Count(notify.StatusSkipped),
		Failed:     r.Count(notify.StatusFailed),
		Pruned:     r.Pruned,
		Duration:   r.Duration(),
	}
	span.SetAttributes(
		attribute.Int("notify.sent", c.Sent),
		attribute.Int("notify.failed", c.Failed),
	)
	if c.Failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d channel deliveries failed", c.Failed))
	}
	if e.d.Bus != nil {
		e.d.Bus.Publish(eventbus.Event{Type: eventbus.TypeFanoutCompleted, Data: c})
	}
	e.log.Debug("fanout completed",
		logx.String("type", string(c.Type)),
		logx.String("subject", c.SubjectID),
		logx.Int("recipients", c.Recipients),
		logx.Int("sent", c.Sent),
		logx.Int("skipped", c.Skipped),
		logx.Int("failed", c.Failed),
		logx.Duration("took", c.Duration),
	)
}

func allChannels(userID string, fn func(notify.Channel) notify.Outcome) []notify.Outcome {
	out := make([]notify.Outcome, 0, len(notify.Channels))
	for _, ch := range notify.Channels {
		out = append(out, fn(ch))
	}
	return out
}
