// Package ingest turns mutation envelopes from the HTTP boundary or Kafka
// into classified events and hands them to the fan-out engine.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tasknotify/internal/eventbus"
	"tasknotify/internal/notify"
	"tasknotify/internal/notify/classify"
	"tasknotify/internal/notify/fanout"
	logx "tasknotify/pkg/logx"
)

// Kind names the mutation an envelope carries.
type Kind string

const (
	KindTaskChanged       Kind = "task.changed"
	KindCommentAdded      Kind = "comment.added"
	KindSubmissionCreated Kind = "submission.created"
)

// Sources label where an envelope came from (metrics, logs).
const (
	SourceHTTP  = "http"
	SourceKafka = "kafka"
)

// Result labels for Recorder.
const (
	ResultAccepted = "accepted"
	ResultIgnored  = "ignored"
	ResultRejected = "rejected"
)

var ErrInvalidEnvelope = errors.New("invalid mutation envelope")

// Envelope is one mutation. Exactly the body matching Kind must be set.
type Envelope struct {
	Kind       Kind                        `json:"kind"`
	ID         string                      `json:"id,omitempty"`
	Task       *classify.TaskChange        `json:"task,omitempty"`
	Comment    *classify.CommentAdded      `json:"comment,omitempty"`
	Submission *classify.SubmissionCreated `json:"submission,omitempty"`
}

// Decode parses a JSON envelope.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return env, nil
}

// Validate checks that the body for Kind is present.
func (e Envelope) Validate() error {
	switch e.Kind {
	case KindTaskChanged:
		if e.Task == nil || e.Task.After == nil {
			return fmt.Errorf("%w: %s requires task.after", ErrInvalidEnvelope, e.Kind)
		}
	case KindCommentAdded:
		if e.Comment == nil {
			return fmt.Errorf("%w: %s requires comment", ErrInvalidEnvelope, e.Kind)
		}
	case KindSubmissionCreated:
		if e.Submission == nil {
			return fmt.Errorf("%w: %s requires submission", ErrInvalidEnvelope, e.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEnvelope, e.Kind)
	}
	return nil
}

// Dispatcher starts a fan-out; *fanout.Engine implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev notify.Event, candidates []notify.Recipient) *fanout.Dispatch
}

// Directory lists users for mention resolution.
type Directory interface {
	AllUsers(ctx context.Context) ([]notify.User, error)
}

type Recorder interface {
	Mutation(source, result string)
}

// Result reports what one envelope produced.
type Result struct {
	Events     []notify.EventType `json:"events"`
	dispatches []*fanout.Dispatch
}

// Wait blocks until every dispatch started for the envelope has finished.
func (r Result) Wait(ctx context.Context) ([]fanout.Report, error) {
	out := make([]fanout.Report, 0, len(r.dispatches))
	for _, d := range r.dispatches {
		rep, err := d.Wait(ctx)
		if err != nil {
			return out, err
		}
		out = append(out, rep)
	}
	return out, nil
}

type Processor struct {
	classifier *classify.Classifier
	engine     Dispatcher
	users      Directory
	rec        Recorder
	bus        eventbus.Bus
	log        logx.Logger
	tracer     trace.Tracer
}

type Option func(*Processor)

func WithRecorder(r Recorder) Option  { return func(p *Processor) { p.rec = r } }
func WithBus(b eventbus.Bus) Option   { return func(p *Processor) { p.bus = b } }
func WithLogger(l logx.Logger) Option { return func(p *Processor) { p.log = l } }
func WithTracer(t trace.Tracer) Option {
	return func(p *Processor) { p.tracer = t }
}

func NewProcessor(c *classify.Classifier, engine Dispatcher, users Directory, opts ...Option) *Processor {
	p := &Processor{classifier: c, engine: engine, users: users, log: logx.Nop()}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.With(logx.String("comp", "ingest"))
	if p.tracer == nil {
		p.tracer = otel.Tracer("tasknotify/ingest")
	}
	return p
}

// HandleRaw decodes and handles one envelope.
func (p *Processor) HandleRaw(ctx context.Context, source string, raw []byte) (Result, error) {
	env, err := Decode(raw)
	if err != nil {
		p.reject(source, "", err)
		return Result{}, err
	}
	return p.Handle(ctx, source, env)
}

// Handle classifies env and dispatches every resulting event. It returns
// once the dispatches are started; use Result.Wait to await delivery.
func (p *Processor) Handle(ctx context.Context, source string, env Envelope) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "ingest.mutation", trace.WithAttributes(
		attribute.String("mutation.kind", string(env.Kind)),
		attribute.String("mutation.source", source),
	))
	defer span.End()

	if err := env.Validate(); err != nil {
		span.SetStatus(codes.Error, "invalid envelope")
		p.reject(source, env.ID, err)
		return Result{}, err
	}

	var classified []classify.Classified
	switch env.Kind {
	case KindTaskChanged:
		classified = p.classifier.TaskChanged(*env.Task)
	case KindCommentAdded:
		classified = p.classifier.CommentAdded(*env.Comment, p.mentionDirectory(ctx, env.Comment.Text))
	case KindSubmissionCreated:
		classified = p.classifier.SubmissionCreated(*env.Submission)
	}

	var res Result
	for _, c := range classified {
		res.Events = append(res.Events, c.Event.Type())
		res.dispatches = append(res.dispatches, p.engine.Dispatch(ctx, c.Event, c.Candidates))
	}
	span.SetAttributes(attribute.Int("mutation.events", len(res.Events)))

	result := ResultAccepted
	if len(res.Events) == 0 {
		result = ResultIgnored
	}
	if p.rec != nil {
		p.rec.Mutation(source, result)
	}
	p.log.Debug("mutation handled",
		logx.String("source", source),
		logx.String("kind", string(env.Kind)),
		logx.String("id", env.ID),
		logx.Int("events", len(res.Events)),
	)
	return res, nil
}

// mentionDirectory loads users only when text has mention tokens.
func (p *Processor) mentionDirectory(ctx context.Context, text string) []notify.User {
	if p.users == nil || len(classify.MentionTokens(text)) == 0 {
		return nil
	}
	users, err := p.users.AllUsers(ctx)
	if err != nil {
		p.log.Warn("user directory unavailable; mentions skipped", logx.Err(err))
		return nil
	}
	return users
}

func (p *Processor) reject(source, id string, err error) {
	p.log.Warn("mutation rejected", logx.String("source", source), logx.String("id", id), logx.Err(err))
	if p.rec != nil {
		p.rec.Mutation(source, ResultRejected)
	}
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeIngestRejected, Data: map[string]string{
			"source": source,
			"id":     id,
			"err":    strings.TrimSpace(err.Error()),
		}})
	}
}
