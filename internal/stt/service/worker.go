package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-stt/internal/eventstore"
	"github.com/loqalabs/loqa-stt/internal/protocol"
	"github.com/loqalabs/loqa-stt/internal/stt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type outcome int

const (
	keepListening outcome = iota
	finalize
	abort
)

// worker owns one session. Frames reach it in bus order through frames and
// only its goroutine touches sess.
type worker struct {
	svc    *Service
	id     string
	sess   *stt.Session
	rate   float64
	frames chan protocol.AudioFrame
	done   chan struct{}
	log    *slog.Logger

	seen        bool
	lastSeq     int
	utterance   int
	lastPartial time.Time
	partialText string
}

func (w *worker) run(ctx context.Context) {
	idle := time.Duration(w.svc.cfg.IdleTimeoutMS) * time.Millisecond
	var (
		timer  *time.Timer
		expiry <-chan time.Time
	)
	if idle > 0 {
		timer = time.NewTimer(idle)
		defer timer.Stop()
		expiry = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			w.svc.detach(w, true)
			close(w.done)
			w.drain()
			w.finish(context.Background(), "shutdown", true)
			return
		case frame := <-w.frames:
			switch w.handle(ctx, frame) {
			case finalize:
				w.svc.detach(w, true)
				close(w.done)
				w.finish(ctx, "final frame", true)
				return
			case abort:
				w.svc.detach(w, true)
				close(w.done)
				w.finish(ctx, "engine failure", false)
				return
			}
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(idle)
			}
		case <-expiry:
			if !w.svc.detach(w, false) {
				timer.Reset(idle)
				continue
			}
			close(w.done)
			w.finish(ctx, "idle timeout", true)
			return
		}
	}
}

// drain decodes frames queued before shutdown so the last utterance still
// contains them.
func (w *worker) drain() {
	ctx := context.Background()
	for {
		select {
		case frame := <-w.frames:
			if w.handle(ctx, frame) != keepListening {
				return
			}
		default:
			return
		}
	}
}

func (w *worker) handle(ctx context.Context, frame protocol.AudioFrame) outcome {
	if w.seen && frame.Sequence <= w.lastSeq {
		w.log.Warn("dropping out-of-order audio frame",
			slog.Int("sequence", frame.Sequence),
			slog.Int("last_sequence", w.lastSeq))
		w.svc.metrics.RecordDrop(ctx, "sequence")
		return keepListening
	}
	w.seen = true
	w.lastSeq = frame.Sequence

	if frame.SampleRate > 0 && float64(frame.SampleRate) != w.rate {
		w.log.Warn("dropping audio frame with changed sample rate",
			slog.Int("sample_rate", frame.SampleRate),
			slog.Float64("session_rate", w.rate))
		w.svc.metrics.RecordDrop(ctx, "sample_rate")
		return keepListening
	}

	if len(frame.PCM) > 0 {
		start := time.Now()
		boundary, err := w.sess.FeedPCM(frame.PCM)
		w.svc.metrics.RecordFeed(ctx, source, time.Since(start))
		if err != nil {
			w.log.Warn("stt feed failed", slogError(err))
			w.svc.metrics.RecordDecodeError(ctx, source)
			w.svc.publishError(w.id, err)
			return abort
		}
		if boundary {
			res, err := w.sess.Result()
			if err != nil {
				w.log.Warn("stt result failed", slogError(err))
				w.svc.metrics.RecordDecodeError(ctx, source)
				w.svc.publishError(w.id, err)
				return abort
			}
			w.emitFinal(ctx, res, false)
		} else if w.svc.cfg.PublishInterim {
			w.maybePartial(ctx)
		}
	}

	if frame.Final {
		return finalize
	}
	return keepListening
}

func (w *worker) maybePartial(ctx context.Context) {
	interval := time.Duration(w.svc.cfg.PartialEveryMS) * time.Millisecond
	if !w.lastPartial.IsZero() && time.Since(w.lastPartial) < interval {
		return
	}
	p, err := w.sess.PartialResult()
	if err != nil {
		w.log.Warn("stt partial failed", slogError(err))
		w.svc.metrics.RecordDecodeError(ctx, source)
		return
	}
	if p.Partial == "" || p.Partial == w.partialText {
		return
	}
	w.lastPartial = time.Now()
	w.partialText = p.Partial
	w.svc.publishTranscript(ctx, protocol.SubjectTranscriptPartial, protocol.Transcript{
		SessionID: w.id,
		Utterance: w.utterance,
		Text:      p.Partial,
		Partial:   true,
	})
}

// emitFinal publishes and records a closed utterance. Silent utterances are
// neither published nor recorded, except the last one, which is published
// with empty text so consumers always see the session end.
func (w *worker) emitFinal(ctx context.Context, res stt.Result, last bool) {
	w.partialText = ""
	w.lastPartial = time.Time{}
	if res.Text == "" {
		if last {
			w.svc.publishTranscript(ctx, protocol.SubjectTranscriptFinal, protocol.Transcript{
				SessionID: w.id,
				Utterance: w.utterance,
				Final:     true,
			})
		}
		return
	}
	ctx, span := w.svc.tracer.Start(ctx, "stt.utterance",
		trace.WithAttributes(
			attribute.String("session_id", w.id),
			attribute.Int("utterance", w.utterance),
			attribute.Int("words", len(res.Words)),
		))
	defer span.End()

	words := toProtocolWords(res.Words)
	msg := protocol.Transcript{
		SessionID:     w.id,
		Utterance:     w.utterance,
		Text:          res.Text,
		Final:         last,
		Words:         words,
		Speaker:       res.Speaker,
		SpeakerFrames: res.SpeakerFrames,
		Confidence:    meanConfidence(res.Words),
	}
	w.svc.publishTranscript(ctx, protocol.SubjectTranscriptFinal, msg)
	w.svc.metrics.RecordUtterance(ctx, source)

	if w.svc.store != nil {
		tr := eventstore.Transcript{
			SessionID: w.id,
			Utterance: w.utterance,
			Text:      res.Text,
			Words:     words,
		}
		if len(words) > 0 {
			tr.AudioStart = words[0].Start
			tr.AudioEnd = words[len(words)-1].End
		}
		if err := w.svc.store.AppendTranscript(ctx, tr); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			w.log.Warn("failed to record transcript", slogError(err))
		}
	}
	w.utterance++
}

func (w *worker) finish(ctx context.Context, reason string, flush bool) {
	if flush {
		res, err := w.sess.FinalResult()
		if err != nil {
			w.log.Warn("stt final result failed", slogError(err))
			w.svc.metrics.RecordDecodeError(ctx, source)
		} else {
			w.emitFinal(ctx, res, true)
		}
	}
	_ = w.sess.Close()
	w.svc.metrics.SessionClosed(ctx, source)
	if w.svc.store != nil {
		if err := w.svc.store.EndSession(ctx, w.id); err != nil {
			w.log.Warn("failed to record session end", slogError(err))
		}
	}
	w.log.Info("stt session closed",
		slog.String("reason", reason),
		slog.Int("utterances", w.utterance))
}

func toProtocolWords(words []stt.Word) []protocol.Word {
	if len(words) == 0 {
		return nil
	}
	out := make([]protocol.Word, len(words))
	for i, wd := range words {
		out[i] = protocol.Word{Word: wd.Word, Start: wd.Start, End: wd.End, Confidence: wd.Confidence}
	}
	return out
}

func meanConfidence(words []stt.Word) float64 {
	if len(words) == 0 {
		return 0
	}
	var sum float64
	for _, wd := range words {
		sum += wd.Confidence
	}
	return sum / float64(len(words))
}
