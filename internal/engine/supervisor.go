package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/syntrixbase/agentfeed/internal/metrics"
	"github.com/syntrixbase/agentfeed/internal/transport"
	"github.com/syntrixbase/agentfeed/pkg/model"
)

// supervise owns the subscription's connection for its whole life: it
// opens the transport, feeds the demultiplexer and reconnects on
// retryable failures.
func (s *Subscription) supervise() {
	defer func() {
		s.demux.Close()
		if s.Err() != nil {
			s.queue.Finish()
		} else {
			s.setStatus(model.StatusDisconnected, "closed")
			s.queue.Close()
		}
		s.setStreamID("")
		metrics.ActiveSubscriptions.Dec()
		s.engine.remove(s)
		s.waitPump()
		close(s.done)
	}()

	kind := string(s.engine.tr.Kind())
	target := transport.Target{TopicKey: s.topicKey, Token: s.token, Params: s.opts.Params}
	attempts := 0

	for {
		if s.closing.Load() {
			return
		}
		s.setStatus(model.StatusConnecting, "")

		s.progressed = false
		var retryAfter time.Duration
		conn, err := s.engine.tr.Open(s.ctx, target)
		if err == nil {
			retryAfter, err = s.consume(conn, kind)
			if cerr := conn.Close(); cerr != nil {
				s.logger.Debug("Connection close error", "error", cerr)
			}
		}
		s.setStreamID("")

		if s.closing.Load() || s.ctx.Err() != nil {
			return
		}
		if s.progressed {
			attempts = 0
		}

		if transport.IsFatal(err) {
			s.logger.Error("Subscription failed", "error", err)
			s.fail(err)
			return
		}

		attempts++
		if attempts > s.engine.cfg.ReconnectAttempts() {
			err = &ReconnectExhaustedError{Attempts: attempts - 1, Last: err}
			s.logger.Error("Giving up reconnecting", "error", err)
			s.fail(err)
			return
		}

		metrics.ReconnectAttempts.WithLabelValues(kind).Inc()
		s.setStatus(model.StatusDisconnected, err.Error())
		s.demux.Reset()

		delay := s.engine.cfg.backoff(attempts, retryAfter, s.engine.rnd)
		s.logger.Warn("Connection lost, reconnecting",
			"error", err, "attempt", attempts, "maxAttempts", s.engine.cfg.ReconnectAttempts(), "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// consume reads one connection's signals until it fails or the
// subscription is canceled.
func (s *Subscription) consume(conn transport.Conn, kind string) (time.Duration, error) {
	for {
		select {
		case <-s.ctx.Done():
			return 0, s.ctx.Err()

		case sig, ok := <-conn.Signals():
			if !ok {
				return 0, transport.ErrStreamClosed
			}
			switch sig.Kind {
			case transport.SignalOpen:
				s.setStreamID(sig.StreamID)
				s.setStatus(model.StatusConnected, "")
				s.markReady()
				s.logger.Info("Connected", "streamId", sig.StreamID)
				s.demux.Resolve(sig.StreamID)

			case transport.SignalFrame:
				metrics.FramesReceived.WithLabelValues(kind).Inc()
				s.demux.Accept(sig.Frame)

			case transport.SignalError:
				if sig.Err == nil {
					return sig.RetryAfter, fmt.Errorf("transport reported an error without cause")
				}
				return sig.RetryAfter, sig.Err
			}
		}
	}
}

// deliver is the demultiplexer sink: decode, filter and enqueue.
func (s *Subscription) deliver(f transport.Frame) {
	ev, err := s.engine.decoder.Decode(f)
	if err != nil {
		metrics.FramesDropped.WithLabelValues(metrics.DropDecode).Inc()
		s.logger.Warn("Dropping undecodable frame", "error", err)
		return
	}
	s.progressed = true

	ok, err := s.filter.Match(ev)
	if err != nil {
		metrics.FramesDropped.WithLabelValues(metrics.DropFilter).Inc()
		s.logger.Warn("Filter evaluation failed, dropping event", "eventType", ev.Type, "error", err)
		return
	}
	if !ok {
		metrics.FramesDropped.WithLabelValues(metrics.DropFilter).Inc()
		return
	}

	if err := s.queue.Push(s.ctx, ev); err != nil {
		if !errors.Is(err, model.ErrClosed) && !model.IsCanceled(err) {
			s.logger.Warn("Failed to enqueue event", "error", err)
		}
		return
	}
	metrics.EventsDelivered.WithLabelValues(string(s.engine.tr.Kind())).Inc()
}

// fail records a terminal error.
func (s *Subscription) fail(err error) {
	if s.closing.Load() {
		return
	}
	s.setErr(err)
	// OnEvent sees every delivered event before OnStatus sees the error.
	s.queue.Finish()
	s.waitPump()
	s.setStatus(model.StatusError, err.Error())
}

func (s *Subscription) waitPump() {
	if s.pump != nil {
		<-s.pump.Done()
	}
}

// setStatus records a status change and reports it to OnStatus. Repeated
// identical statuses are not reported.
func (s *Subscription) setStatus(st model.Status, reason string) {
	s.mu.Lock()
	if s.hasStat && s.status == st {
		s.mu.Unlock()
		return
	}
	s.status = st
	s.hasStat = true
	s.mu.Unlock()

	metrics.StatusTransitions.WithLabelValues(st.String()).Inc()
	if s.opts.OnStatus == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Status callback panicked", "status", st.String(), "panic", fmt.Sprint(r))
		}
	}()
	s.opts.OnStatus(model.StatusChange{Status: st, Reason: reason})
}
