package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/nerrad567/coap-bridge/internal/coap"
	"github.com/nerrad567/coap-bridge/internal/device"
	"github.com/nerrad567/coap-bridge/internal/publisher"
	"github.com/nerrad567/coap-bridge/internal/session"
	"github.com/nerrad567/coap-bridge/internal/translate"
)

// Server defaults.
const (
	DefaultNetwork     = "udp"
	DefaultAddr        = ":5683"
	DefaultMaxInFlight = 1024

	// maxDatagramSize is the largest UDP payload.
	maxDatagramSize = 65535

	// logInterval spaces out repeated warnings on the hot path.
	logInterval = 10 * time.Second
)

// Exchange outcomes, used as the exchanges_total label and in logs.
const (
	outcomeAcknowledged     = "acknowledged"
	outcomeRejected         = "rejected"
	outcomeReplayed         = "replayed"
	outcomeStale            = "stale"
	outcomeIgnored          = "ignored"
	outcomePing             = "ping"
	outcomeServed           = "served"
	outcomeNotFound         = "not_found"
	outcomeMethodNotAllowed = "method_not_allowed"
	outcomeDecodeError      = "decode_error"
	outcomeInternalError    = "internal_error"
)

// Publisher hands a translated record to the outbound buffer.
// *publisher.Publisher satisfies it.
type Publisher interface {
	Publish(topic string, record any, g publisher.Guarantee) error
}

// Recorder notes which devices have been seen. *device.Recorder satisfies it.
type Recorder interface {
	Record(s device.Sighting) bool
}

// Mirror receives a copy of every accepted record. It must not block.
type Mirror interface {
	Write(rec *translate.Record)
}

// Logger is the logging interface used by the bridge.
// *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options holds the dependencies and settings of a Server.
type Options struct {
	// Table is the exchange deduplication table. Required.
	Table *session.Table

	// Translator validates payloads. Required.
	Translator *translate.Translator

	// Publisher receives accepted readings. Required.
	Publisher Publisher

	// Logger is required.
	Logger Logger

	// Recorder is the optional device registry.
	Recorder Recorder

	// Mirror is the optional direct time-series copy.
	Mirror Mirror

	// Categories are the first path segments accepted as readings.
	// Default: ["sensor"].
	Categories []string

	// PathPrefix is an optional mount point in front of the categories.
	PathPrefix string

	// Network is "udp", "udp4" or "udp6". Default: "udp".
	Network string

	// Addr is the host:port ListenAndServe binds. Default: ":5683".
	Addr string

	// MaxInFlight bounds concurrently handled datagrams. Default: 1024.
	MaxInFlight int

	// Guarantee is the delivery guarantee requested for readings.
	Guarantee publisher.Guarantee

	// Registerer receives the bridge metrics. Nil disables export.
	Registerer prometheus.Registerer
}

// Stats is a point-in-time snapshot of server activity.
type Stats struct {
	Received      uint64 `json:"datagrams_received"`
	DecodeErrors  uint64 `json:"decode_errors"`
	Acknowledged  uint64 `json:"acknowledged"`
	Rejected      uint64 `json:"rejected"`
	Replayed      uint64 `json:"duplicates_replayed"`
	PublishErrors uint64 `json:"publish_errors"`
	InFlight      int    `json:"in_flight"`
}

// Server is the CoAP endpoint of the bridge.
//
// Thread Safety: All methods are safe for concurrent use.
type Server struct {
	table      *session.Table
	translator *translate.Translator
	publisher  Publisher
	recorder   Recorder
	mirror     Mirror
	logger     Logger

	categories map[string]bool
	linkFormat []byte
	pathPrefix string
	guarantee  publisher.Guarantee
	network    string
	addr       string

	// sem bounds in-flight exchanges; the read loop blocks when it is full.
	sem chan struct{}
	wg  sync.WaitGroup

	serving atomic.Bool

	metrics   *serverMetrics
	decodeLog rate.Sometimes
	rejectLog rate.Sometimes
	pubLog    rate.Sometimes

	received      atomic.Uint64
	decodeErrors  atomic.Uint64
	acknowledged  atomic.Uint64
	rejected      atomic.Uint64
	replayed      atomic.Uint64
	publishErrors atomic.Uint64
}

// NewServer validates opts and builds a Server. Call Serve or
// ListenAndServe to start handling datagrams.
func NewServer(opts Options) (*Server, error) {
	if opts.Table == nil {
		return nil, fmt.Errorf("%w: session table is required", ErrInvalidOptions)
	}
	if opts.Translator == nil {
		return nil, fmt.Errorf("%w: translator is required", ErrInvalidOptions)
	}
	if opts.Publisher == nil {
		return nil, fmt.Errorf("%w: publisher is required", ErrInvalidOptions)
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("%w: logger is required", ErrInvalidOptions)
	}

	categories := opts.Categories
	if len(categories) == 0 {
		categories = []string{"sensor"}
	}
	network := opts.Network
	if network == "" {
		network = DefaultNetwork
	}
	addr := opts.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	maxInFlight := opts.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}

	s := &Server{
		table:      opts.Table,
		translator: opts.Translator,
		publisher:  opts.Publisher,
		recorder:   opts.Recorder,
		mirror:     opts.Mirror,
		logger:     opts.Logger,
		categories: make(map[string]bool, len(categories)),
		pathPrefix: strings.Trim(opts.PathPrefix, "/"),
		guarantee:  opts.Guarantee,
		network:    network,
		addr:       addr,
		sem:        make(chan struct{}, maxInFlight),
		metrics:    newServerMetrics(),
		decodeLog:  rate.Sometimes{First: 1, Interval: logInterval},
		rejectLog:  rate.Sometimes{First: 5, Interval: logInterval},
		pubLog:     rate.Sometimes{First: 1, Interval: logInterval},
	}
	for _, c := range categories {
		s.categories[strings.Trim(c, "/")] = true
	}
	s.linkFormat = buildLinkFormat(s.pathPrefix, categories)

	if opts.Registerer != nil {
		if err := s.metrics.register(opts.Registerer); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// ListenAndServe binds the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, s.network, s.addr)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrBind, s.network, s.addr, err)
	}

	s.logger.Info("coap server listening",
		"network", s.network,
		"addr", conn.LocalAddr().String(),
		"max_in_flight", cap(s.sem),
	)
	return s.Serve(ctx, conn)
}

// Serve reads datagrams from conn until ctx is cancelled, then waits for
// in-flight exchanges and closes conn. It returns nil on cancellation.
func (s *Server) Serve(ctx context.Context, conn net.PacketConn) error {
	if !s.serving.CompareAndSwap(false, true) {
		return ErrAlreadyServing
	}

	// Unblock ReadFrom on shutdown; in-flight replies still go out.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now()) //nolint:errcheck // Best effort wake-up
	})

	defer func() {
		stop()
		s.wg.Wait()
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Warn("closing coap socket", "error", err)
		}
		s.logger.Info("coap server stopped")
	}()

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("%w: %w", ErrRead, err)
		}

		data := bytes.Clone(buf[:n])

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		s.wg.Add(1)
		go func() {
			defer func() {
				<-s.sem
				s.wg.Done()
			}()
			s.handle(conn, addr, data)
		}()
	}
}

// Stats returns a snapshot of server activity.
func (s *Server) Stats() Stats {
	return Stats{
		Received:      s.received.Load(),
		DecodeErrors:  s.decodeErrors.Load(),
		Acknowledged:  s.acknowledged.Load(),
		Rejected:      s.rejected.Load(),
		Replayed:      s.replayed.Load(),
		PublishErrors: s.publishErrors.Load(),
		InFlight:      len(s.sem),
	}
}

// handle runs one datagram through the exchange state machine.
func (s *Server) handle(conn net.PacketConn, addr net.Addr, data []byte) {
	start := time.Now()
	endpoint := addr.String()

	s.received.Add(1)
	s.metrics.received.Inc()

	msg, err := coap.Decode(data)
	if err != nil {
		s.decodeErrors.Add(1)
		s.metrics.decodeErr.Inc()
		s.decodeLog.Do(func() {
			s.logger.Warn("dropping undecodable datagram",
				"endpoint", endpoint,
				"bytes", len(data),
				"error", err,
			)
		})
		s.observe(outcomeDecodeError, start)
		return
	}

	outcome := s.exchange(conn, addr, endpoint, &msg)
	s.observe(outcome, start)

	s.logger.Debug("exchange handled",
		"endpoint", endpoint,
		"message_id", msg.MessageID,
		"type", msg.Type.String(),
		"code", msg.Code.String(),
		"outcome", outcome,
	)
}

func (s *Server) observe(outcome string, start time.Time) {
	s.metrics.exchanges.WithLabelValues(outcome).Inc()
	s.metrics.duration.Observe(time.Since(start).Seconds())
}

// exchange applies the state machine to a decoded message and returns
// its outcome.
func (s *Server) exchange(conn net.PacketConn, addr net.Addr, endpoint string, msg *coap.Message) string {
	switch {
	case msg.Type == coap.Acknowledgement || msg.Type == coap.Reset:
		// The bridge never sends confirmable messages, so nothing waits
		// for these.
		return outcomeIgnored

	case coap.IsPing(*msg):
		s.sendMessage(conn, addr, coap.NewReset(*msg))
		return outcomePing

	case msg.Code == coap.Empty:
		return outcomeIgnored

	case !msg.Code.IsRequest():
		if msg.Type == coap.Confirmable {
			s.sendMessage(conn, addr, coap.NewReset(*msg))
			return outcomeRejected
		}
		return outcomeIgnored
	}

	decision, cached := s.table.Admit(endpoint, msg.MessageID, msg.Type)
	switch decision {
	case session.DuplicateReplay:
		s.replayed.Add(1)
		s.metrics.replayed.Inc()
		s.send(conn, addr, cached)
		return outcomeReplayed
	case session.Stale:
		return outcomeStale
	}

	res := s.route(endpoint, msg)

	var reply []byte
	if msg.Type == coap.Confirmable {
		var err error
		reply, err = coap.Encode(res.response(*msg))
		if err != nil {
			s.logger.Error("encoding response",
				"endpoint", endpoint,
				"message_id", msg.MessageID,
				"error", err,
			)
			s.table.Forget(endpoint, msg.MessageID)
			return outcomeInternalError
		}
	}

	if !s.table.Record(endpoint, msg.MessageID, reply) {
		s.logger.Debug("exchange evicted before completion",
			"endpoint", endpoint,
			"message_id", msg.MessageID,
		)
	}
	if reply != nil {
		s.send(conn, addr, reply)
	}

	switch res.outcome {
	case outcomeAcknowledged:
		s.acknowledged.Add(1)
	case outcomeRejected:
		s.rejected.Add(1)
	}
	return res.outcome
}

// ingest translates and publishes a reading.
func (s *Server) ingest(endpoint string, msg *coap.Message) result {
	rec, err := s.translator.TranslateMessage(msg)
	if err != nil {
		s.rejectLog.Do(func() {
			s.logger.Warn("rejecting reading",
				"endpoint", endpoint,
				"message_id", msg.MessageID,
				"type", msg.Type.String(),
				"path", msg.Path(),
				"error", err,
			)
		})
		return result{outcome: outcomeRejected, reset: true}
	}

	for _, w := range rec.Warnings {
		s.logger.Debug("reading warning", "topic", rec.Topic, "warning", w)
	}

	if err := s.publisher.Publish(rec.Topic, rec, s.guarantee); err != nil {
		s.publishErrors.Add(1)
		if publisher.IsRejected(err) {
			s.rejectLog.Do(func() {
				s.logger.Warn("rejecting unpublishable reading",
					"endpoint", endpoint,
					"message_id", msg.MessageID,
					"topic", rec.Topic,
					"error", err,
				)
			})
			return result{outcome: outcomeRejected, reset: true}
		}
		s.pubLog.Do(func() {
			s.logger.Warn("publishing reading",
				"endpoint", endpoint,
				"message_id", msg.MessageID,
				"topic", rec.Topic,
				"error", err,
			)
		})
	}

	if s.recorder != nil {
		location, _ := rec.Fields[translate.FieldLocation].(string)
		s.recorder.Record(device.Sighting{
			Identifier: rec.Identifier,
			Category:   rec.Measurement,
			Endpoint:   endpoint,
			Location:   location,
			At:         time.Now(),
		})
	}
	if s.mirror != nil {
		s.mirror.Write(rec)
	}

	return result{outcome: outcomeAcknowledged, code: coap.Changed}
}

func (s *Server) sendMessage(conn net.PacketConn, addr net.Addr, m coap.Message) {
	raw, err := coap.Encode(m)
	if err != nil {
		s.logger.Error("encoding reply", "endpoint", addr.String(), "error", err)
		return
	}
	s.send(conn, addr, raw)
}

func (s *Server) send(conn net.PacketConn, addr net.Addr, raw []byte) {
	if _, err := conn.WriteTo(raw, addr); err != nil {
		s.logger.Warn("sending reply", "endpoint", addr.String(), "error", err)
	}
}

// Categories returns the accepted categories, sorted.
func (s *Server) Categories() []string {
	out := make([]string, 0, len(s.categories))
	for c := range s.categories {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}
