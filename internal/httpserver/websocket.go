package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/brycelelbach/nsightful/internal/api"
	"github.com/brycelelbach/nsightful/internal/catalog"
	"github.com/brycelelbach/nsightful/internal/report"
)

const (
	wsSendQueueSize  = 16
	wsTraceQueueSize = 4
)

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	reqLogger := s.loggerFromContext(r.Context())
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.reserveWS() {
		reqLogger.Warn("websocket rejected", "reason", "capacity")
		http.Error(w, "websocket capacity reached", http.StatusServiceUnavailable)
		return
	}
	defer s.releaseWS()

	opts := &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowedOrigins),
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		reqLogger.Warn("websocket accept failed", "err", err)
		return
	}
	defer closeWebsocket(reqLogger, conn)

	connID := s.wsConnIDs.Add(1)
	s.wsTotal.Add(1)
	sessionID := uuid.NewString()
	logger := reqLogger.With("ws_id", connID, "session_id", sessionID)

	outbound := newWSOutbound(wsSendQueueSize, wsTraceQueueSize, &s.wsDropped)

	features := map[string]bool{
		"reports":    s.catalog != nil,
		"trace":      s.store != nil,
		"prometheus": s.cfg.EnablePrometheus,
	}
	hello := api.NewHelloMessage(sessionID, s.cfg.WS.ChunkSize, features)

	ctx, cancel := context.WithCancel(r.Context())

	writerDone := make(chan struct{})
	go s.wsWriter(ctx, conn, outbound, cancel, logger, writerDone)

	var (
		reportsCh   <-chan catalog.Snapshot
		unsubscribe func()
		streams     sync.WaitGroup
		streamStop  context.CancelFunc
	)

	defer func() {
		if unsubscribe != nil {
			unsubscribe()
		}
		cancel()
		streams.Wait()
		outbound.close()
		<-writerDone
	}()

	if !s.enqueueMessage(outbound, hello, logger) {
		return
	}

	if s.catalog != nil {
		reportsCh, unsubscribe = s.catalog.Subscribe()
	}

	messageCh := make(chan []byte, 8)
	readErrCh := make(chan error, 1)
	go s.readMessages(ctx, conn, messageCh, readErrCh)

	// A new open request replaces the transfer in flight.
	startStream := func(msg api.OpenMessage) {
		if streamStop != nil {
			streamStop()
		}
		streamCtx, stop := context.WithCancel(ctx)
		streamStop = stop
		streams.Add(1)
		go func() {
			defer streams.Done()
			defer stop()
			s.streamTrace(streamCtx, outbound, msg, logger)
		}()
	}

	for {
		select {
		case snapshot, ok := <-reportsCh:
			if !ok {
				reportsCh = nil
				continue
			}
			if !s.enqueueMessage(outbound, api.NewReportsMessage(snapshot), logger) {
				return
			}
		case data, ok := <-messageCh:
			if !ok {
				messageCh = nil
				continue
			}
			if err := s.handleClientMessage(outbound, data, startStream, logger); err != nil {
				logger.Warn("client message handling error", "err", err)
				return
			}
		case err := <-readErrCh:
			if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure &&
				websocket.CloseStatus(err) != websocket.StatusGoingAway {
				logger.Warn("websocket read error", "err", err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) readMessages(ctx context.Context, conn *websocket.Conn, out chan<- []byte, errCh chan<- error) {
	defer close(out)
	for {
		readCtx := ctx
		var cancel context.CancelFunc
		if s.cfg.WS.ReadTimeout > 0 {
			readCtx, cancel = context.WithTimeout(ctx, s.cfg.WS.ReadTimeout)
		}
		msgType, data, err := conn.Read(readCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				continue
			}
			errCh <- err
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		select {
		case out <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleClientMessage(outbound *wsOutbound, data []byte, startStream func(api.OpenMessage), logger *slog.Logger) error {
	var envelope api.ClientMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		logger.Debug("invalid client message", "err", err)
		return nil
	}

	switch envelope.Type {
	case "open":
		var msg api.OpenMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Name == "" {
			if !s.enqueueError(outbound, msg.RequestID, "invalid open payload", logger) {
				return fmt.Errorf("failed to enqueue open error")
			}
			return nil
		}
		if s.store == nil {
			if !s.enqueueError(outbound, msg.RequestID, "trace conversion unavailable", logger) {
				return fmt.Errorf("failed to enqueue store error")
			}
			return nil
		}
		startStream(msg)
	case "ping":
		if !s.enqueueMessage(outbound, api.PongMessage{Type: "pong"}, logger) {
			return fmt.Errorf("failed to enqueue pong response")
		}
	default:
		logger.Debug("unknown message type", "type", envelope.Type)
	}
	return nil
}

// streamTrace converts the requested report and sends it as trace_chunk
// messages followed by trace_done. Chunks never split a UTF-8 sequence.
func (s *Server) streamTrace(ctx context.Context, outbound *wsOutbound, msg api.OpenMessage, logger *slog.Logger) {
	logger = logger.With("report", msg.Name, "request_id", msg.RequestID)

	fail := func(text string) {
		data, err := json.Marshal(api.ErrorMessage{Type: "error", RequestID: msg.RequestID, Message: text})
		if err == nil {
			outbound.send(ctx, data)
		}
	}

	opts, err := traceOptions(msg.Activities, msg.Prefixes, msg.Colors)
	if err != nil {
		fail(err.Error())
		return
	}

	trace, err := s.store.Trace(ctx, msg.Name, opts)
	if err != nil {
		switch {
		case errors.Is(err, report.ErrNotFound), errors.Is(err, report.ErrWrongKind), isDataError(err):
			fail(err.Error())
		case ctx.Err() != nil:
			return
		default:
			logger.Error("trace conversion failed", "err", err)
			fail("trace conversion failed")
		}
		return
	}

	chunks := splitChunks(trace, s.cfg.WS.ChunkSize)
	for seq, chunk := range chunks {
		data, err := json.Marshal(api.TraceChunkMessage{
			Type:      "trace_chunk",
			RequestID: msg.RequestID,
			Name:      msg.Name,
			Seq:       seq,
			Data:      string(chunk),
		})
		if err != nil {
			logger.Error("failed to marshal trace chunk", "err", err)
			return
		}
		if !outbound.send(ctx, data) {
			logger.Debug("trace stream interrupted", "sent", seq)
			return
		}
	}

	done, err := json.Marshal(api.TraceDoneMessage{
		Type:      "trace_done",
		RequestID: msg.RequestID,
		Name:      msg.Name,
		Chunks:    len(chunks),
		Bytes:     len(trace),
	})
	if err != nil {
		logger.Error("failed to marshal trace done", "err", err)
		return
	}
	if outbound.send(ctx, done) {
		s.traceStreams.Add(1)
		logger.Info("trace streamed", "chunks", len(chunks), "bytes", len(trace))
	}
}

// splitChunks cuts data into pieces of at most size bytes, moving each cut
// back to a rune boundary. A rune longer than size becomes its own chunk.
func splitChunks(data []byte, size int) [][]byte {
	if size <= 0 || len(data) <= size {
		return [][]byte{data}
	}
	var chunks [][]byte
	for len(data) > 0 {
		end := min(size, len(data))
		for end < len(data) && end > 0 && !utf8.RuneStart(data[end]) {
			end--
		}
		if end == 0 {
			_, width := utf8.DecodeRune(data)
			end = width
		}
		chunks = append(chunks, data[:end])
		data = data[end:]
	}
	return chunks
}

func (s *Server) wsWriter(ctx context.Context, conn *websocket.Conn, outbound *wsOutbound, cancel context.CancelFunc, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)
	control, traces := outbound.channels()
	for control != nil || traces != nil {
		var (
			msg []byte
			ok  bool
		)
		select {
		case <-ctx.Done():
			return
		case msg, ok = <-control:
			if !ok {
				control = nil
				continue
			}
		case msg, ok = <-traces:
			if !ok {
				traces = nil
				continue
			}
		}
		if err := s.writeRaw(ctx, conn, msg); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				logger.Warn("websocket write failed", "err", err)
			}
			cancel()
			return
		}
		s.wsSent.Add(1)
	}
}

func (s *Server) writeRaw(ctx context.Context, conn *websocket.Conn, data []byte) error {
	writeCtx := ctx
	var cancel context.CancelFunc
	if s.cfg.WS.WriteTimeout > 0 {
		writeCtx, cancel = context.WithTimeout(ctx, s.cfg.WS.WriteTimeout)
	}
	if cancel != nil {
		defer cancel()
	}
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *Server) enqueueMessage(outbound *wsOutbound, payload any, logger *slog.Logger) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to marshal websocket payload", "err", err)
		return false
	}
	if !outbound.enqueue(data) {
		logger.Warn("websocket outbound queue unavailable")
		return false
	}
	return true
}

func (s *Server) enqueueError(outbound *wsOutbound, requestID, msg string, logger *slog.Logger) bool {
	return s.enqueueMessage(outbound, api.ErrorMessage{Type: "error", RequestID: requestID, Message: msg}, logger)
}

func (s *Server) reserveWS() bool {
	if s.maxWSClients <= 0 {
		s.wsActive.Add(1)
		return true
	}

	for {
		current := s.wsActive.Load()
		if current >= s.maxWSClients {
			s.wsRejected.Add(1)
			return false
		}
		if s.wsActive.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (s *Server) releaseWS() {
	s.wsActive.Add(-1)
}

func closeWebsocket(logger *slog.Logger, conn *websocket.Conn) {
	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil && logger != nil {
		logger.Debug("websocket close failed", "err", err)
	}
}

// wsOutbound holds two queues: control messages drop the oldest entry when
// full, trace messages block the sender until there is room.
type wsOutbound struct {
	ch     chan []byte
	traces chan []byte
	closed atomic.Bool
	drops  *atomic.Uint64
}

func newWSOutbound(size, traceSize int, dropCounter *atomic.Uint64) *wsOutbound {
	if size <= 0 {
		size = 1
	}
	if traceSize <= 0 {
		traceSize = 1
	}
	return &wsOutbound{
		ch:     make(chan []byte, size),
		traces: make(chan []byte, traceSize),
		drops:  dropCounter,
	}
}

func (o *wsOutbound) enqueue(msg []byte) bool {
	if o.closed.Load() {
		o.countDrop()
		return false
	}

	select {
	case o.ch <- msg:
		return true
	default:
	}

	droppedOld := false
	select {
	case <-o.ch:
		droppedOld = true
	default:
	}
	if droppedOld {
		o.countDrop()
	}

	select {
	case o.ch <- msg:
		return true
	default:
		o.countDrop()
		return false
	}
}

// send queues a trace message, waiting for room until ctx ends. Callers
// must stop sending before close.
func (o *wsOutbound) send(ctx context.Context, msg []byte) bool {
	if o.closed.Load() {
		return false
	}
	select {
	case o.traces <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *wsOutbound) close() {
	if o.closed.CompareAndSwap(false, true) {
		close(o.ch)
		close(o.traces)
	}
}

func (o *wsOutbound) channels() (<-chan []byte, <-chan []byte) {
	return o.ch, o.traces
}

func (o *wsOutbound) countDrop() {
	if o.drops != nil {
		o.drops.Add(1)
	}
}
