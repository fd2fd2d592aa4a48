package broker

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"github.com/nsqcore/nsqcore/internal/message"
)

var tracer = otel.Tracer("nsqcore/broker")

// HTTPHandler builds the broker's HTTP surface of spec §6: pub/mpub/dpub,
// topic and channel lifecycle, stats, ping, and info.
type HTTPHandler struct {
	broker  *Broker
	pubRate *rate.Limiter // nil when opts.PubRateLimitPerSec == 0
}

// NewHTTPHandler builds the mux-ready handler bound to b.
func NewHTTPHandler(b *Broker) *HTTPHandler {
	h := &HTTPHandler{broker: b}
	if b.opts.PubRateLimitPerSec > 0 {
		h.pubRate = rate.NewLimiter(rate.Limit(b.opts.PubRateLimitPerSec), int(b.opts.PubRateLimitPerSec))
	}
	return h
}

// allowPub reports whether a publish should proceed under the configured
// rate limit; it always allows when no limit was configured.
func (h *HTTPHandler) allowPub() bool {
	return h.pubRate == nil || h.pubRate.Allow()
}

// Mux returns an http.ServeMux wired with every broker HTTP route,
// following the teacher's api/v1/routes.go one-mux-per-route convention.
func (h *HTTPHandler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/pub", h.handlePub)
	mux.HandleFunc("/mpub", h.handleMpub)
	mux.HandleFunc("/dpub", h.handleDpub)
	mux.HandleFunc("/topic/create", h.handleTopicCreate)
	mux.HandleFunc("/topic/delete", h.handleTopicDelete)
	mux.HandleFunc("/topic/pause", h.handleTopicPause)
	mux.HandleFunc("/topic/unpause", h.handleTopicUnpause)
	mux.HandleFunc("/topic/empty", h.handleTopicEmpty)
	mux.HandleFunc("/channel/create", h.handleChannelCreate)
	mux.HandleFunc("/channel/delete", h.handleChannelDelete)
	mux.HandleFunc("/channel/pause", h.handleChannelPause)
	mux.HandleFunc("/channel/unpause", h.handleChannelUnpause)
	mux.HandleFunc("/channel/empty", h.handleChannelEmpty)
	mux.HandleFunc("/stats", h.handleStats)
	mux.HandleFunc("/ping", h.handlePing)
	mux.HandleFunc("/info", h.handleInfo)
	return mux
}

func (h *HTTPHandler) topicParam(r *http.Request) (*Topic, error) {
	name := r.URL.Query().Get("topic")
	if !isValidName(name) {
		return nil, ErrBadTopic
	}
	return h.broker.GetTopic(name)
}

// handlePub durably enqueues the request body as one message; OK is sent
// only after the ingress queue (memory or disk) has accepted it, per spec
// §6's "returns OK only after the message is durably accepted."
func (h *HTTPHandler) handlePub(w http.ResponseWriter, r *http.Request) {
	if !h.allowPub() {
		http.Error(w, "E_TOO_MANY_REQUESTS", http.StatusTooManyRequests)
		return
	}

	ctx, span := tracer.Start(r.Context(), "nsqd.publish")
	defer span.End()

	topic, err := h.topicParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, h.broker.opts.MaxMsgSize+1))
	if err != nil {
		http.Error(w, ErrIO.Error(), http.StatusInternalServerError)
		return
	}
	if h.broker.opts.MaxMsgSize > 0 && int64(len(body)) > h.broker.opts.MaxMsgSize {
		http.Error(w, ErrMessageTooLarge.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	if err := topic.PutMessage(message.New(body)); err != nil {
		http.Error(w, fmt.Sprintf("%v: %v", ErrPubFailed, err), http.StatusInternalServerError)
		return
	}
	_ = ctx
	w.Write(responseOK)
}

// handleMpub accepts newline-delimited bodies (binary=false, the default)
// or a length-prefixed binary stream (binary=true), per spec §6.
func (h *HTTPHandler) handleMpub(w http.ResponseWriter, r *http.Request) {
	if !h.allowPub() {
		http.Error(w, "E_TOO_MANY_REQUESTS", http.StatusTooManyRequests)
		return
	}

	topic, err := h.topicParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, h.broker.opts.MaxBodySize+1))
	if err != nil {
		http.Error(w, ErrIO.Error(), http.StatusInternalServerError)
		return
	}

	var bodies [][]byte
	if r.URL.Query().Get("binary") == "true" {
		bodies, err = splitBinaryMpub(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("%v: %v", ErrMpubFailed, err), http.StatusBadRequest)
			return
		}
	} else {
		bodies = splitNewlineMpub(raw)
	}

	if err := topic.PutMessages(message.NewBatch(bodies)); err != nil {
		http.Error(w, fmt.Sprintf("%v: %v", ErrMpubFailed, err), http.StatusInternalServerError)
		return
	}
	w.Write(responseOK)
}

func splitNewlineMpub(raw []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range raw {
		if b == '\n' {
			out = append(out, raw[start:i])
			start = i + 1
		}
	}
	if start < len(raw) {
		out = append(out, raw[start:])
	}
	return out
}

func splitBinaryMpub(raw []byte) ([][]byte, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("missing count")
	}
	count := int(raw[0])<<24 | int(raw[1])<<16 | int(raw[2])<<8 | int(raw[3])
	out := make([][]byte, 0, count)
	pos := 4
	for i := 0; i < count; i++ {
		if pos+4 > len(raw) {
			return nil, fmt.Errorf("truncated message count")
		}
		size := int(raw[pos])<<24 | int(raw[pos+1])<<16 | int(raw[pos+2])<<8 | int(raw[pos+3])
		pos += 4
		if pos+size > len(raw) {
			return nil, fmt.Errorf("truncated message body")
		}
		out = append(out, raw[pos:pos+size])
		pos += size
	}
	return out, nil
}

func (h *HTTPHandler) handleDpub(w http.ResponseWriter, r *http.Request) {
	if !h.allowPub() {
		http.Error(w, "E_TOO_MANY_REQUESTS", http.StatusTooManyRequests)
		return
	}

	topic, err := h.topicParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	deferMs := r.URL.Query().Get("defer")
	var ms int64
	if _, err := fmt.Sscanf(deferMs, "%d", &ms); err != nil || ms < 0 {
		http.Error(w, "INVALID_DEFER", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, h.broker.opts.MaxMsgSize+1))
	if err != nil {
		http.Error(w, ErrIO.Error(), http.StatusInternalServerError)
		return
	}
	deferUntil := time.Now().Add(time.Duration(ms) * time.Millisecond).UnixNano()
	if err := topic.PutMessage(message.NewDeferred(body, deferUntil)); err != nil {
		http.Error(w, fmt.Sprintf("%v: %v", ErrPubFailed, err), http.StatusInternalServerError)
		return
	}
	w.Write(responseOK)
}

func (h *HTTPHandler) handleTopicCreate(w http.ResponseWriter, r *http.Request) {
	if _, err := h.topicParam(r); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Write(responseOK)
}

func (h *HTTPHandler) handleTopicDelete(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("topic")
	if err := h.broker.DeleteTopic(name); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Write(responseOK)
}

func (h *HTTPHandler) handleTopicPause(w http.ResponseWriter, r *http.Request) {
	topic, err := h.topicParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	topic.Pause()
	w.Write(responseOK)
}

func (h *HTTPHandler) handleTopicUnpause(w http.ResponseWriter, r *http.Request) {
	topic, err := h.topicParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	topic.Unpause()
	w.Write(responseOK)
}

func (h *HTTPHandler) handleTopicEmpty(w http.ResponseWriter, r *http.Request) {
	topic, err := h.topicParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := topic.Empty(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Write(responseOK)
}

func (h *HTTPHandler) channelParam(r *http.Request) (*Channel, error) {
	topic, err := h.topicParam(r)
	if err != nil {
		return nil, err
	}
	name := r.URL.Query().Get("channel")
	if !isValidName(name) {
		return nil, ErrBadChannel
	}
	return topic.GetChannel(name)
}

func (h *HTTPHandler) handleChannelCreate(w http.ResponseWriter, r *http.Request) {
	if _, err := h.channelParam(r); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Write(responseOK)
}

func (h *HTTPHandler) handleChannelDelete(w http.ResponseWriter, r *http.Request) {
	topic, err := h.topicParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	channel := r.URL.Query().Get("channel")
	if err := topic.DeleteChannel(channel); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Write(responseOK)
}

func (h *HTTPHandler) handleChannelPause(w http.ResponseWriter, r *http.Request) {
	ch, err := h.channelParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ch.Pause()
	w.Write(responseOK)
}

func (h *HTTPHandler) handleChannelUnpause(w http.ResponseWriter, r *http.Request) {
	ch, err := h.channelParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ch.Unpause()
	w.Write(responseOK)
}

func (h *HTTPHandler) handleChannelEmpty(w http.ResponseWriter, r *http.Request) {
	ch, err := h.channelParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := ch.Empty(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Write(responseOK)
}

type topicStats struct {
	Name     string         `json:"topic_name"`
	Depth    int64          `json:"depth"`
	Paused   bool           `json:"paused"`
	Channels []channelStats `json:"channels"`
}

type channelStats struct {
	Name          string `json:"channel_name"`
	Depth         int64  `json:"depth"`
	InFlightCount int    `json:"in_flight_count"`
	DeferredCount int    `json:"deferred_count"`
	MessageCount  int64  `json:"message_count"`
	FinishCount   int64  `json:"finish_count"`
	RequeueCount  int64  `json:"requeue_count"`
	TimeoutCount  int64  `json:"timeout_count"`
	ClientCount   int    `json:"client_count"`
	Paused        bool   `json:"paused"`
}

func (h *HTTPHandler) collectStats() []topicStats {
	var out []topicStats
	for _, t := range h.broker.Topics() {
		ts := topicStats{Name: t.Name(), Depth: t.Depth(), Paused: t.Paused()}
		for _, ch := range t.Channels() {
			messages, finished, requeued, timedOut := ch.Counters()
			ts.Channels = append(ts.Channels, channelStats{
				Name:          ch.Name(),
				Depth:         ch.Depth(),
				InFlightCount: ch.InFlightLen(),
				DeferredCount: ch.DeferredLen(),
				MessageCount:  messages,
				FinishCount:   finished,
				RequeueCount:  requeued,
				TimeoutCount:  timedOut,
				ClientCount:   len(ch.Clients()),
				Paused:        ch.State() == ChannelPaused,
			})
		}
		out = append(out, ts)
	}
	return out
}

// handleStats renders JSON by default and a human-readable table when
// format=text is requested, matching nsqd's real dual-format /stats.
func (h *HTTPHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	topicFilter := r.URL.Query().Get("topic")
	channelFilter := r.URL.Query().Get("channel")
	stats := h.collectStats()
	if topicFilter != "" {
		filtered := stats[:0]
		for _, ts := range stats {
			if ts.Name == topicFilter {
				filtered = append(filtered, ts)
			}
		}
		stats = filtered
	}
	if channelFilter != "" {
		for i := range stats {
			kept := stats[i].Channels[:0]
			for _, cs := range stats[i].Channels {
				if cs.Name == channelFilter {
					kept = append(kept, cs)
				}
			}
			stats[i].Channels = kept
		}
	}

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, ts := range stats {
			fmt.Fprintf(w, "[%s] depth=%d paused=%t\n", ts.Name, ts.Depth, ts.Paused)
			for _, cs := range ts.Channels {
				fmt.Fprintf(w, "  [%s] depth=%d in_flight=%d deferred=%d msgs=%d finished=%d requeued=%d timed_out=%d clients=%d paused=%t\n",
					cs.Name, cs.Depth, cs.InFlightCount, cs.DeferredCount, cs.MessageCount,
					cs.FinishCount, cs.RequeueCount, cs.TimeoutCount, cs.ClientCount, cs.Paused)
			}
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"topics": stats})
}

func (h *HTTPHandler) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Write(responseOK)
}

func (h *HTTPHandler) handleInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"version":        "1.0.0",
		"start_time":     h.broker.StartTime().Unix(),
		"broadcast_addr": h.broker.opts.BroadcastAddr,
		"tcp_port":       h.broker.opts.TCPAddr,
		"http_port":      h.broker.opts.HTTPAddr,
	})
}
