package registry

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// HTTPHandler builds the registry's consumer-facing HTTP surface, per
// spec §4.7/§6: GET /lookup, /topics, /channels, /nodes, plus the
// create/delete/tombstone admin endpoints and /ping, /info.
type HTTPHandler struct {
	reg       *Registry
	logger    logrus.FieldLogger
	startTime time.Time
}

// NewHTTPHandler builds the mux-ready handler bound to reg.
func NewHTTPHandler(reg *Registry, logger logrus.FieldLogger) *HTTPHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HTTPHandler{reg: reg, logger: logger, startTime: time.Now()}
}

// Mux returns an http.ServeMux wired with every registry HTTP route,
// mirroring the teacher's api/v1/routes.go one-mux-per-route convention.
func (h *HTTPHandler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/lookup", h.handleLookup)
	mux.HandleFunc("/topics", h.handleTopics)
	mux.HandleFunc("/channels", h.handleChannels)
	mux.HandleFunc("/nodes", h.handleNodes)
	mux.HandleFunc("/topic/create", h.handleTopicCreate)
	mux.HandleFunc("/topic/delete", h.handleTopicDelete)
	mux.HandleFunc("/channel/create", h.handleChannelCreate)
	mux.HandleFunc("/channel/delete", h.handleChannelDelete)
	mux.HandleFunc("/tombstone_topic_producer", h.handleTombstone)
	mux.HandleFunc("/ping", h.handlePing)
	mux.HandleFunc("/info", h.handleInfo)
	return mux
}

type producerView struct {
	BroadcastAddress string `json:"broadcast_address"`
	TCPPort          int    `json:"tcp_port"`
	HTTPPort         int    `json:"http_port"`
	Version          string `json:"version"`
}

func toView(p *Producer) producerView {
	return producerView{
		BroadcastAddress: p.BroadcastAddress,
		TCPPort:          p.TCPPort,
		HTTPPort:         p.HTTPPort,
		Version:          p.Version,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *HTTPHandler) handleLookup(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		http.Error(w, "MISSING_ARG_TOPIC", http.StatusBadRequest)
		return
	}
	producers := h.reg.FindProducers(CategoryTopic, topic, "")
	channels := h.reg.Channels(topic)

	views := make([]producerView, 0, len(producers))
	for _, p := range producers {
		views = append(views, toView(p))
	}
	if channels == nil {
		channels = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channels":  channels,
		"producers": views,
	})
}

func (h *HTTPHandler) handleTopics(w http.ResponseWriter, r *http.Request) {
	topics := h.reg.Topics()
	if topics == nil {
		topics = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"topics": topics})
}

func (h *HTTPHandler) handleChannels(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		http.Error(w, "MISSING_ARG_TOPIC", http.StatusBadRequest)
		return
	}
	channels := h.reg.Channels(topic)
	if channels == nil {
		channels = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

func (h *HTTPHandler) handleNodes(w http.ResponseWriter, r *http.Request) {
	nodes := h.reg.Nodes()
	views := make([]producerView, 0, len(nodes))
	for _, p := range nodes {
		views = append(views, toView(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"producers": views})
}

// handleTopicCreate/handleTopicDelete/handleChannelCreate/handleChannelDelete
// are admin shims used mainly by tests and operators driving the registry
// directly rather than waiting on a broker's next announce cycle; they
// manipulate registrations under a synthetic "admin" producer key so the
// mutation is visible to /lookup immediately.
var adminProducerKey = NewProducerKey("admin", 0)

func (h *HTTPHandler) ensureAdminProducer() {
	h.reg.IdentifyProducer(adminProducerKey, "admin", 0, 0, version, time.Now())
}

func (h *HTTPHandler) handleTopicCreate(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		http.Error(w, "MISSING_ARG_TOPIC", http.StatusBadRequest)
		return
	}
	h.ensureAdminProducer()
	h.reg.AddRegistration(adminProducerKey, Registration{Category: CategoryTopic, Key: topic})
	w.Write(responseOKBytes)
}

func (h *HTTPHandler) handleTopicDelete(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		http.Error(w, "MISSING_ARG_TOPIC", http.StatusBadRequest)
		return
	}
	for _, p := range h.reg.Nodes() {
		key := NewProducerKey(p.BroadcastAddress, p.TCPPort)
		h.reg.RemoveAllRegistrationsForTopic(key, topic)
	}
	h.reg.RemoveAllRegistrationsForTopic(adminProducerKey, topic)
	w.Write(responseOKBytes)
}

func (h *HTTPHandler) handleChannelCreate(w http.ResponseWriter, r *http.Request) {
	topic, channel := r.URL.Query().Get("topic"), r.URL.Query().Get("channel")
	if topic == "" || channel == "" {
		http.Error(w, "MISSING_ARG", http.StatusBadRequest)
		return
	}
	h.ensureAdminProducer()
	h.reg.AddRegistration(adminProducerKey, Registration{Category: CategoryChannel, Key: topic, SubKey: channel})
	w.Write(responseOKBytes)
}

func (h *HTTPHandler) handleChannelDelete(w http.ResponseWriter, r *http.Request) {
	topic, channel := r.URL.Query().Get("topic"), r.URL.Query().Get("channel")
	if topic == "" || channel == "" {
		http.Error(w, "MISSING_ARG", http.StatusBadRequest)
		return
	}
	h.reg.RemoveRegistration(adminProducerKey, Registration{Category: CategoryChannel, Key: topic, SubKey: channel})
	w.Write(responseOKBytes)
}

func (h *HTTPHandler) handleTombstone(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	node := r.URL.Query().Get("node")
	if topic == "" || node == "" {
		http.Error(w, "MISSING_ARG", http.StatusBadRequest)
		return
	}
	h.reg.Tombstone(topic, ProducerKey(node))
	w.Write(responseOKBytes)
}

func (h *HTTPHandler) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Write(responseOKBytes)
}

func (h *HTTPHandler) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    version,
		"start_time": h.startTime.Unix(),
	})
}
