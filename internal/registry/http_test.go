package registry

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestRegistryHandler(t *testing.T) (*Registry, *HTTPHandler) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	reg := New(Options{})
	return reg, NewHTTPHandler(reg, logger)
}

func doRegReq(h http.Handler, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleLookupReturnsProducersAndChannels(t *testing.T) {
	t.Parallel()

	reg, h := newTestRegistryHandler(t)
	mux := h.Mux()

	key := NewProducerKey("127.0.0.1", 4150)
	reg.IdentifyProducer(key, "127.0.0.1", 4150, 4151, "1.0.0", time.Now())
	reg.AddRegistration(key, Registration{Category: CategoryTopic, Key: "mytopic"})
	reg.AddRegistration(key, Registration{Category: CategoryChannel, Key: "mytopic", SubKey: "mychannel"})

	rec := doRegReq(mux, http.MethodGet, "/lookup?topic=mytopic")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Channels  []string `json:"channels"`
		Producers []producerView `json:"producers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, []string{"mychannel"}, resp.Channels)
	require.Len(t, resp.Producers, 1)
	require.Equal(t, "127.0.0.1", resp.Producers[0].BroadcastAddress)
}

func TestHandleLookupMissingTopicIsBadRequest(t *testing.T) {
	t.Parallel()

	_, h := newTestRegistryHandler(t)
	rec := doRegReq(h.Mux(), http.MethodGet, "/lookup")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleTopicsListsRegisteredTopics(t *testing.T) {
	t.Parallel()

	reg, h := newTestRegistryHandler(t)
	key := NewProducerKey("127.0.0.1", 4150)
	reg.IdentifyProducer(key, "127.0.0.1", 4150, 4151, "1.0.0", time.Now())
	reg.AddRegistration(key, Registration{Category: CategoryTopic, Key: "mytopic"})

	rec := doRegReq(h.Mux(), http.MethodGet, "/topics")
	var resp struct {
		Topics []string `json:"topics"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, []string{"mytopic"}, resp.Topics)
}

func TestHandleNodesListsActiveProducers(t *testing.T) {
	t.Parallel()

	reg, h := newTestRegistryHandler(t)
	key := NewProducerKey("127.0.0.1", 4150)
	reg.IdentifyProducer(key, "127.0.0.1", 4150, 4151, "1.0.0", time.Now())

	rec := doRegReq(h.Mux(), http.MethodGet, "/nodes")
	var resp struct {
		Producers []producerView `json:"producers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Producers, 1)
}

func TestHandleTopicCreateThenLookupSeesAdminRegistration(t *testing.T) {
	t.Parallel()

	_, h := newTestRegistryHandler(t)
	mux := h.Mux()

	rec := doRegReq(mux, http.MethodPost, "/topic/create?topic=mytopic")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRegReq(mux, http.MethodGet, "/topics")
	var resp struct {
		Topics []string `json:"topics"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, []string{"mytopic"}, resp.Topics)
}

func TestHandleTopicDeleteRemovesAllRegistrations(t *testing.T) {
	t.Parallel()

	reg, h := newTestRegistryHandler(t)
	mux := h.Mux()
	key := NewProducerKey("127.0.0.1", 4150)
	reg.IdentifyProducer(key, "127.0.0.1", 4150, 4151, "1.0.0", time.Now())
	reg.AddRegistration(key, Registration{Category: CategoryTopic, Key: "mytopic"})

	rec := doRegReq(mux, http.MethodPost, "/topic/delete?topic=mytopic")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, reg.Topics())
}

func TestHandleChannelCreateAndDelete(t *testing.T) {
	t.Parallel()

	_, h := newTestRegistryHandler(t)
	mux := h.Mux()

	require.Equal(t, http.StatusOK, doRegReq(mux, http.MethodPost, "/channel/create?topic=t1&channel=c1").Code)

	rec := doRegReq(mux, http.MethodGet, "/channels?topic=t1")
	var resp struct {
		Channels []string `json:"channels"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, []string{"c1"}, resp.Channels)

	require.Equal(t, http.StatusOK, doRegReq(mux, http.MethodPost, "/channel/delete?topic=t1&channel=c1").Code)
	rec = doRegReq(mux, http.MethodGet, "/channels?topic=t1")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Empty(t, resp.Channels)
}

func TestHandleTombstoneHidesProducerFromLookup(t *testing.T) {
	t.Parallel()

	reg, h := newTestRegistryHandler(t)
	mux := h.Mux()
	key := NewProducerKey("127.0.0.1", 4150)
	reg.IdentifyProducer(key, "127.0.0.1", 4150, 4151, "1.0.0", time.Now())
	reg.AddRegistration(key, Registration{Category: CategoryTopic, Key: "mytopic"})

	rec := doRegReq(mux, http.MethodPost, "/tombstone_topic_producer?topic=mytopic&node="+string(key))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Empty(t, reg.FindProducers(CategoryTopic, "mytopic", ""))
}

func TestHandlePingAndInfo(t *testing.T) {
	t.Parallel()

	_, h := newTestRegistryHandler(t)
	mux := h.Mux()

	rec := doRegReq(mux, http.MethodGet, "/ping")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "OK", rec.Body.String())

	rec = doRegReq(mux, http.MethodGet, "/info")
	var info map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	require.Contains(t, info, "version")
	require.Contains(t, info, "start_time")
}
