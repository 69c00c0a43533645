package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/ports"
)

const sseHeartbeat = 15 * time.Second

// TopicSubscriber est implémenté par memorybus: filtrage des topics côté bus.
type TopicSubscriber interface {
	SubscribeTopics(prefixes ...string) (<-chan ports.Event, func())
}

// handleEvents diffuse le bus en SSE. ?topic=subscription.&topic=job. filtre par préfixe.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, "no event bus", http.StatusNotImplemented)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var prefixes []string
	for _, t := range r.URL.Query()["topic"] {
		for p := range strings.SplitSeq(t, ",") {
			if p = strings.TrimSpace(p); p != "" {
				prefixes = append(prefixes, p)
			}
		}
	}

	var (
		events <-chan ports.Event
		cancel func()
	)
	if ts, ok := s.bus.(TopicSubscriber); ok {
		events, cancel = ts.SubscribeTopics(prefixes...)
	} else {
		events, cancel = s.bus.Subscribe()
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: hello\ndata: {\"status\":\"connected\"}\n\n")
	flusher.Flush()

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if !matchesAny(evt.Topic, prefixes) {
				continue
			}
			payload := evt.Payload
			if len(payload) == 0 {
				payload = []byte("{}")
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", evt.ID, evt.Topic, payload)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprintf(w, "event: ping\ndata: {}\n\n")
			flusher.Flush()
		}
	}
}

func matchesAny(topic string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}
