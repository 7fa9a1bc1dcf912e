package stream

import (
	"encoding/json"
	"net/http"

	"tailscale.com/tsweb"
)

// AttachAdminRoutes publishes the stream counters under /debug/. Either
// side may be nil.
func AttachAdminRoutes(mux *http.ServeMux, sink *Sink, src *SerialSource) {
	debug := tsweb.Debugger(mux)

	if sink != nil {
		debug.KVFunc("stream messages sent", func() any { return sink.enc.Stats().Messages })
		debug.KVFunc("stream send errors", func() any { return sink.enc.Stats().Errors })
	}
	if src != nil {
		debug.KVFunc("stream frames received", func() any { return src.Stats().Frames })
	}

	debug.HandleFunc("stream", "serial stream counters", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body := map[string]any{}
		if sink != nil {
			body["sent"] = sink.enc.Stats()
		}
		if src != nil {
			body["received"] = src.Stats()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	})
}
