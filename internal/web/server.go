package web

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"time"
)

// PPGResetter restarts heart-rate calibration, e.g. after the user moved
// their finger back onto the lens.
type PPGResetter interface {
	ResetPPG() error
}

// Handler wires the HTTP surface. Any of logs, hub, metricsHandler and
// ppg may be nil; their routes are then left out.
func Handler(status *Status, logs *LogBuffer, hub *Hub, metricsHandler http.Handler, ppg PPGResetter) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, status.Snapshot(time.Now().UTC()))
	})

	if ppg != nil {
		mux.HandleFunc("/api/ppg/reset", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				w.Header().Set("Allow", http.MethodPost)
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			if err := ppg.ResetPPG(); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte("{\"ok\":true}\n"))
		})
	}

	if logs != nil {
		mux.Handle("/api/logs", logs.Handler())
	}
	if hub != nil {
		mux.Handle("/ws", hub)
	}
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeIndex(w, status.Snapshot(time.Now().UTC()), hub != nil)
	})

	return mux
}

// writeIndex renders a plain status page. With live set it also opens /ws
// and prints incoming messages.
func writeIndex(w http.ResponseWriter, snap StatusSnapshot, live bool) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>pulsestep</title></head><body>")
	_, _ = fmt.Fprint(w, "<h1>pulsestep</h1>")
	_, _ = fmt.Fprintf(w, "<p>mode=%s uptime=%ds. Full status at <a href=\"/api/status\">/api/status</a>.</p>",
		html.EscapeString(snap.Mode), snap.UptimeSec)
	if p := snap.Pipeline; p != nil {
		bpm := "-"
		if p.BPM != nil {
			bpm = fmt.Sprint(*p.BPM)
		}
		_, _ = fmt.Fprintf(w, "<pre>session=%s\nsteps=%d axis=%s\nppg=%s bpm=%s finger=%t</pre>",
			html.EscapeString(p.SessionID), p.Steps, p.Axis, p.PPGPhase, bpm, p.FingerDetected)
	}
	if live {
		_, _ = fmt.Fprint(w, "<pre id=\"live\"></pre><script>"+
			"const out=document.getElementById('live');"+
			"const ws=new WebSocket((location.protocol==='https:'?'wss://':'ws://')+location.host+'/ws');"+
			"ws.onmessage=e=>{const m=JSON.parse(e.data);if(m.kind==='ppg')return;"+
			"out.textContent=(JSON.stringify(m)+'\\n'+out.textContent).slice(0,8000);};"+
			"</script>")
	}
	_, _ = fmt.Fprint(w, "</body></html>")
}

func Serve(ctx context.Context, listenAddr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
