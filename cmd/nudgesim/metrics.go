package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/divtosz/prosocial-ai-simulation/internal/persistence/indexdb"
	"github.com/divtosz/prosocial-ai-simulation/internal/persistence/mirror"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/env"
	"github.com/divtosz/prosocial-ai-simulation/internal/transport/observer"
)

type infoSource interface {
	Info(ctx context.Context) (env.Info, error)
}

// metricsHandler writes a minimal Prometheus text exposition.
func metricsHandler(rt infoSource, hub *observer.Hub, idx *indexdb.Index, mirr *mirror.Mirror) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		info, err := rt.Info(ctx)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		fmt.Fprintf(rw, "# HELP nudgesim_episode Current episode number.\n")
		fmt.Fprintf(rw, "# TYPE nudgesim_episode gauge\n")
		fmt.Fprintf(rw, "nudgesim_episode %d\n", info.Episode)

		fmt.Fprintf(rw, "# HELP nudgesim_step Steps taken in the current episode.\n")
		fmt.Fprintf(rw, "# TYPE nudgesim_step gauge\n")
		fmt.Fprintf(rw, "nudgesim_step %d\n", info.Step)

		done := 0
		if info.Done {
			done = 1
		}
		fmt.Fprintf(rw, "# HELP nudgesim_episode_done Whether the current episode has ended.\n")
		fmt.Fprintf(rw, "# TYPE nudgesim_episode_done gauge\n")
		fmt.Fprintf(rw, "nudgesim_episode_done %d\n", done)

		if hub != nil {
			fmt.Fprintf(rw, "# HELP nudgesim_observer_subscribers Connected spectators.\n")
			fmt.Fprintf(rw, "# TYPE nudgesim_observer_subscribers gauge\n")
			fmt.Fprintf(rw, "nudgesim_observer_subscribers %d\n", hub.Subscribers())
		}

		if idx != nil {
			s := idx.Stats()
			fmt.Fprintf(rw, "# HELP nudgesim_index_queue_depth Pending episode index writes.\n")
			fmt.Fprintf(rw, "# TYPE nudgesim_index_queue_depth gauge\n")
			fmt.Fprintf(rw, "nudgesim_index_queue_depth %d\n", s.QueueDepth)
			fmt.Fprintf(rw, "# HELP nudgesim_index_queue_capacity Episode index queue capacity.\n")
			fmt.Fprintf(rw, "# TYPE nudgesim_index_queue_capacity gauge\n")
			fmt.Fprintf(rw, "nudgesim_index_queue_capacity %d\n", s.QueueCapacity)
			fmt.Fprintf(rw, "# HELP nudgesim_index_dropped_total Index writes dropped because the queue was full.\n")
			fmt.Fprintf(rw, "# TYPE nudgesim_index_dropped_total counter\n")
			fmt.Fprintf(rw, "nudgesim_index_dropped_total %d\n", s.Dropped)
			fmt.Fprintf(rw, "# HELP nudgesim_index_failed_total Index writes that failed.\n")
			fmt.Fprintf(rw, "# TYPE nudgesim_index_failed_total counter\n")
			fmt.Fprintf(rw, "nudgesim_index_failed_total %d\n", s.Failed)
		}

		if mirr != nil {
			writeMirrorMetrics(rw, mirr.Stats())
		}
	}
}

func writeMirrorMetrics(rw http.ResponseWriter, s mirror.Stats) {
	fmt.Fprintf(rw, "# HELP nudgesim_mirror_queue_depth Files waiting for upload.\n")
	fmt.Fprintf(rw, "# TYPE nudgesim_mirror_queue_depth gauge\n")
	fmt.Fprintf(rw, "nudgesim_mirror_queue_depth %d\n", s.QueueDepth)

	fmt.Fprintf(rw, "# HELP nudgesim_mirror_enqueued_total Files handed to the mirror.\n")
	fmt.Fprintf(rw, "# TYPE nudgesim_mirror_enqueued_total counter\n")
	fmt.Fprintf(rw, "nudgesim_mirror_enqueued_total %d\n", s.Enqueued)

	fmt.Fprintf(rw, "# HELP nudgesim_mirror_dropped_total Files dropped because the queue stayed full.\n")
	fmt.Fprintf(rw, "# TYPE nudgesim_mirror_dropped_total counter\n")
	fmt.Fprintf(rw, "nudgesim_mirror_dropped_total %d\n", s.Dropped)

	fmt.Fprintf(rw, "# HELP nudgesim_mirror_uploaded_total Successful uploads.\n")
	fmt.Fprintf(rw, "# TYPE nudgesim_mirror_uploaded_total counter\n")
	fmt.Fprintf(rw, "nudgesim_mirror_uploaded_total %d\n", s.Uploaded)

	fmt.Fprintf(rw, "# HELP nudgesim_mirror_failed_total Uploads that failed after retries.\n")
	fmt.Fprintf(rw, "# TYPE nudgesim_mirror_failed_total counter\n")
	fmt.Fprintf(rw, "nudgesim_mirror_failed_total %d\n", s.Failed)

	fmt.Fprintf(rw, "# HELP nudgesim_mirror_last_upload_unix Time of the last successful upload.\n")
	fmt.Fprintf(rw, "# TYPE nudgesim_mirror_last_upload_unix gauge\n")
	fmt.Fprintf(rw, "nudgesim_mirror_last_upload_unix %d\n", s.LastUploadUnix)
}
