package api

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"scene-pipeline/internal/models"
	"scene-pipeline/internal/notify"
	"scene-pipeline/internal/progress"
)

// FollowProgress mirrors worker progress broadcasts into the table so
// GET /progress/all reflects runs happening in another process. Returns the
// subscription for teardown; nil when nc is nil.
func FollowProgress(nc *nats.Conn, table *progress.Table, logger zerolog.Logger) (*nats.Subscription, error) {
	if nc == nil {
		return nil, nil
	}
	log := logger.With().Str("component", "progress-feed").Logger()
	return nc.Subscribe("scenes.jobs.>", func(msg *nats.Msg) {
		var ev notify.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Warn().Err(err).Msg("bad event payload")
			return
		}
		switch ev.Kind {
		case notify.KindProgress:
			var rec models.ProgressRecord
			if err := json.Unmarshal([]byte(ev.Detail), &rec); err != nil {
				log.Warn().Err(err).Str("job_id", ev.JobID).Msg("bad progress payload")
				return
			}
			table.Put(rec)
		case notify.KindJobDeleted:
			if ev.JobID != "" {
				table.Delete(ev.JobID)
			}
		}
	})
}
