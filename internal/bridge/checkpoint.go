package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pdHaku0/gemini-cli-agent-sdk/internal/logger"
)

// checkpointTimeout bounds the downstream checkpoint POST.
const checkpointTimeout = 10 * time.Second

type checkpointPayload struct {
	SessionID string   `json:"sessionId"`
	Turn      int64    `json:"turn"`
	Files     []string `json:"files"`
}

// fireCheckpoint notifies the configured downstream host that a turn ended
// with a non-empty modified-file set. Best-effort: failures are logged, the
// turn is never blocked on the hook.
func (s *Server) fireCheckpoint(files []string) {
	if s.opts.CheckpointURL == "" {
		return
	}

	s.mu.Lock()
	payload := checkpointPayload{
		SessionID: s.opts.CheckpointSession,
		Turn:      s.turn,
		Files:     files,
	}
	s.mu.Unlock()

	go func() {
		body, err := json.Marshal(payload)
		if err != nil {
			logger.Error().Err(err).Msg("failed to marshal checkpoint payload")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.CheckpointURL, bytes.NewReader(body))
		if err != nil {
			logger.Error().Err(err).Msg("failed to build checkpoint request")
			return
		}
		req.Header.Set("Content-Type", "application/json")
		if s.opts.CheckpointSecret != "" {
			req.Header.Set("Authorization", "Bearer "+s.opts.CheckpointSecret)
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			logger.Warn().Err(err).Msg("checkpoint hook failed")
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			logger.Warn().Str("status", resp.Status).Msg("checkpoint hook rejected")
			return
		}
		logger.Debug().Int("files", len(payload.Files)).Int64("turn", payload.Turn).Msg("checkpoint recorded")
	}()
}
