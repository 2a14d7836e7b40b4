package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/quellen-ai/quellen/internal/answer"
	"github.com/quellen-ai/quellen/internal/sse"
	"github.com/quellen-ai/quellen/internal/store"
)

// answerRunner executes one answer run. *answer.Pipeline satisfies it.
type answerRunner interface {
	Run(ctx context.Context, threadID, queryID uuid.UUID, sink answer.EventSink) error
}

// answerHandler streams answer runs over SSE.
type answerHandler struct {
	pipeline answerRunner
	logger   *slog.Logger
}

// stream handles GET /api/threads/{threadID}/queries/{queryID}/answer.
// The response is a server-sent event stream; the request context is
// canceled when the client disconnects, which stops the run.
func (h *answerHandler) stream(w http.ResponseWriter, r *http.Request) {
	threadID, ok := pathUUID(w, r, "threadID")
	if !ok {
		return
	}
	queryID, ok := pathUUID(w, r, "queryID")
	if !ok {
		return
	}

	writer, err := sse.NewWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", err.Error())
		return
	}
	defer writer.Close()

	err = h.pipeline.Run(r.Context(), threadID, queryID, writer)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound), errors.Is(err, answer.ErrQueryMismatch):
		// Already reported on the stream as an error event.
		h.logger.Debug("answer run rejected", "thread_id", threadID, "query_id", queryID, "error", err)
	case r.Context().Err() != nil:
		h.logger.Debug("client disconnected", "query_id", queryID)
	default:
		h.logger.Error("answer stream failed", "thread_id", threadID, "query_id", queryID, "error", err)
	}
}
