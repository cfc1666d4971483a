package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/spanlabs/extract-gateway/internal/config"
	"github.com/spanlabs/extract-gateway/internal/engine"
	"github.com/spanlabs/extract-gateway/internal/extraction"
	"github.com/spanlabs/extract-gateway/internal/observability"
)

// ExtractRequest is the batch extraction request body
type ExtractRequest struct {
	Messages []extraction.Message `json:"messages"`
}

// ExtractResponse is the batch extraction response body
type ExtractResponse struct {
	ModelID     string                  `json:"model_id"`
	Text        string                  `json:"text"`
	Extractions []extraction.Extraction `json:"extractions"`
}

type errorBody struct {
	Detail string `json:"detail"`
}

// HandleExtract serves the batch contract: a full ordered message list
// in, one full extraction pass out. No registry or dedup is involved —
// this is a single evaluation.
func HandleExtract(cfg *config.Config, eng engine.Engine) http.HandlerFunc {
	logger := observability.GetLogger().With().Str("component", "rest").Logger()

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var payload ExtractRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if len(payload.Messages) == 0 {
			writeError(w, http.StatusBadRequest, "messages must be provided")
			return
		}

		text := extraction.FlattenMessages(payload.Messages)
		if text == "" {
			writeError(w, http.StatusBadRequest, "messages contain no content")
			return
		}

		metrics := observability.NewSessionMetrics(observability.NewCorrelationID())
		metrics.RecordPassStart()

		extractions, err := eng.Extract(r.Context(), text)
		if err != nil {
			metrics.RecordPassEnd("batch", false)
			metrics.RecordError("batch_extract_error", "rest")
			logger.Error().Err(err).Msg("Batch extraction failed")

			status := http.StatusBadGateway
			if engine.KindOf(err) == engine.KindSchema {
				status = http.StatusUnprocessableEntity
			}
			writeError(w, status, err.Error())
			return
		}
		metrics.RecordPassEnd("batch", true)

		resp := ExtractResponse{
			ModelID:     cfg.EngineModelID,
			Text:        text,
			Extractions: extractions,
		}
		if resp.Extractions == nil {
			resp.Extractions = []extraction.Extraction{}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Detail: detail})
}
