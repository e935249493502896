package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ethpandaops/interopscore/pkg/aligned"
	"github.com/ethpandaops/interopscore/pkg/interop"
	"github.com/ethpandaops/interopscore/pkg/store"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// rowResponse is one aligned revision. Scores map category to product to
// score.
type rowResponse struct {
	Revision         string                    `json:"revision"`
	Date             string                    `json:"date"`
	Versions         map[string]string         `json:"versions"`
	Scores           map[string]map[string]int `json:"scores"`
	Interop          map[string]int            `json:"interop"`
	MetadataRevision string                    `json:"metadata_revision,omitempty"`
}

type viewResponse struct {
	Year             int           `json:"year"`
	Channel          string        `json:"channel"`
	MetadataRevision string        `json:"metadata_revision,omitempty"`
	Rows             []rowResponse `json:"rows"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	st, view, ok := s.resolve(w, r)
	if !ok {
		return
	}

	snap, err := st.LoadSnapshot(view.Channel)
	if err != nil {
		s.internalError(w, err)

		return
	}

	if snap == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"no snapshot for channel"})

		return
	}

	view.MetadataRevision = snap.MetadataRevision
	view.Rows = toRows(st.Table(), snap.Rows(), time.RFC3339Nano)

	writeJSON(w, http.StatusOK, view)
}

func (s *server) handleDaily(w http.ResponseWriter, r *http.Request) {
	st, view, ok := s.resolve(w, r)
	if !ok {
		return
	}

	rows, err := st.LoadDaily(view.Channel)
	if err != nil {
		s.internalError(w, err)

		return
	}

	if rows == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"no daily snapshot for channel"})

		return
	}

	view.Rows = toRows(st.Table(), rows, time.DateOnly)

	writeJSON(w, http.StatusOK, view)
}

func (s *server) handleHistoric(w http.ResponseWriter, r *http.Request) {
	st, view, ok := s.resolve(w, r)
	if !ok {
		return
	}

	ledger, err := st.LoadLedger(view.Channel)
	if err != nil {
		s.internalError(w, err)

		return
	}

	view.Rows = toRows(st.Table(), ledger.Rows(), time.RFC3339Nano)

	writeJSON(w, http.StatusOK, view)
}

// resolve validates the year and channel path parameters and opens the
// store of the year. It writes the error response when ok is false.
func (s *server) resolve(w http.ResponseWriter, r *http.Request) (*store.Store, viewResponse, bool) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid year"})

		return nil, viewResponse{}, false
	}

	channel := chi.URLParam(r, "channel")
	if _, ok := s.channels[channel]; !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{"unknown channel"})

		return nil, viewResponse{}, false
	}

	table, err := s.opts.Tables.Table(r.Context(), year)
	if errors.Is(err, interop.ErrUnknownYear) {
		writeJSON(w, http.StatusNotFound, errorResponse{"unknown year"})

		return nil, viewResponse{}, false
	}

	if err != nil {
		s.internalError(w, err)

		return nil, viewResponse{}, false
	}

	st := store.New(s.log, s.opts.Root, year, table, nil)

	return st, viewResponse{Year: year, Channel: channel, Rows: []rowResponse{}}, true
}

func (s *server) internalError(w http.ResponseWriter, err error) {
	s.log.WithError(err).Error("Request failed")
	writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})
}

func toRows(table aligned.Table, rows []aligned.RunData, dateLayout string) []rowResponse {
	out := make([]rowResponse, 0, len(rows))

	for _, row := range rows {
		scores := make(map[string]map[string]int, len(row.Scores))

		for category, values := range row.Scores {
			byProduct := make(map[string]int, len(table.Products))

			for i, product := range table.Products {
				if i < len(values) {
					byProduct[product] = values[i]
				}
			}

			scores[category] = byProduct
		}

		out = append(out, rowResponse{
			Revision:         row.Revision,
			Date:             row.Date.Format(dateLayout),
			Versions:         row.Versions,
			Scores:           scores,
			Interop:          row.InteropScores,
			MetadataRevision: row.MetadataRevision,
		})
	}

	return out
}
