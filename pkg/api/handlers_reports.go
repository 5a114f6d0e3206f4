package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ethpandaops/flakeoor/pkg/ingest"
	"github.com/mitchellh/mapstructure"
)

// handleIngestReport ingests a raw report body into a new run described
// by the query parameters.
func (s *server) handleIngestReport(w http.ResponseWriter, r *http.Request) {
	md, err := decodeRunMetadata(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")

		return
	}

	s.ingestReport(w, r, nil, md)
}

// handleIngestIntoRun ingests a raw report body into an existing run.
func (s *server) handleIngestIntoRun(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")

		return
	}

	s.ingestReport(w, r, &id, ingest.RunMetadata{})
}

func (s *server) ingestReport(
	w http.ResponseWriter,
	r *http.Request,
	runID *uint,
	md ingest.RunMetadata,
) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUpload))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("report exceeds %d bytes", tooLarge.Limit), "")

			return
		}

		writeError(w, http.StatusBadRequest, "reading request body: "+err.Error(), "")

		return
	}

	res, err := s.ingest.Ingest(r.Context(), data, runID, md)
	if err != nil {
		s.writeIngestError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, res)
}

// writeIngestError maps the ingestion error taxonomy onto HTTP statuses.
func (s *server) writeIngestError(w http.ResponseWriter, err error) {
	kind := ingest.Kind(err)

	switch kind {
	case ingest.KindEmptyReport, ingest.KindMalformedReport:
		writeError(w, http.StatusBadRequest, err.Error(), kind)
	case ingest.KindRunNotFound:
		writeError(w, http.StatusNotFound, err.Error(), kind)
	default:
		s.log.WithError(err).Error("Ingestion failed")
		writeError(w, http.StatusInternalServerError, "internal error", kind)
	}
}

// decodeRunMetadata decodes run metadata from query parameters. Only the
// first value of a repeated parameter is used; timestamps are RFC 3339.
func decodeRunMetadata(q url.Values) (ingest.RunMetadata, error) {
	var md ingest.RunMetadata

	input := make(map[string]any, len(q))
	for k := range q {
		input[k] = q.Get(k)
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339),
		WeaklyTypedInput: true,
		Result:           &md,
	})
	if err != nil {
		return md, fmt.Errorf("creating metadata decoder: %w", err)
	}

	if err := dec.Decode(input); err != nil {
		return md, fmt.Errorf("invalid run metadata: %w", err)
	}

	return md, nil
}
