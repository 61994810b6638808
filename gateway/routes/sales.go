package routes

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nftmarket/integrations/exports"
	"nftmarket/integrations/history"
)

// HeaderChecksum carries the SHA-256 of an export body.
const HeaderChecksum = "X-Content-SHA256"

var errHistoryDisabled = errors.New("sales history is not enabled")

func parseSalesQuery(r *http.Request) (history.Query, error) {
	values := r.URL.Query()
	q := history.Query{
		Account: normalizeID(values.Get("account")),
		UID:     normalizeID(values.Get("uid")),
		Outcome: strings.TrimSpace(values.Get("outcome")),
	}
	var err error
	if q.Since, err = parseTimeParam(values.Get("since")); err != nil {
		return q, fmt.Errorf("invalid since: %w", err)
	}
	if q.Until, err = parseTimeParam(values.Get("until")); err != nil {
		return q, fmt.Errorf("invalid until: %w", err)
	}
	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		if q.Limit, err = strconv.Atoi(raw); err != nil || q.Limit < 0 {
			return q, errors.New("invalid limit")
		}
	}
	if raw := strings.TrimSpace(values.Get("offset")); raw != "" {
		if q.Offset, err = strconv.Atoi(raw); err != nil || q.Offset < 0 {
			return q, errors.New("invalid offset")
		}
	}
	return q, nil
}

func parseTimeParam(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func (a *api) loadSales(w http.ResponseWriter, r *http.Request) ([]history.Sale, bool) {
	if a.archive == nil {
		writeJSONError(w, http.StatusNotFound, errHistoryDisabled)
		return nil, false
	}
	q, err := parseSalesQuery(r)
	if err != nil {
		writeBadRequest(w, err)
		return nil, false
	}
	sales, err := a.archive.Sales(r.Context(), q)
	if err != nil {
		writeInternalError(w, err)
		return nil, false
	}
	return sales, true
}

func (a *api) sales(w http.ResponseWriter, r *http.Request) {
	sales, ok := a.loadSales(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sales": sales})
}

func (a *api) exportCSV(w http.ResponseWriter, r *http.Request) {
	a.export(w, r, "text/csv", "csv", exports.SalesCSV)
}

func (a *api) exportJSONL(w http.ResponseWriter, r *http.Request) {
	a.export(w, r, "application/x-ndjson", "jsonl", exports.SalesJSONL)
}

func (a *api) exportParquet(w http.ResponseWriter, r *http.Request) {
	a.export(w, r, "application/vnd.apache.parquet", "parquet", exports.SalesParquet)
}

func (a *api) export(w http.ResponseWriter, r *http.Request, contentType, ext string, build func([]history.Sale) ([]byte, string, error)) {
	sales, ok := a.loadSales(w, r)
	if !ok {
		return
	}
	data, checksum, err := build(sales)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="sales.%s"`, ext))
	w.Header().Set(HeaderChecksum, checksum)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
