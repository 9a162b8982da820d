package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"finetune-core/core/models"
	"finetune-core/core/repository"
)

// Pagination defaults for list endpoints.
const (
	DefaultItemsPerPage = 20
	MaxItemsPerPage     = 100

	dateLayout = "2006-01-02"
)

var logger = log.WithField("component", "http")

// Pagination describes the page returned by a list endpoint
type Pagination struct {
	Page         int `json:"page"`
	ItemsPerPage int `json:"items_per_page"`
	TotalItems   int `json:"total_items"`
	TotalPages   int `json:"total_pages"`
}

func newPagination(page repository.Page, total int) Pagination {
	pages := 0
	if page.Size > 0 {
		pages = (total + page.Size - 1) / page.Size
	}
	return Pagination{Page: page.Number, ItemsPerPage: page.Size, TotalItems: total, TotalPages: pages}
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.WithError(err).Warn("failed to write response")
	}
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidArgument), errors.Is(err, models.ErrInsufficientCredits):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrDuplicateName), errors.Is(err, models.ErrDuplicateTransaction),
		errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrInvalidProgress):
		return http.StatusConflict
	case errors.Is(err, models.ErrTransientConflict):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrSchedulerUnavailable), errors.Is(err, models.ErrSchedulerRejected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	entry := logger.WithError(err).WithFields(log.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": status,
	})
	msg := err.Error()
	if status == http.StatusInternalServerError {
		entry.Error("request failed")
		msg = "internal error"
	} else {
		entry.Debug("request rejected")
	}
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func badRequest(w http.ResponseWriter, r *http.Request, format string, args ...interface{}) {
	writeError(w, r, errors.Wrapf(models.ErrInvalidArgument, format, args...))
}

// parsePage reads page and items_per_page. Missing values take defaults;
// items_per_page is capped at MaxItemsPerPage.
func parsePage(r *http.Request) (repository.Page, error) {
	page := repository.Page{Number: 1, Size: DefaultItemsPerPage}
	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return page, errors.Wrapf(models.ErrInvalidArgument, "invalid page %q", v)
		}
		page.Number = n
	}
	if v := q.Get("items_per_page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return page, errors.Wrapf(models.ErrInvalidArgument, "invalid items_per_page %q", v)
		}
		if n > MaxItemsPerPage {
			n = MaxItemsPerPage
		}
		page.Size = n
	}
	return page, nil
}

// parseDateRange reads start_date and end_date (YYYY-MM-DD, UTC). Both ends are
// inclusive, so the range ends at the start of the day after end_date.
func parseDateRange(r *http.Request) (repository.TimeRange, error) {
	var tr repository.TimeRange
	q := r.URL.Query()
	if v := q.Get("start_date"); v != "" {
		start, err := time.Parse(dateLayout, v)
		if err != nil {
			return tr, errors.Wrapf(models.ErrInvalidArgument, "invalid start_date %q, want YYYY-MM-DD", v)
		}
		tr.Start = &start
	}
	if v := q.Get("end_date"); v != "" {
		end, err := time.Parse(dateLayout, v)
		if err != nil {
			return tr, errors.Wrapf(models.ErrInvalidArgument, "invalid end_date %q, want YYYY-MM-DD", v)
		}
		if tr.Start != nil && end.Before(*tr.Start) {
			return tr, errors.Wrap(models.ErrInvalidArgument, "end_date is before start_date")
		}
		end = end.AddDate(0, 0, 1)
		tr.End = &end
	}
	return tr, nil
}
