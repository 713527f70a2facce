package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/ironguard/tickets"
	"github.com/jmcleod/ironguard/users"
)

// CreateTicket handles POST /tickets.
func (a *API) CreateTicket(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[CreateTicketRequest](w, r)
	if !ok {
		return
	}
	u := userFromContext(r.Context())
	t, err := a.tickets.Create(r.Context(), tickets.NewTicket{
		Title:       req.Title,
		Description: req.Description,
		Department:  req.Department,
	}, u.ID, clientFromContext(r.Context()))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// GetTicket handles GET /tickets/{ticketID}.
func (a *API) GetTicket(w http.ResponseWriter, r *http.Request) {
	t, err := a.tickets.Get(r.Context(), chi.URLParam(r, "ticketID"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// UpdateTicket handles PATCH /tickets/{ticketID}.
func (a *API) UpdateTicket(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[UpdateTicketRequest](w, r)
	if !ok {
		return
	}
	u := userFromContext(r.Context())
	t, err := a.tickets.UpdateStatus(r.Context(), chi.URLParam(r, "ticketID"), req.Status, u.ID, clientFromContext(r.Context()))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ListAudit handles GET /audit. Entries are returned newest first.
func (a *API) ListAudit(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	entries, total, err := a.log.List(r.Context(), offset, limit)
	if err != nil {
		a.writeInternalError(w, r, "failed to list audit entries", err)
		return
	}
	writeJSON(w, http.StatusOK, ListAuditResponse{
		Entries:        entries,
		PaginationMeta: newPaginationMeta(total, limit, offset, len(entries)),
	})
}

// VerifyAudit handles GET /audit/verify. The optional "from" and "to"
// query parameters bound the sequence range; an integrity violation is
// still a 200 with valid=false.
func (a *API) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	from, ok := parseSeqParam(w, r, "from")
	if !ok {
		return
	}
	to, ok := parseSeqParam(w, r, "to")
	if !ok {
		return
	}
	report, err := a.log.Verify(r.Context(), from, to)
	if err != nil {
		a.writeInternalError(w, r, "failed to verify audit chain", err)
		return
	}
	if report.Valid {
		a.security.log(eventAuditVerified, r, slog.Int("checked", report.Checked))
	} else {
		a.security.logFailure(eventAuditTampered, r, "hash chain verification failed",
			slog.Int("violations", len(report.Violations)))
	}
	writeJSON(w, http.StatusOK, report)
}

func parseSeqParam(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:  localize(r, codeInvalidRequest),
			Code:   string(codeInvalidRequest),
			Detail: name + " must be a non-negative integer",
		})
		return 0, false
	}
	return n, true
}

// CreateUser handles POST /users.
func (a *API) CreateUser(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[CreateUserRequest](w, r)
	if !ok {
		return
	}
	roles := req.Roles
	if len(roles) == 0 {
		roles = []string{users.RoleAgent}
	}
	actor := userFromContext(r.Context())
	u, err := a.users.Create(r.Context(), users.NewUser{
		Username:    req.Username,
		DisplayName: req.DisplayName,
		Password:    req.Password,
		Roles:       roles,
	}, actor.ID, clientFromContext(r.Context()))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.security.log(eventUserCreated, r, userAttr(actor.ID), slog.String("created_user_id", u.ID))
	writeJSON(w, http.StatusCreated, newUserResponse(u))
}
