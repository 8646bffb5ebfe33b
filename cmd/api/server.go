package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"settleflow/auth"
	"settleflow/casefile"
	"settleflow/reasoning"
	"settleflow/reconcile"
	"settleflow/settlement"
	"settleflow/statement"
	"settleflow/timeline"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "userID"
	ctxKeyRole   ctxKey = "role"
)

// Service surfaces consumed by the handlers. Kept as interfaces so handler
// tests can stub them without a database.
type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

type caseService interface {
	File(ctx context.Context, params casefile.FileParams) (casefile.Case, error)
	Engage(ctx context.Context, caseID, userID string) (casefile.Party, error)
	Transition(ctx context.Context, params casefile.TransitionParams) (casefile.Case, error)
	Get(ctx context.Context, caseID string) (casefile.Case, error)
	List(ctx context.Context, userID string) ([]casefile.Case, error)
	Parties(ctx context.Context, caseID string) ([]casefile.Party, error)
	EvaluateStatements(ctx context.Context, caseID string) (casefile.Case, error)
	EvaluateSelections(ctx context.Context, caseID, optionSetID string) (casefile.SelectionOutcome, error)
}

type statementService interface {
	Submit(ctx context.Context, caseID, partyID, content string) (statement.Statement, error)
	Edit(ctx context.Context, statementID, partyID, content string) (statement.Statement, error)
	Delete(ctx context.Context, statementID, partyID string) error
	Finalize(ctx context.Context, statementID, partyID string) (statement.Statement, error)
	Get(ctx context.Context, statementID string) (statement.Statement, error)
	ListByCase(ctx context.Context, caseID string) ([]statement.Statement, error)
}

type settlementService interface {
	Generate(ctx context.Context, caseID, analysisContext string) (settlement.OptionSet, error)
	Regenerate(ctx context.Context, caseID, analysisContext string) (settlement.OptionSet, error)
	GetActive(ctx context.Context, caseID string) (settlement.OptionSet, error)
	GetSet(ctx context.Context, setID string) (settlement.OptionSet, error)
	Select(ctx context.Context, params settlement.SelectParams) (settlement.Selection, error)
	CheckConsensus(ctx context.Context, optionSetID string) (settlement.ConsensusReport, error)
}

type reconcileService interface {
	Reconcile(ctx context.Context, caseID, optionSetID string) (reconcile.Outcome, error)
	History(ctx context.Context, caseID string) ([]reconcile.CombinedSolution, error)
}

type timelineService interface {
	List(ctx context.Context, caseID string, publicOnly bool) ([]timeline.Event, error)
}

type Server struct {
	authService       authService
	caseService       caseService
	statementService  statementService
	settlementService settlementService
	reconcileService  reconcileService
	timelineService   timelineService
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/cases", s.withAuth(s.handleCases))
	mux.HandleFunc("/api/cases/", s.withAuth(s.handleCaseDetail))
	mux.HandleFunc("/api/statements/", s.withAuth(s.handleStatementDetail))
	mux.HandleFunc("/api/options/", s.withAuth(s.handleOptionSetDetail))
	return mux
}

// withAuth verifies the bearer token and stows the caller's identity on the
// request context.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, role, err := s.authService.VerifyToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	}
}

func userIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	return id
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateEmail):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, auth.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       user.ID,
		"email":    user.Email,
		"fullName": user.FullName,
		"role":     user.Role,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user":  map[string]any{"id": result.User.ID, "role": result.User.Role},
	})
}

func (s *Server) handleCases(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Title       string `json:"title"`
			Description string `json:"description"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		c, err := s.caseService.File(r.Context(), casefile.FileParams{
			Title:       req.Title,
			Description: req.Description,
			FiledByID:   userIDFrom(r),
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, caseResponseFrom(c))
	case http.MethodGet:
		cases, err := s.caseService.List(r.Context(), userIDFrom(r))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		items := make([]caseResponse, 0, len(cases))
		for _, c := range cases {
			items = append(items, caseResponseFrom(c))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleCaseDetail routes /api/cases/{id} and its sub-resources.
func (s *Server) handleCaseDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/cases/"), "/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, "case id required")
		return
	}
	parts := strings.Split(rest, "/")
	caseID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		c, err := s.caseService.Get(r.Context(), caseID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, caseResponseFrom(c))
		return
	}

	switch parts[1] {
	case "engage":
		s.handleEngage(w, r, caseID)
	case "transition":
		s.handleTransition(w, r, caseID)
	case "evaluate":
		s.handleEvaluateSelections(w, r, caseID)
	case "parties":
		s.handleParties(w, r, caseID)
	case "statements":
		s.handleCaseStatements(w, r, caseID)
	case "options":
		s.handleCaseOptions(w, r, caseID)
	case "reconcile":
		s.handleReconcile(w, r, caseID)
	case "solutions":
		s.handleSolutions(w, r, caseID)
	case "timeline":
		s.handleTimeline(w, r, caseID)
	default:
		writeError(w, http.StatusNotFound, "unknown resource")
	}
}

func (s *Server) handleEngage(w http.ResponseWriter, r *http.Request, caseID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	party, err := s.caseService.Engage(r.Context(), caseID, userIDFrom(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, partyResponseFrom(party))
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, caseID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Next   string `json:"next"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	c, err := s.caseService.Transition(r.Context(), casefile.TransitionParams{
		CaseID:  caseID,
		ActorID: userIDFrom(r),
		Next:    casefile.Stage(req.Next),
		Reason:  req.Reason,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, caseResponseFrom(c))
}

// handleEvaluateSelections re-checks an option set for consensus and moves
// the case forward when both parties have spoken.
func (s *Server) handleEvaluateSelections(w http.ResponseWriter, r *http.Request, caseID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		OptionSetID string `json:"optionSetId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	outcome, err := s.caseService.EvaluateSelections(r.Context(), caseID, req.OptionSetID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"case":      caseResponseFrom(outcome.Case),
		"consensus": consensusResponseFrom(outcome.Report),
	})
}

func (s *Server) handleParties(w http.ResponseWriter, r *http.Request, caseID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	parties, err := s.caseService.Parties(r.Context(), caseID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	items := make([]partyResponse, 0, len(parties))
	for _, p := range parties {
		items = append(items, partyResponseFrom(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleCaseStatements(w http.ResponseWriter, r *http.Request, caseID string) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		partyID, err := s.callerParty(r, caseID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		st, err := s.statementService.Submit(r.Context(), caseID, partyID, req.Content)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, statementResponseFrom(st))
	case http.MethodGet:
		statements, err := s.statementService.ListByCase(r.Context(), caseID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		items := make([]statementResponse, 0, len(statements))
		for _, st := range statements {
			items = append(items, statementResponseFrom(st))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleStatementDetail routes /api/statements/{id}. After a finalize the
// case is re-evaluated so completeness advances the stage without a
// separate poll.
func (s *Server) handleStatementDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/statements/"), "/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, "statement id required")
		return
	}
	parts := strings.Split(rest, "/")
	statementID := parts[0]

	// The acting party comes from the verified token, never from the
	// request body, so one party cannot mutate the other's statements.
	current, err := s.statementService.Get(r.Context(), statementID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	partyID, err := s.callerParty(r, current.CaseID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if len(parts) == 2 && parts[1] == "finalize" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		st, err := s.statementService.Finalize(r.Context(), statementID, partyID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if _, err := s.caseService.EvaluateStatements(r.Context(), st.CaseID); err != nil {
			log.Printf("evaluate statements after finalize: %v", err)
		}
		writeJSON(w, http.StatusOK, statementResponseFrom(st))
		return
	}

	switch r.Method {
	case http.MethodPatch:
		var req struct {
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		st, err := s.statementService.Edit(r.Context(), statementID, partyID, req.Content)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, statementResponseFrom(st))
	case http.MethodDelete:
		if err := s.statementService.Delete(r.Context(), statementID, partyID); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleCaseOptions(w http.ResponseWriter, r *http.Request, caseID string) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			AnalysisContext string `json:"analysisContext"`
			Regenerate      bool   `json:"regenerate"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		generate := s.settlementService.Generate
		if req.Regenerate {
			generate = s.settlementService.Regenerate
		}
		set, err := generate(r.Context(), caseID, req.AnalysisContext)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, optionSetResponseFrom(set))
	case http.MethodGet:
		set, err := s.settlementService.GetActive(r.Context(), caseID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, optionSetResponseFrom(set))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleOptionSetDetail routes /api/options/{id}/selections and
// /api/options/{id}/consensus.
func (s *Server) handleOptionSetDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/options/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "option set id and resource required")
		return
	}
	setID := parts[0]

	switch parts[1] {
	case "selections":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req struct {
			OptionVariantID string `json:"optionVariantId"`
			Reasoning       string `json:"reasoning"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		// The selecting party comes from the verified token; accepting it
		// from the body would let one party pick on the other's behalf and
		// fabricate consensus.
		set, err := s.settlementService.GetSet(r.Context(), setID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		partyID, err := s.callerParty(r, set.CaseID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		sel, err := s.settlementService.Select(r.Context(), settlement.SelectParams{
			OptionSetID:     setID,
			PartyID:         partyID,
			OptionVariantID: req.OptionVariantID,
			Reasoning:       req.Reasoning,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, selectionResponseFrom(sel))
	case "consensus":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		report, err := s.settlementService.CheckConsensus(r.Context(), setID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, consensusResponseFrom(report))
	default:
		writeError(w, http.StatusNotFound, "unknown resource")
	}
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request, caseID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		OptionSetID string `json:"optionSetId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	outcome, err := s.reconcileService.Reconcile(r.Context(), caseID, req.OptionSetID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponseFrom(outcome))
}

func (s *Server) handleSolutions(w http.ResponseWriter, r *http.Request, caseID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	solutions, err := s.reconcileService.History(r.Context(), caseID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	items := make([]solutionResponse, 0, len(solutions))
	for _, sol := range solutions {
		items = append(items, solutionResponseFrom(sol))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request, caseID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	// Non-public events are visible to admins only.
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	publicOnly := r.URL.Query().Get("all") == "" || role != auth.RoleAdmin
	events, err := s.timelineService.List(r.Context(), caseID, publicOnly)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	items := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		items = append(items, eventResponseFrom(ev))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// callerParty resolves the authenticated user to their party row on the case.
func (s *Server) callerParty(r *http.Request, caseID string) (string, error) {
	parties, err := s.caseService.Parties(r.Context(), caseID)
	if err != nil {
		return "", err
	}
	userID := userIDFrom(r)
	for _, p := range parties {
		if p.UserID == userID {
			return p.ID, nil
		}
	}
	return "", casefile.ErrNotFound
}

// writeDomainError maps package sentinel errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, casefile.ErrNotFound),
		errors.Is(err, statement.ErrNotFound),
		errors.Is(err, settlement.ErrNotFound),
		errors.Is(err, settlement.ErrNoActiveSet),
		errors.Is(err, reconcile.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, statement.ErrPartyMismatch),
		errors.Is(err, statement.ErrNotOwner):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, settlement.ErrUnknownVariant),
		errors.Is(err, reconcile.ErrSetMismatch):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, casefile.ErrInvalidTransition),
		errors.Is(err, casefile.ErrRespondentBound),
		errors.Is(err, casefile.ErrAlreadyParty),
		errors.Is(err, casefile.ErrSelectionPending),
		errors.Is(err, statement.ErrPhaseClosed),
		errors.Is(err, statement.ErrEditWindowExpired),
		errors.Is(err, statement.ErrDeleteWindowExpired),
		errors.Is(err, statement.ErrAlreadyFinalized),
		errors.Is(err, settlement.ErrDuplicateActiveSet),
		errors.Is(err, settlement.ErrSetNotActive),
		errors.Is(err, reconcile.ErrNoDivergence):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, reasoning.ErrUnavailable),
		errors.Is(err, settlement.ErrMalformedOptions):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
