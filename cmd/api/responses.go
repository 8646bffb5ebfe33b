package main

import (
	"encoding/json"
	"net/http"
	"time"

	"settleflow/casefile"
	"settleflow/reconcile"
	"settleflow/settlement"
	"settleflow/statement"
	"settleflow/timeline"
)

type caseResponse struct {
	ID              string `json:"id"`
	ReferenceNumber string `json:"referenceNumber"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	Stage           string `json:"stage"`
	CreatedByUserID string `json:"createdByUserId"`
	CreatedAt       string `json:"createdAt"`
	UpdatedAt       string `json:"updatedAt"`
}

func caseResponseFrom(c casefile.Case) caseResponse {
	return caseResponse{
		ID:              c.ID,
		ReferenceNumber: c.ReferenceNumber,
		Title:           c.Title,
		Description:     c.Description,
		Stage:           string(c.Stage),
		CreatedByUserID: c.CreatedByUserID,
		CreatedAt:       c.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       c.UpdatedAt.Format(time.RFC3339),
	}
}

type partyResponse struct {
	ID        string `json:"id"`
	CaseID    string `json:"caseId"`
	UserID    string `json:"userId"`
	Role      string `json:"role"`
	Responded bool   `json:"responded"`
	CreatedAt string `json:"createdAt"`
}

func partyResponseFrom(p casefile.Party) partyResponse {
	return partyResponse{
		ID:        p.ID,
		CaseID:    p.CaseID,
		UserID:    p.UserID,
		Role:      string(p.Role),
		Responded: p.Responded,
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
	}
}

type statementResponse struct {
	ID        string  `json:"id"`
	CaseID    string  `json:"caseId"`
	PartyID   string  `json:"partyId"`
	Content   string  `json:"content"`
	Finalized bool    `json:"finalized"`
	CreatedAt string  `json:"createdAt"`
	EditedAt  *string `json:"editedAt,omitempty"`
}

func statementResponseFrom(st statement.Statement) statementResponse {
	resp := statementResponse{
		ID:        st.ID,
		CaseID:    st.CaseID,
		PartyID:   st.PartyID,
		Content:   st.Content,
		Finalized: st.Finalized,
		CreatedAt: st.CreatedAt.Format(time.RFC3339),
	}
	if st.EditedAt != nil {
		edited := st.EditedAt.Format(time.RFC3339)
		resp.EditedAt = &edited
	}
	return resp
}

type variantResponse struct {
	ID        string `json:"id"`
	Position  int    `json:"position"`
	Title     string `json:"title"`
	Terms     string `json:"terms"`
	Rationale string `json:"rationale"`
}

type optionSetResponse struct {
	ID          string            `json:"id"`
	CaseID      string            `json:"caseId"`
	Status      string            `json:"status"`
	GeneratedAt string            `json:"generatedAt"`
	ExpiresAt   string            `json:"expiresAt"`
	Variants    []variantResponse `json:"variants"`
}

func optionSetResponseFrom(set settlement.OptionSet) optionSetResponse {
	variants := make([]variantResponse, 0, len(set.Variants))
	for _, v := range set.Variants {
		variants = append(variants, variantResponse{
			ID:        v.ID,
			Position:  v.Position,
			Title:     v.Title,
			Terms:     v.Terms,
			Rationale: v.Rationale,
		})
	}
	return optionSetResponse{
		ID:          set.ID,
		CaseID:      set.CaseID,
		Status:      string(set.Status),
		GeneratedAt: set.GeneratedAt.Format(time.RFC3339),
		ExpiresAt:   set.ExpiresAt.Format(time.RFC3339),
		Variants:    variants,
	}
}

type selectionResponse struct {
	ID              string `json:"id"`
	OptionSetID     string `json:"optionSetId"`
	PartyID         string `json:"partyId"`
	OptionVariantID string `json:"optionVariantId"`
	Reasoning       string `json:"reasoning,omitempty"`
	SelectedAt      string `json:"selectedAt"`
}

func selectionResponseFrom(sel settlement.Selection) selectionResponse {
	return selectionResponse{
		ID:              sel.ID,
		OptionSetID:     sel.OptionSetID,
		PartyID:         sel.PartyID,
		OptionVariantID: sel.OptionVariantID,
		Reasoning:       sel.Reasoning,
		SelectedAt:      sel.SelectedAt.Format(time.RFC3339),
	}
}

type consensusResponse struct {
	BothSelected bool                `json:"bothSelected"`
	SameOption   bool                `json:"sameOption"`
	Selections   []selectionResponse `json:"selections"`
}

func consensusResponseFrom(report settlement.ConsensusReport) consensusResponse {
	selections := make([]selectionResponse, 0, len(report.Selections))
	for _, sel := range report.Selections {
		selections = append(selections, selectionResponseFrom(sel))
	}
	return consensusResponse{
		BothSelected: report.BothSelected,
		SameOption:   report.SameOption,
		Selections:   selections,
	}
}

type solutionResponse struct {
	ID                     string   `json:"id"`
	CaseID                 string   `json:"caseId"`
	OptionSetID            string   `json:"optionSetId"`
	Summary                string   `json:"summary"`
	Terms                  string   `json:"terms"`
	ConcessionsComplainant []string `json:"concessionsComplainant"`
	ConcessionsRespondent  []string `json:"concessionsRespondent"`
	AcceptanceEstimate     *float64 `json:"acceptanceEstimate,omitempty"`
	Structured             bool     `json:"structured"`
	RawResponse            *string  `json:"rawResponse,omitempty"`
	CreatedAt              string   `json:"createdAt"`
}

func solutionResponseFrom(sol reconcile.CombinedSolution) solutionResponse {
	return solutionResponse{
		ID:                     sol.ID,
		CaseID:                 sol.CaseID,
		OptionSetID:            sol.OptionSetID,
		Summary:                sol.Summary,
		Terms:                  sol.Terms,
		ConcessionsComplainant: sol.ConcessionsComplainant,
		ConcessionsRespondent:  sol.ConcessionsRespondent,
		AcceptanceEstimate:     sol.AcceptanceEstimate,
		Structured:             sol.Structured,
		RawResponse:            sol.RawResponse,
		CreatedAt:              sol.CreatedAt.Format(time.RFC3339),
	}
}

type outcomeResponse struct {
	Structured bool              `json:"structured"`
	Solution   *solutionResponse `json:"solution,omitempty"`
	Raw        string            `json:"raw,omitempty"`
}

func outcomeResponseFrom(outcome reconcile.Outcome) outcomeResponse {
	resp := outcomeResponse{Structured: outcome.Structured}
	sol := solutionResponseFrom(outcome.Solution)
	resp.Solution = &sol
	if !outcome.Structured {
		resp.Raw = outcome.Raw
	}
	return resp
}

type eventResponse struct {
	ID          int64          `json:"id"`
	CaseID      string         `json:"caseId"`
	Type        string         `json:"type"`
	ActorID     *string        `json:"actorId,omitempty"`
	Description string         `json:"description"`
	Payload     map[string]any `json:"payload,omitempty"`
	IsPublic    bool           `json:"isPublic"`
	CreatedAt   string         `json:"createdAt"`
}

func eventResponseFrom(ev timeline.Event) eventResponse {
	return eventResponse{
		ID:          ev.ID,
		CaseID:      ev.CaseID,
		Type:        ev.Type,
		ActorID:     ev.ActorID,
		Description: ev.Description,
		Payload:     ev.Payload,
		IsPublic:    ev.IsPublic,
		CreatedAt:   ev.CreatedAt.Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
