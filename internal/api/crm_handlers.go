package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/gimmicks/leadpipe/internal/models"
)

// leadsHandler lists leads, optionally filtered by stage and classification.
func (s *Server) leadsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stage := r.URL.Query().Get("stage")
	if stage != "" && !models.IsValidStage(stage) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid stage filter: "+stage))
		return
	}
	classification := models.Classification(r.URL.Query().Get("classification"))
	if classification != "" && !models.IsValidClassification(classification) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid classification filter: "+string(classification)))
		return
	}

	leads, err := s.st.ListLeads(stage, classification)
	if err != nil {
		slog.Error("Server.leadsHandler: list failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list leads"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(leads))
}

// quotesHandler lists quotes, or returns one when ?id= is given.
func (s *Server) quotesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if id := r.URL.Query().Get("id"); id != "" {
		q, err := s.st.GetQuote(id)
		if err != nil {
			slog.Error("Server.quotesHandler: load failed", "error", err, "id", id)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load quote"))
			return
		}
		if q == nil {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Quote not found"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(q))
		return
	}

	quotes, err := s.st.ListQuotes()
	if err != nil {
		slog.Error("Server.quotesHandler: list failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list quotes"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(quotes))
}

// rulesHandler manages automation rules: list (GET), create or update (POST),
// delete (DELETE ?id=).
func (s *Server) rulesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	switch r.Method {
	case http.MethodGet:
		ruleSet, err := s.st.ListRules()
		if err != nil {
			slog.Error("Server.rulesHandler: list failed", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list rules"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(ruleSet))

	case http.MethodPost:
		var rule models.AutomationRule
		if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		if rule.ID == "" {
			rule.ID = uuid.NewString()
			rule.CreatedAt = time.Now()
		}
		if err := rule.Validate(); err != nil {
			slog.Warn("Server.rulesHandler: validation failed", "error", err, "rule", rule.Name)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		if err := s.st.SaveRule(rule); err != nil {
			slog.Error("Server.rulesHandler: save failed", "error", err, "rule", rule.Name)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save rule"))
			return
		}
		slog.Info("Server.rulesHandler: rule saved", "rule", rule.Name, "trigger", rule.TriggerType, "action", rule.ActionType)
		writeJSONResponse(w, http.StatusOK, models.Success(rule))

	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "" {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameter: id"))
			return
		}
		if err := s.st.DeleteRule(id); err != nil {
			slog.Error("Server.rulesHandler: delete failed", "error", err, "id", id)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete rule"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Rule deleted", nil))

	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// productsHandler lists or searches the catalog (GET ?q=) and upserts
// products (POST).
func (s *Server) productsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	switch r.Method {
	case http.MethodGet:
		var (
			products []models.Product
			err      error
		)
		if q := r.URL.Query().Get("q"); q != "" {
			products, err = s.st.SearchProducts(q)
		} else {
			products, err = s.st.ListProducts()
		}
		if err != nil {
			slog.Error("Server.productsHandler: list failed", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list products"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(products))

	case http.MethodPost:
		var p models.Product
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		if p.Code == "" || p.Name == "" {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required fields: code, name"))
			return
		}
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if err := s.st.SaveProduct(p); err != nil {
			slog.Error("Server.productsHandler: save failed", "error", err, "code", p.Code)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save product"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(p))

	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
