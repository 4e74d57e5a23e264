package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/agentlab/internal/domain"
	"github.com/xela07ax/agentlab/internal/nlu"
	"github.com/xela07ax/agentlab/internal/orchestrator"
)

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.opts.Issuer.GenerateToken(r.Context(), req.Username, req.Password)
	if err != nil {
		// не уточняем, что именно неверно (логин или пароль)
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: "invalid credentials"})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.ListAgents())
}

func (s *Server) createAgent(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateAgentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.svc.CreateAgent(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

type agentHandler func(w http.ResponseWriter, r *http.Request, id int64)

// withAgent разбирает {id} и вызывает h; ошибка разбора — 400.
func (s *Server) withAgent(h agentHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := agentID(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		h(w, r, id)
	}
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request, id int64) {
	a, err := s.svc.GetAgent(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) deleteAgent(w http.ResponseWriter, r *http.Request, id int64) {
	if err := s.svc.DeleteAgent(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("Agent %d deleted", id)})
}

func (s *Server) trainAgent(w http.ResponseWriter, r *http.Request, id int64) {
	job, err := s.svc.TrainAgent(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) trainingJob(w http.ResponseWriter, r *http.Request, id int64) {
	job, err := s.svc.TrainingJob(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request, id int64) {
	var req orchestrator.MessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.svc.SendMessage(r.Context(), id, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) stopAgent(w http.ResponseWriter, r *http.Request, id int64) {
	res, err := s.svc.StopAgent(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) reassignPort(w http.ResponseWriter, r *http.Request, id int64) {
	a, err := s.svc.ReassignPort(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) markRequiresTraining(w http.ResponseWriter, r *http.Request, id int64) {
	a, err := s.svc.MarkRequiresTraining(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) agentHealth(w http.ResponseWriter, r *http.Request, id int64) {
	h, err := s.svc.AgentHealth(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) getNLU(w http.ResponseWriter, r *http.Request, id int64) {
	data, err := s.svc.LoadNLU(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) putNLU(w http.ResponseWriter, r *http.Request, id int64) {
	var req struct {
		NLUData *nlu.Data `json:"nlu_data"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.UpdateNLU(id, req.NLUData)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listIntents(w http.ResponseWriter, r *http.Request, id int64) {
	intents, err := s.svc.ListIntents(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, intents)
}

func (s *Server) createIntent(w http.ResponseWriter, r *http.Request, id int64) {
	var in nlu.Intent
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.svc.CreateIntent(id, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) replaceIntent(w http.ResponseWriter, r *http.Request, id int64) {
	var in nlu.Intent
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.svc.ReplaceIntent(id, chi.URLParam(r, "name"), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) deleteIntent(w http.ResponseWriter, r *http.Request, id int64) {
	name := chi.URLParam(r, "name")
	if err := s.svc.DeleteIntent(id, name); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("Intent '%s' deleted successfully", name)})
}

func (s *Server) listEntities(w http.ResponseWriter, r *http.Request, id int64) {
	entities, err := s.svc.ListEntities(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entities)
}

func (s *Server) createEntity(w http.ResponseWriter, r *http.Request, id int64) {
	var in nlu.Entity
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.svc.CreateEntity(id, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) replaceEntity(w http.ResponseWriter, r *http.Request, id int64) {
	var in nlu.Entity
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.svc.ReplaceEntity(id, chi.URLParam(r, "name"), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) deleteEntity(w http.ResponseWriter, r *http.Request, id int64) {
	name := chi.URLParam(r, "name")
	if err := s.svc.DeleteEntity(id, name); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("Entity '%s' deleted successfully", name)})
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request, id int64) {
	f := domain.DialogFilter{Intent: r.URL.Query().Get("intent")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, r, fmt.Errorf("%w: invalid limit %q", domain.ErrInvalidRequest, raw))
			return
		}
		f.Limit = limit
	}
	logs, err := s.svc.ListLogs(r.Context(), id, f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) logStats(w http.ResponseWriter, r *http.Request, id int64) {
	st, err := s.svc.LogStats(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) logIntents(w http.ResponseWriter, r *http.Request, id int64) {
	in, err := s.svc.LogIntents(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) getLog(w http.ResponseWriter, r *http.Request, id int64) {
	e, err := s.svc.GetLog(r.Context(), id, chi.URLParam(r, "logID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) clearLogs(w http.ResponseWriter, r *http.Request, id int64) {
	n, err := s.svc.ClearLogs(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": fmt.Sprintf("All logs for agent %d cleared", id),
		"deleted": n,
	})
}
