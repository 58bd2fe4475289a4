package agent

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quizslot/go/internal/backend"
	"github.com/mcdev12/quizslot/go/internal/join"
	"github.com/mcdev12/quizslot/go/internal/rounds"
	"github.com/mcdev12/quizslot/go/internal/session"
)

// Server is the local HTTP API a quiz UI talks to.
type Server struct {
	agent *Agent
	hub   *Hub
}

func NewServer(agent *Agent, hub *Hub) *Server {
	return &Server{agent: agent, hub: hub}
}

// Handler returns the routes wrapped in CORS for allowedOrigins.
func (s *Server) Handler(allowedOrigins []string) http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedOrigins: allowedOrigins,
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(mux)
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/rounds", s.handleRounds)
	mux.HandleFunc("POST /v1/sessions", s.handleOpen)
	mux.HandleFunc("GET /v1/sessions/{roundID}", s.handleGet)
	mux.HandleFunc("DELETE /v1/sessions/{roundID}", s.handleLeave)
	mux.HandleFunc("POST /v1/sessions/{roundID}/join", s.handleJoin)
	mux.HandleFunc("POST /v1/sessions/{roundID}/answers", s.handleAnswer)
	mux.HandleFunc("POST /v1/sessions/{roundID}/submit", s.handleSubmit)
	mux.HandleFunc("GET /v1/sessions/{roundID}/ws", s.handleWebSocket)
}

type openRequest struct {
	RoundID  string `json:"round_id"`
	Category string `json:"category"`
}

type answerRequest struct {
	QuestionID string `json:"question_id"`
	OptionID   string `json:"option_id"`
}

type joinResponse struct {
	Join    *JoinResult  `json:"join"`
	Session session.View `json:"session"`
}

type errorResponse struct {
	Error   string        `json:"error"`
	Session *session.View `json:"session,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.Health())
}

func (s *Server) handleRounds(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	if category == "" {
		writeError(w, http.StatusBadRequest, errors.New("category is required"), nil)
		return
	}
	view, err := s.agent.Rounds(r.Context(), category)
	if err != nil {
		log.Error().Err(err).Str("category", category).Msg("failed to list rounds")
		writeError(w, http.StatusBadGateway, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoundID == "" {
		writeError(w, http.StatusBadRequest, errors.New("round_id is required"), nil)
		return
	}

	sess, created, err := s.agent.Open(r.Context(), req.Category, req.RoundID)
	if err != nil {
		var view *session.View
		if sess != nil {
			v := sess.View()
			view = &v
		}
		writeError(w, statusFor(err), err, view)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, sess.View())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.agent.Session(r.PathValue("roundID"))
	if err != nil {
		writeError(w, statusFor(err), err, nil)
		return
	}
	writeJSON(w, http.StatusOK, sess.View())
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.Leave(r.PathValue("roundID")); err != nil {
		writeError(w, statusFor(err), err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	roundID := r.PathValue("roundID")
	outcome, err := s.agent.Join(r.Context(), roundID)
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, session.ErrInvalidPhase) {
		writeError(w, statusFor(err), err, nil)
		return
	}
	sess, serr := s.agent.Session(roundID)
	if serr != nil {
		writeError(w, statusFor(serr), serr, nil)
		return
	}

	status := http.StatusOK
	if outcome.Kind == join.KindError {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, joinResponse{Join: newJoinResult(outcome), Session: sess.View()})
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	sess, err := s.agent.Session(r.PathValue("roundID"))
	if err != nil {
		writeError(w, statusFor(err), err, nil)
		return
	}
	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.QuestionID == "" || req.OptionID == "" {
		writeError(w, http.StatusBadRequest, errors.New("question_id and option_id are required"), nil)
		return
	}
	if err := sess.RecordAnswer(req.QuestionID, req.OptionID); err != nil {
		v := sess.View()
		writeError(w, statusFor(err), err, &v)
		return
	}
	writeJSON(w, http.StatusAccepted, sess.View())
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	sess, err := s.agent.Session(r.PathValue("roundID"))
	if err != nil {
		writeError(w, statusFor(err), err, nil)
		return
	}
	if err := sess.SubmitAll(r.Context()); err != nil {
		v := sess.View()
		writeError(w, statusFor(err), err, &v)
		return
	}
	writeJSON(w, http.StatusOK, sess.View())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	roundID := r.PathValue("roundID")
	sess, err := s.agent.Session(roundID)
	if err != nil {
		writeError(w, statusFor(err), err, nil)
		return
	}
	snapshot := func() Message {
		view := sess.View()
		return Message{Type: MessageSnapshot, RoundID: roundID, View: &view}
	}
	if err := s.hub.Upgrade(w, r, roundID, snapshot); err != nil {
		// The upgrader has already replied.
		log.Debug().Err(err).Str("round_id", roundID).Msg("websocket upgrade failed")
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, rounds.ErrRoundNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalidPhase):
		return http.StatusConflict
	case errors.Is(err, session.ErrRoundClosed):
		return http.StatusGone
	case errors.Is(err, rounds.ErrMalformedRound):
		return http.StatusUnprocessableEntity
	case backend.KindOf(err) == backend.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, err error, view *session.View) {
	writeJSON(w, status, errorResponse{Error: err.Error(), Session: view})
}
