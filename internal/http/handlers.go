package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/ride-bidding/internal/apperr"
	"github.com/example/ride-bidding/internal/auth"
	"github.com/example/ride-bidding/internal/bidding"
	"github.com/example/ride-bidding/internal/intake"
	"github.com/example/ride-bidding/internal/models"
)

const maxBody = 1 << 16

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Invalid("body", err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var in intake.CreateInput
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.API.CreateRequest(r.Context(), auth.ActorFrom(r.Context()), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.API.GetRequest(r.Context(), auth.ActorFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := s.API.ListOffers(r.Context(), auth.ActorFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": offers})
}

func (s *Server) handleBestOffer(w http.ResponseWriter, r *http.Request) {
	o, err := s.API.BestOffer(r.Context(), auth.ActorFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offer": o})
}

func (s *Server) handleWidenSearch(w http.ResponseWriter, r *http.Request) {
	req, err := s.API.WidenSearch(r.Context(), auth.ActorFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleSubmitOffer(w http.ResponseWriter, r *http.Request) {
	var in bidding.OfferInput
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	o, err := s.API.SubmitOffer(r.Context(), auth.ActorFrom(r.Context()), mux.Vars(r)["id"], in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleUpdateOffer(w http.ResponseWriter, r *http.Request) {
	var in bidding.OfferInput
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	o, err := s.API.UpdateOffer(r.Context(), auth.ActorFrom(r.Context()), mux.Vars(r)["id"], in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleWithdrawOffer(w http.ResponseWriter, r *http.Request) {
	o, err := s.API.WithdrawOffer(r.Context(), auth.ActorFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type acceptBody struct {
	OfferID string `json:"offer_id"`
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	var body acceptBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.OfferID == "" {
		s.writeError(w, r, apperr.Invalid("offer_id", "required"))
		return
	}
	req, err := s.API.AcceptOffer(r.Context(), auth.ActorFrom(r.Context()), mux.Vars(r)["id"], body.OfferID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type statusBody struct {
	Status models.Status `json:"status"`
}

func (s *Server) handleAdvanceOrder(w http.ResponseWriter, r *http.Request) {
	var body statusBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.API.AdvanceOrder(r.Context(), auth.ActorFrom(r.Context()), mux.Vars(r)["id"], body.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type cancelBody struct {
	Reason   string `json:"reason"`
	Override bool   `json:"override"`
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var body cancelBody
	if r.ContentLength != 0 {
		if err := decode(r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	res, err := s.API.CancelOrder(r.Context(), auth.ActorFrom(r.Context()), mux.Vars(r)["id"], body.Reason, body.Override)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleNearbyRequests(w http.ResponseWriter, r *http.Request) {
	list, err := s.API.NearbyRequests(r.Context(), auth.ActorFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": list})
}

func (s *Server) handleWorkerLocation(w http.ResponseWriter, r *http.Request) {
	var p models.LocationPing
	if err := decode(r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	applied, err := s.API.ReportLocation(r.Context(), auth.ActorFrom(r.Context()), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"applied": applied})
}
