package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ride-bidding/internal/apperr"
	"github.com/example/ride-bidding/internal/auth"
	"github.com/example/ride-bidding/internal/dispatch"
	"github.com/example/ride-bidding/internal/events"
	"github.com/example/ride-bidding/internal/models"
)

var upgrader = websocket.Upgrader{}

type snapshot struct {
	Type    string              `json:"type"`
	Request *models.TripRequest `json:"request"`
}

// handleOrderStream sends the current request, then every later event of
// it. Events with Seq <= request.version are already reflected in the
// snapshot.
func (s *Server) handleOrderStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sub, req, err := s.subscribeOrder(r.Context(), auth.ActorFrom(r.Context()), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer sub.Close()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	if err := conn.WriteJSON(snapshot{Type: "snapshot", Request: req}); err != nil {
		return
	}
	if err := dispatch.StreamOrder(r.Context(), conn, sub); err != nil {
		s.logger.Debug("order stream ended", "order_id", id, "error", err)
	}
}

// subscribeOrder subscribes actor to id with the view it is entitled to and
// reads the snapshot after subscribing, so nothing committed in between is
// lost. A worker that won the order in between is subscribed again as a
// party.
func (s *Server) subscribeOrder(ctx context.Context, actor models.Actor, id string) (*events.Subscription, *models.TripRequest, error) {
	req, err := s.API.GetRequest(ctx, actor, id)
	if err != nil {
		return nil, nil, err
	}
	for {
		view := events.ViewFor(actor, req)
		sub := s.Hub.Subscribe(id, view)
		cur, err := s.API.GetRequest(ctx, actor, id)
		if err != nil {
			sub.Close()
			return nil, nil, err
		}
		if view == nil || events.ViewFor(actor, cur) != nil {
			return sub, cur, nil
		}
		sub.Close()
		req = cur
	}
}

func (s *Server) handleWorkerSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	actor := auth.ActorFrom(r.Context())
	if actor.Role != models.RoleAdmin && (actor.Role != models.RoleWorker || actor.ID != id) {
		s.writeError(w, r, &apperr.ForbiddenError{Msg: "workers may only open their own session"})
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.Workers.Serve(id, conn)
}
