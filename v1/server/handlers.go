package server

import (
	"net/http"

	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/catalog"
	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/lock"
	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/watchbus"
)

func (s *Server) handleLockStatus(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	writeJSON(w, http.StatusOK, sess.manager.CheckStatus(r.Context()))
}

type acquireResponse struct {
	Acquired bool      `json:"acquired"`
	View     lock.View `json:"view"`
}

func (s *Server) handleLockAcquire(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	ok := sess.manager.Acquire(r.Context())
	status := http.StatusOK
	if !ok {
		status = http.StatusConflict
	}
	writeJSON(w, status, acquireResponse{Acquired: ok, View: sess.manager.View()})
}

func (s *Server) handleLockRelease(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	sess.manager.Release(r.Context())
	writeJSON(w, http.StatusOK, sess.manager.View())
}

// streamHandler adapts a watchbus handler to the caller's session key. The
// first frame is the current lock view.
func (s *Server) streamHandler(mk func(watchbus.WatchBus, ...watchbus.HandlerOption) http.HandlerFunc) http.HandlerFunc {
	h := mk(s.watch,
		watchbus.WithKeyFunc(func(r *http.Request) (string, error) {
			return sessionFrom(r.Context()).key(), nil
		}),
		watchbus.WithSnapshot(func(r *http.Request) ([]byte, error) {
			return watchbus.Frame{Kind: watchbus.KindLock, Data: sessionFrom(r.Context()).manager.View()}.Encode()
		}),
	)
	return h
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	writeJSON(w, http.StatusOK, sess.controller.Sections())
}

type addCategoryRequest struct {
	Name      string `json:"name"`
	SortOrder int    `json:"sort_order"`
}

func (s *Server) handleAddCategory(w http.ResponseWriter, r *http.Request) {
	var req addCategoryRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	cat, err := sessionFrom(r.Context()).controller.AddCategory(r.Context(), req.Name, req.SortOrder)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cat)
}

type itemRequest struct {
	CategoryID      string              `json:"category_id"`
	Name            string              `json:"name"`
	Type            catalog.OffenseType `json:"type"`
	Fine            int64               `json:"fine"`
	DetentionMonths int                 `json:"detention_months"`
	SortOrder       int                 `json:"sort_order"`
}

func (req itemRequest) item(id string) catalog.Item {
	return catalog.Item{
		ID:              id,
		CategoryID:      req.CategoryID,
		Name:            req.Name,
		Type:            req.Type,
		Fine:            req.Fine,
		DetentionMonths: req.DetentionMonths,
		SortOrder:       req.SortOrder,
	}
}

func (s *Server) handleAddItem(w http.ResponseWriter, r *http.Request) {
	var req itemRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	it, err := sessionFrom(r.Context()).controller.AddItem(r.Context(), req.item(""))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, it)
}

func (s *Server) handleSaveItem(w http.ResponseWriter, r *http.Request) {
	var req itemRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	it, err := sessionFrom(r.Context()).controller.SaveEdit(r.Context(), req.item(r.PathValue("id")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	if err := sessionFrom(r.Context()).controller.DeleteItem(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBeginEdit(w http.ResponseWriter, r *http.Request) {
	it, err := sessionFrom(r.Context()).controller.BeginEdit(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleCancelEdit(w http.ResponseWriter, r *http.Request) {
	sessionFrom(r.Context()).controller.CancelEdit(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTicket(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sessionFrom(r.Context()).controller.Ticket())
}

func (s *Server) handleClearTicket(w http.ResponseWriter, r *http.Request) {
	c := sessionFrom(r.Context()).controller
	c.ClearTicket()
	writeJSON(w, http.StatusOK, c.Ticket())
}

type selectRequest struct {
	ItemID string `json:"item_id"`
	// Toggle removes the item when it is already on the ticket.
	Toggle bool `json:"toggle"`
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	c := sessionFrom(r.Context()).controller
	var err error
	if req.Toggle {
		_, err = c.Toggle(req.ItemID)
	} else {
		_, err = c.Select(req.ItemID)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Ticket())
}

func (s *Server) handleDeselect(w http.ResponseWriter, r *http.Request) {
	c := sessionFrom(r.Context()).controller
	if err := c.Deselect(r.PathValue("entry")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Ticket())
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	text, err := sessionFrom(r.Context()).controller.Summary()
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}
