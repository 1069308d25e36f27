package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/satbid/auctionhouse/internal/auth"
	"github.com/satbid/auctionhouse/internal/custody"
	"github.com/satbid/auctionhouse/internal/db"
	"github.com/satbid/auctionhouse/internal/engine"
	"github.com/satbid/auctionhouse/internal/models"
)

// Handler contains dependencies for HTTP handlers
type Handler struct {
	DB          *db.DB
	Engine      *engine.Engine
	AuthService *auth.AuthService
}

// NewHandler creates a new handler
func NewHandler(db *db.DB, eng *engine.Engine, authService *auth.AuthService) *Handler {
	return &Handler{DB: db, Engine: eng, AuthService: authService}
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	if req.Username == "" || req.Password == "" {
		http.Error(w, `{"error": "Username and password required"}`, http.StatusBadRequest)
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		http.Error(w, `{"error": "Failed to register user"}`, http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		http.Error(w, `{"error": "Invalid credentials"}`, http.StatusUnauthorized)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			http.Error(w, `{"error": "Authorization header required"}`, http.StatusUnauthorized)
			return
		}

		// Remove "Bearer " prefix if present
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		userID, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			http.Error(w, `{"error": "Invalid or expired token"}`, http.StatusUnauthorized)
			return
		}

		// Add user_id to context
		ctx := context.WithValue(r.Context(), "user_id", userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userID(r *http.Request) (int, bool) {
	id, ok := r.Context().Value("user_id").(int)
	return id, ok
}

// CreateRoom creates a new auction room
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var data models.CreateRoomData
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	if err := data.Validate(); err != nil {
		http.Error(w, `{"error": "`+err.Error()+`"}`, http.StatusBadRequest)
		return
	}
	for _, wh := range []models.Webhook{data.LockWebhook, data.UnlockWebhook, data.TransferWebhook} {
		if err := custody.ValidateWebhook(wh); err != nil {
			http.Error(w, `{"error": "`+err.Error()+`"}`, http.StatusBadRequest)
			return
		}
	}

	room := &models.AuctionRoom{
		ID:                 uuid.NewString(),
		UserID:             uid,
		WalletID:           data.WalletID,
		Name:               data.Name,
		Description:        data.Description,
		Currency:           data.Currency,
		Type:               data.Type,
		FeePercentage:      data.FeePercentage,
		MinBidUpPercentage: data.MinBidUpPercentage,
		Days:               data.Days,
		IsOpenRoom:         data.IsOpenRoom,
		LockWebhook:        data.LockWebhook,
		UnlockWebhook:      data.UnlockWebhook,
		TransferWebhook:    data.TransferWebhook,
	}
	created, err := h.DB.CreateRoom(r.Context(), room)
	if err != nil {
		http.Error(w, `{"error": "Failed to create auction room"}`, http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(created)
}

// GetUserRooms lists the caller's auction rooms
func (h *Handler) GetUserRooms(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}
	rooms, err := h.DB.GetUserRooms(r.Context(), uid)
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve auction rooms"}`, http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(rooms)
}

// GetRoom retrieves a single auction room
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.DB.GetRoom(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.Error(w, `{"error": "Auction room not found"}`, http.StatusNotFound)
			return
		}
		http.Error(w, `{"error": "Failed to retrieve auction room"}`, http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(room)
}

// UpdateRoom updates an auction room owned by the caller. The room type is
// immutable.
func (h *Handler) UpdateRoom(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var data models.EditRoomData
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	data.ID = chi.URLParam(r, "roomID")
	if err := data.Validate(); err != nil {
		http.Error(w, `{"error": "`+err.Error()+`"}`, http.StatusBadRequest)
		return
	}

	room, err := h.DB.GetRoom(r.Context(), data.ID)
	if err != nil {
		http.Error(w, `{"error": "Auction room not found"}`, http.StatusNotFound)
		return
	}
	if room.UserID != uid {
		http.Error(w, `{"error": "Not allowed"}`, http.StatusForbidden)
		return
	}
	if room.Type != data.Type {
		http.Error(w, `{"error": "Cannot change auction room type"}`, http.StatusBadRequest)
		return
	}

	room.WalletID = data.WalletID
	room.Name = data.Name
	room.Description = data.Description
	room.Currency = data.Currency
	room.FeePercentage = data.FeePercentage
	room.MinBidUpPercentage = data.MinBidUpPercentage
	room.Days = data.Days
	room.IsOpenRoom = data.IsOpenRoom
	room.LockWebhook = data.LockWebhook
	room.UnlockWebhook = data.UnlockWebhook
	room.TransferWebhook = data.TransferWebhook

	if err := h.DB.UpdateRoom(r.Context(), room); err != nil {
		http.Error(w, `{"error": "Failed to update auction room"}`, http.StatusInternalServerError)
		return
	}
	h.Engine.InvalidateRoom(r.Context(), room.ID)
	json.NewEncoder(w).Encode(room)
}

// DeleteRoom deletes an auction room owned by the caller; items and bids
// cascade
func (h *Handler) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}
	roomID := chi.URLParam(r, "roomID")
	deleted, err := h.DB.DeleteRoom(r.Context(), roomID, uid)
	if err != nil {
		http.Error(w, `{"error": "Failed to delete auction room"}`, http.StatusInternalServerError)
		return
	}
	if !deleted {
		http.Error(w, `{"error": "Auction room not found"}`, http.StatusNotFound)
		return
	}
	h.Engine.InvalidateRoom(r.Context(), roomID)
	json.NewEncoder(w).Encode(map[string]string{"message": "Auction room deleted"})
}

// CreateItem lists a new item in a room
func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	room, err := h.DB.GetRoom(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		http.Error(w, `{"error": "Auction room not found"}`, http.StatusNotFound)
		return
	}
	if room.UserID != uid && !room.IsOpenRoom {
		http.Error(w, `{"error": "Room is not open for sellers"}`, http.StatusForbidden)
		return
	}

	var data models.CreateItemData
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	if err := data.Validate(); err != nil {
		http.Error(w, `{"error": "`+err.Error()+`"}`, http.StatusBadRequest)
		return
	}

	item, err := h.Engine.ListItem(r.Context(), room, uid, data)
	if err != nil {
		http.Error(w, `{"error": "Failed to list item: `+err.Error()+`"}`, http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(item)
}

// GetRoomItems lists items in a room, paginated
func (h *Handler) GetRoomItems(w http.ResponseWriter, r *http.Request) {
	room, err := h.DB.GetRoom(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		http.Error(w, `{"error": "Auction room not found"}`, http.StatusNotFound)
		return
	}

	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	opts := db.ItemListOptions{
		Search:          query.Get("search"),
		SortBy:          query.Get("sort_by"),
		SortDesc:        query.Get("sort_dir") == "desc",
		Limit:           limit,
		Offset:          offset,
		IncludeInactive: query.Get("include_inactive") == "true",
	}

	items, total, err := h.DB.GetRoomItemsPaginated(r.Context(), room.ID, opts)
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve items"}`, http.StatusInternalServerError)
		return
	}
	for i := range items {
		if err := h.Engine.DecorateItem(r.Context(), &items[i]); err != nil {
			http.Error(w, `{"error": "Failed to retrieve items"}`, http.StatusInternalServerError)
			return
		}
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"data":  items,
		"total": total,
	})
}

// GetUserItems lists items the caller has listed
func (h *Handler) GetUserItems(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}
	items, err := h.DB.GetUserItems(r.Context(), uid)
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve items"}`, http.StatusInternalServerError)
		return
	}
	for i := range items {
		if err := h.Engine.DecorateItem(r.Context(), &items[i]); err != nil {
			http.Error(w, `{"error": "Failed to retrieve items"}`, http.StatusInternalServerError)
			return
		}
	}
	json.NewEncoder(w).Encode(items)
}

// GetItem retrieves one item with its derived pricing fields
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.DB.GetItem(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.Error(w, `{"error": "Auction item not found"}`, http.StatusNotFound)
			return
		}
		http.Error(w, `{"error": "Failed to retrieve item"}`, http.StatusInternalServerError)
		return
	}
	if err := h.Engine.DecorateItem(r.Context(), item); err != nil {
		http.Error(w, `{"error": "Failed to retrieve item"}`, http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(item)
}

// CloseItem manually closes an item: only allowed with zero bids or after
// expiry
func (h *Handler) CloseItem(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}
	err := h.Engine.ManualClose(r.Context(), uid, chi.URLParam(r, "itemID"))
	switch {
	case err == nil:
		json.NewEncoder(w).Encode(map[string]string{"message": "Auction item closed"})
	case errors.Is(err, db.ErrNotFound):
		http.Error(w, `{"error": "Auction item not found"}`, http.StatusNotFound)
	case errors.Is(err, engine.ErrNotAllowed):
		http.Error(w, `{"error": "Not allowed"}`, http.StatusForbidden)
	case errors.Is(err, engine.ErrAuctionLive):
		http.Error(w, `{"error": "`+err.Error()+`"}`, http.StatusBadRequest)
	default:
		http.Error(w, `{"error": "Failed to close item: `+err.Error()+`"}`, http.StatusInternalServerError)
	}
}

// PlaceBid places a bid on an item and returns payment instructions
func (h *Handler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req models.BidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, `{"error": "`+err.Error()+`"}`, http.StatusBadRequest)
		return
	}

	resp, err := h.Engine.PlaceBid(r.Context(), uid, chi.URLParam(r, "itemID"), req)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(resp)
	case errors.Is(err, engine.ErrItemClosed),
		errors.Is(err, engine.ErrBidTooLow),
		errors.Is(err, engine.ErrAlreadyTopBidder):
		http.Error(w, `{"error": "`+err.Error()+`"}`, http.StatusBadRequest)
	default:
		http.Error(w, `{"error": "Failed to place bid"}`, http.StatusInternalServerError)
	}
}

// GetItemBids lists all bids on an item, newest first
func (h *Handler) GetItemBids(w http.ResponseWriter, r *http.Request) {
	bids, err := h.DB.GetItemBids(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve bids"}`, http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(bids)
}

// GetUserBids lists the caller's bid history
func (h *Handler) GetUserBids(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}
	bids, err := h.DB.GetUserBids(r.Context(), uid)
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve bids"}`, http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(bids)
}

// GetItemAudit lists the audit trail of an item, paginated
func (h *Handler) GetItemAudit(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	opts := db.AuditListOptions{
		Search:   query.Get("search"),
		SortDesc: query.Get("sort_dir") == "desc",
		Limit:    limit,
		Offset:   offset,
	}

	entries, total, err := h.DB.GetAuditEntriesPaginated(r.Context(), chi.URLParam(r, "itemID"), opts)
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve audit entries"}`, http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"data":  entries,
		"total": total,
	})
}
