package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	cacheerrors "github.com/devrev/cachemesh/internal/errors"
	"github.com/devrev/cachemesh/internal/model"
	"github.com/devrev/cachemesh/internal/service"
)

// HeaderLockHolder identifies the holder on release and extend requests
const HeaderLockHolder = "X-Lock-Holder"

// LockHandler exposes the distributed lock manager.
type LockHandler struct {
	locks  *service.DistributedLockManager
	logger *zap.Logger
}

// NewLockHandler creates a LockHandler
func NewLockHandler(locks *service.DistributedLockManager, logger *zap.Logger) *LockHandler {
	return &LockHandler{locks: locks, logger: logger}
}

// Acquire handles POST /v1/locks/{key}?ttl=<seconds>&blocking=<bool>.
func (h *LockHandler) Acquire(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	ttl, err := parseSeconds(r, "ttl")
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	blocking := false
	if raw := r.URL.Query().Get("blocking"); raw != "" {
		if blocking, err = strconv.ParseBool(raw); err != nil {
			WriteError(w, r, cacheerrors.InvalidArgument("blocking must be a boolean", err), h.logger)
			return
		}
	}

	lock, err := h.locks.Acquire(r.Context(), key, ttl, blocking)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	w.Header().Set(HeaderLockHolder, lock.HolderID)
	writeJSON(w, http.StatusOK, lock)
}

// Release handles DELETE /v1/locks/{key} with the holder in X-Lock-Holder.
func (h *LockHandler) Release(w http.ResponseWriter, r *http.Request) {
	lock, ok := h.lockFromRequest(w, r)
	if !ok {
		return
	}
	if err := h.locks.Release(r.Context(), lock); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Extend handles PUT /v1/locks/{key}?ttl=<seconds> with the holder in X-Lock-Holder.
func (h *LockHandler) Extend(w http.ResponseWriter, r *http.Request) {
	ttl, err := parseSeconds(r, "ttl")
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	lock, ok := h.lockFromRequest(w, r)
	if !ok {
		return
	}
	if err := h.locks.Extend(r.Context(), lock, ttl); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":        lock.Key,
		"holder_id":  lock.HolderID,
		"expires_at": lock.ExpiresAt.Format(time.RFC3339Nano),
	})
}

func (h *LockHandler) lockFromRequest(w http.ResponseWriter, r *http.Request) (*model.Lock, bool) {
	holder := r.Header.Get(HeaderLockHolder)
	if holder == "" {
		WriteError(w, r, cacheerrors.InvalidArgument(HeaderLockHolder+" header is required", nil), h.logger)
		return nil, false
	}
	return &model.Lock{Key: mux.Vars(r)["key"], HolderID: holder}, true
}
