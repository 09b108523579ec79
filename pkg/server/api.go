package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/redsync/redsync/pkg/auth"
	"github.com/redsync/redsync/pkg/log"
	"github.com/redsync/redsync/pkg/poller"
	"github.com/redsync/redsync/pkg/types"
)

// SnapshotsRes is the response type for GET /api/snapshots.
type SnapshotsRes struct {
	Customer  types.Customer        `json:"customer"`
	Snapshots []types.UsageSnapshot `json:"snapshots"`
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, SnapshotsRes{
		Customer:  s.coordinator.Customer(),
		Snapshots: s.coordinator.Snapshots(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.coordinator.Health())
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.coordinator.Settings())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.coordinator.TriggerRefresh(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "manual refresh failed", slog.Any("error", err))
		code := http.StatusBadGateway
		switch {
		case errors.Is(err, auth.ErrNoCredentials) || errors.Is(err, auth.ErrInvalidCredentials):
			code = http.StatusUnauthorized
		case errors.As(err, new(*poller.NoDataError)):
			code = http.StatusConflict
		}
		writeJSONError(w, fmt.Sprintf("refresh failed: %v", err), code)
		return
	}
	writeJSON(w, s.coordinator.Health())
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Properties []string            `json:"properties"`
		Services   []types.ServiceType `json:"services"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	for _, svc := range req.Services {
		if svc != types.ServiceElectricity && svc != types.ServiceGas {
			writeJSONError(w, fmt.Sprintf("unknown service type %q", svc), http.StatusBadRequest)
			return
		}
	}
	if err := s.coordinator.Select(ctx, req.Properties, req.Services); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save selection", slog.Any("error", err))
		writeJSONError(w, "failed to save selection", http.StatusInternalServerError)
		return
	}
	writeJSON(w, s.coordinator.Settings())
}

func (s *Server) handleInterval(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Seconds int `json:"seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.coordinator.SetPollInterval(ctx, time.Duration(req.Seconds)*time.Second); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, s.coordinator.Settings())
}

func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req types.Credential
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Username == "" || req.Password == "" || req.ClientID == "" {
		writeJSONError(w, "username, password and clientID are required", http.StatusBadRequest)
		return
	}
	s.coordinator.UpdateCredentials(ctx, req)
	log.Ctx(ctx).InfoContext(ctx, "credentials updated", slog.String("username", req.Username))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = poller.ExportFormatJSON
	}
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		var err error
		days, err = strconv.Atoi(v)
		if err != nil {
			writeJSONError(w, "days must be an integer", http.StatusBadRequest)
			return
		}
	}

	data, contentType, err := s.coordinator.Export(format, days)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if format == poller.ExportFormatCSV {
		w.Header().Set("Content-Disposition", `attachment; filename="usage.csv"`)
	}
	w.Header().Set("Content-Type", contentType)
	if _, err := w.Write(data); err != nil {
		panic(http.ErrAbortHandler)
	}
}
