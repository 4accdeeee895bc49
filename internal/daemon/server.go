// Package daemon is the fleet coordination daemon: it supervises the
// slot listeners and serves the HTTP/WebSocket API over them.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"skyfleet/internal/api"
	"skyfleet/internal/config"
	"skyfleet/internal/db"
	"skyfleet/internal/events"
	"skyfleet/internal/link"
	"skyfleet/internal/mission"
	"skyfleet/internal/model"
	"skyfleet/internal/telemetry"
)

const schemaVersion = "v1"

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	store  *db.Store
	reg    *link.Registry
	ing    *telemetry.Ingestor
	up     *mission.Uploader
	bus    *events.Broadcaster

	httpSrv     *http.Server
	mu          sync.Mutex
	listener    net.Listener
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, store *db.Store, reg *link.Registry, ing *telemetry.Ingestor, up *mission.Uploader, bus *events.Broadcaster, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:    cfg,
		logger: logger,
		store:  store,
		reg:    reg,
		ing:    ing,
		up:     up,
		bus:    bus,
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/vehicles", s.vehiclesHandler)
	mux.HandleFunc("/v1/vehicles/", s.vehicleBySlotHandler)
	mux.HandleFunc("/v1/detections", s.detectionsHandler)
	mux.HandleFunc("/v1/detections/", s.detectionByIDHandler)
	mux.HandleFunc("/v1/missions", s.missionsHandler)
	mux.HandleFunc("/v1/missions/", s.missionByIDHandler)
	mux.HandleFunc("/v1/stream", s.streamHandler)
	return s
}

// Run supervises the slot listeners and the HTTP server until ctx is
// cancelled or either fails.
func (s *Server) Run(ctx context.Context) error {
	s.reg.SetOnConnect(func(l *link.Link) { s.ing.Run(ctx, l) })

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.reg.Run(ctx) })
	g.Go(func() error { return s.serveHTTP(ctx) })
	return g.Wait()
}

func (s *Server) serveHTTP(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen http %s: %w", s.cfg.HTTPAddr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("http listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

// Addr returns the bound HTTP address, useful when the configured
// address picked an ephemeral port.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	slots := map[string]string{}
	for _, slot := range s.reg.Slots() {
		slots[slot] = string(s.reg.Current(slot))
	}
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
		Slots:         slots,
	})
}

func (s *Server) vehiclesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeJSON(w, http.StatusOK, api.VehiclesEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Vehicles:      s.ing.Vehicles(),
	})
}

func (s *Server) vehicleBySlotHandler(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/v1/vehicles/")
	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "vehicle route not found")
		return
	}
	slot := parts[0]

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		v, ok := s.ing.Vehicle(slot)
		if !ok {
			s.writeError(w, http.StatusNotFound, model.ErrSlotUnknown, fmt.Sprintf("unknown slot %q", slot))
			return
		}
		s.writeJSON(w, http.StatusOK, api.VehicleEnvelope{
			SchemaVersion: schemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Vehicle:       v,
		})

	case len(parts) == 2 && parts[1] == "telemetry":
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		if _, ok := s.ing.Vehicle(slot); !ok {
			s.writeError(w, http.StatusNotFound, model.ErrSlotUnknown, fmt.Sprintf("unknown slot %q", slot))
			return
		}
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "limit must be a non-negative integer")
				return
			}
			limit = n
		}
		s.writeJSON(w, http.StatusOK, api.TelemetryEnvelope{
			SchemaVersion: schemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Slot:          slot,
			Points:        s.ing.History(slot, limit),
		})

	case len(parts) == 2 && parts[1] == "mission-fetch":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		items, err := s.up.FetchCurrent(r.Context(), slot)
		if err != nil {
			s.writeMissionError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, api.MissionFetchEnvelope{
			SchemaVersion: schemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Slot:          slot,
			Items:         items,
		})

	default:
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "vehicle route not found")
	}
}

func (s *Server) detectionsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.store.ListDetections(r.Context())
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, api.DetectionsEnvelope{
			SchemaVersion: schemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Detections:    list,
		})
	case http.MethodPost:
		s.createDetection(w, r)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) createDetection(w http.ResponseWriter, r *http.Request) {
	var req api.CreateDetectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid detection body")
		return
	}
	if _, ok := s.cfg.Slot(req.Slot); !ok {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, fmt.Sprintf("unknown slot %q", req.Slot))
		return
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "confidence must be within [0, 1]")
		return
	}

	id, err := s.store.InsertDetection(r.Context(), model.Detection{
		Slot:       req.Slot,
		Lat:        req.Lat,
		Lon:        req.Lon,
		Confidence: req.Confidence,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
		return
	}
	d, err := s.store.GetDetection(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
		return
	}
	s.bus.Publish(model.Event{
		Topic:   model.TopicDetection,
		Slot:    d.Slot,
		Payload: model.DetectionPayload{Detection: d},
	})
	s.writeJSON(w, http.StatusCreated, api.DetectionEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Detection:     d,
	})
}

func (s *Server) detectionByIDHandler(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/v1/detections/")
	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "detection route not found")
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "detection id must be an integer")
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		d, err := s.store.GetDetection(r.Context(), id)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, api.DetectionEnvelope{
			SchemaVersion: schemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Detection:     d,
		})

	case len(parts) == 2 && parts[1] == "approve":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		s.approveDetection(w, r, id)

	default:
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "detection route not found")
	}
}

// approveDetection is the delivery pipeline entry point: generate the
// mission from the detection, link the two records, then drive the
// upload. The mission record survives with status failed when the
// transfer does not complete; resubmission is explicit.
func (s *Server) approveDetection(w http.ResponseWriter, r *http.Request, id int64) {
	ctx := r.Context()
	d, err := s.store.GetDetection(ctx, id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if d.Approved {
		s.writeError(w, http.StatusConflict, model.ErrAlreadyApproved, fmt.Sprintf("detection %d already approved", id))
		return
	}

	items, err := mission.Generate(s.cfg, d)
	if err != nil {
		switch {
		case errors.Is(err, mission.ErrMissingCoordinates):
			s.writeError(w, http.StatusUnprocessableEntity, model.ErrMissingCoordinates, err.Error())
		case errors.Is(err, mission.ErrAltitudeRange):
			s.writeError(w, http.StatusUnprocessableEntity, model.ErrAltitudeRange, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
		}
		return
	}

	mid, err := s.store.InsertMission(ctx, model.Mission{Slot: s.cfg.MissionSlot, Items: items})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
		return
	}
	if err := s.store.MarkDetectionApproved(ctx, id, mid); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.logger.Info("detection approved", "detection", id, "mission", mid)

	m, err := s.store.GetMission(ctx, mid)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
		return
	}
	if err := s.up.Upload(ctx, m); err != nil {
		s.writeUploadError(w, mid, err)
		return
	}

	d, _ = s.store.GetDetection(ctx, id)
	m, _ = s.store.GetMission(ctx, mid)
	s.writeJSON(w, http.StatusOK, api.ApproveEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Detection:     d,
		Mission:       m,
	})
}

func (s *Server) missionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	list, err := s.store.ListMissions(r.Context(), r.URL.Query().Get("slot"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.MissionsEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Missions:      list,
	})
}

func (s *Server) missionByIDHandler(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/v1/missions/")
	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "mission route not found")
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "mission id must be an integer")
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		m, err := s.store.GetMission(r.Context(), id)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, api.MissionEnvelope{
			SchemaVersion: schemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Mission:       m,
		})

	case len(parts) == 2 && parts[1] == "logs":
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		if _, err := s.store.GetMission(r.Context(), id); err != nil {
			s.writeStoreError(w, err)
			return
		}
		logs, err := s.store.ListMissionLogs(r.Context(), id)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, api.MissionLogsEnvelope{
			SchemaVersion: schemaVersion,
			GeneratedAt:   time.Now().UTC(),
			MissionID:     id,
			Logs:          logs,
		})

	case len(parts) == 2 && parts[1] == "resubmit":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		s.resubmitMission(w, r, id)

	default:
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "mission route not found")
	}
}

// resubmitMission clones a failed mission into a fresh record and
// drives the upload again. The failed record is kept as history;
// statuses never move backwards.
func (s *Server) resubmitMission(w http.ResponseWriter, r *http.Request, id int64) {
	ctx := r.Context()
	prev, err := s.store.GetMission(ctx, id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if prev.Status != model.MissionFailed {
		s.writeError(w, http.StatusConflict, model.ErrPreconditionFailed,
			fmt.Sprintf("mission %d is %s; only failed missions can be resubmitted", id, prev.Status))
		return
	}

	newID, err := s.store.InsertMission(ctx, model.Mission{Slot: prev.Slot, Items: prev.Items})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
		return
	}
	if err := s.store.AppendMissionLog(ctx, newID, fmt.Sprintf("resubmitted from mission %d", id)); err != nil {
		s.logger.Warn("append mission log", "mission", newID, "err", err)
	}
	s.logger.Info("mission resubmitted", "failed", id, "mission", newID)

	m, err := s.store.GetMission(ctx, newID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
		return
	}
	if err := s.up.Upload(ctx, m); err != nil {
		s.writeUploadError(w, newID, err)
		return
	}
	m, _ = s.store.GetMission(ctx, newID)
	s.writeJSON(w, http.StatusOK, api.MissionEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Mission:       m,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, api.ErrorResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, err.Error())
	case errors.Is(err, db.ErrAlreadyApproved):
		s.writeError(w, http.StatusConflict, model.ErrAlreadyApproved, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
	}
}

func (s *Server) writeUploadError(w http.ResponseWriter, missionID int64, err error) {
	msg := fmt.Sprintf("mission %d: %v", missionID, err)
	switch {
	case errors.Is(err, mission.ErrBusy):
		s.writeError(w, http.StatusConflict, model.ErrUploadBusy, msg)
	case errors.Is(err, mission.ErrUnreachable):
		s.writeError(w, http.StatusServiceUnavailable, model.ErrVehicleUnreachable, msg)
	case errors.Is(err, mission.ErrRejected):
		s.writeError(w, http.StatusBadGateway, model.ErrMissionRejected, msg)
	case errors.Is(err, mission.ErrAckTimeout):
		s.writeError(w, http.StatusGatewayTimeout, model.ErrAckTimeout, msg)
	case errors.Is(err, link.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, model.ErrLinkClosed, msg)
	case errors.Is(err, link.ErrUnknownSlot):
		s.writeError(w, http.StatusNotFound, model.ErrSlotUnknown, msg)
	default:
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, msg)
	}
}

// writeMissionError maps fetch failures; they share the upload error
// taxonomy.
func (s *Server) writeMissionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mission.ErrBusy):
		s.writeError(w, http.StatusConflict, model.ErrUploadBusy, err.Error())
	case errors.Is(err, mission.ErrUnreachable):
		s.writeError(w, http.StatusServiceUnavailable, model.ErrVehicleUnreachable, err.Error())
	case errors.Is(err, mission.ErrAckTimeout):
		s.writeError(w, http.StatusGatewayTimeout, model.ErrAckTimeout, err.Error())
	case errors.Is(err, link.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, model.ErrLinkClosed, err.Error())
	case errors.Is(err, link.ErrUnknownSlot):
		s.writeError(w, http.StatusNotFound, model.ErrSlotUnknown, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
	}
}
