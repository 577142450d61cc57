package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/bonsai-local/blob"
	"github.com/wolfeidau/bonsai-local/registry"
	"github.com/wolfeidau/bonsai-local/scheduler"
	"github.com/wolfeidau/bonsai-local/telemetry"
	"github.com/wolfeidau/bonsai-local/version"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"message": "Bonsai REST API is running",
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, versionResponse{
		Risc0ZKVM: []string{s.sched.Gatekeeper().Installed().String()},
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Stats())
}

func (s *Server) handleResolvedServerURL(w http.ResponseWriter, r *http.Request) {
	base, err := s.resolver.Resolve(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// absent headers are reported as null
	headers := make(map[string]*string, 4)
	for _, name := range []string{"forwarded", "x-forwarded-proto", "x-forwarded-host", "x-forwarded-port"} {
		var v *string
		if h := r.Header.Get(name); h != "" {
			v = &h
		}
		headers[name] = v
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resolved_server_url": base,
		"headers":             headers,
	})
}

// handleImageUpload returns the PUT URL for an image, or 204 when the image
// is already stored.
func (s *Server) handleImageUpload(w http.ResponseWriter, r *http.Request) {
	imageID := r.PathValue("image_id")
	exists, err := s.blobs.Has(r.Context(), blob.Images, imageID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if exists {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	u, err := s.resolver.Join(r, "images", imageID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadURLResponse{URL: u})
}

// handleUploadURL allocates a fresh id and returns its PUT URL.
func (s *Server) handleUploadURL(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		u, err := s.resolver.Join(r, prefix, id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, uploadURLResponse{URL: u, UUID: id})
	}
}

// handlePut stores the request body under ns and the named path value.
func (s *Server) handlePut(ns blob.Namespace, param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue(param)
		body := http.MaxBytesReader(w, r.Body, s.config.MaxBodySize)
		defer func() { _ = body.Close() }()

		res, err := s.blobs.Put(r.Context(), ns, name, body)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.logger.Debug("blob uploaded", "namespace", ns, "name", name,
			"digest", res.Hash.ShortString(), "size", res.Size, "new_content", res.Stored)
		writeJSON(w, http.StatusOK, digestResponse{Digest: res.Hash.Digest(), Size: res.Size})
	}
}

// handleGetReceipt serves a stored receipt or SNARK proof.
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("receipt_id")
	telemetry.SetSessionID(r, id)

	rc, entry, err := s.blobs.Get(r.Context(), blob.Receipts, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(entry.Size, 10))
	w.Header().Set("ETag", `"`+entry.Hash.String()+`"`)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("streaming receipt failed", "id", id, "error", err)
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req proofRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		badRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Img == "" || req.Input == "" {
		badRequest(w, "img and input are required")
		return
	}

	create := scheduler.CreateRequest{
		ImageID:       req.Img,
		InputID:       req.Input,
		AssumptionIDs: req.Assumptions,
		ExecuteOnly:   req.ExecuteOnly,
		Version:       r.Header.Get(version.Header),
	}
	if req.ExecCycleLimit != nil {
		create.CycleLimit = *req.ExecCycleLimit
	}

	adm, err := s.sched.CreateSession(r.Context(), create)
	if err != nil {
		telemetry.SetAdmission(r, telemetry.AdmissionRejected)
		s.writeError(w, r, err)
		return
	}
	s.admitted(r, adm)
	writeJSON(w, http.StatusOK, createResponse{UUID: adm.ID})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session_id")
	telemetry.SetSessionID(r, id)

	sess, err := s.sched.Session(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := sessionStatusResponse{
		Status: wireStatus(sess.State),
		State:  ptr(sess.State.String()),
	}
	if elapsed := sess.Elapsed(s.sched.Now()); elapsed > 0 {
		resp.ElapsedTime = ptr(elapsed.Seconds())
	}
	switch sess.State {
	case registry.Succeeded:
		resp.Stats = sess.Stats
		if sess.HasReceipt() {
			u, err := s.resolver.Join(r, "receipts", sess.ID)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			resp.ReceiptURL = &u
		}
	case registry.Failed:
		if sess.Err != nil {
			resp.ErrorMsg = ptr(sess.Err.Error())
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSessionLogs returns a plain text summary of a session.
func (s *Server) handleSessionLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session_id")
	telemetry.SetSessionID(r, id)

	sess, err := s.sched.Session(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "session %s\n", sess.ID)
	fmt.Fprintf(&b, "state: %s\n", sess.State)
	fmt.Fprintf(&b, "image: %s\ninput: %s\n", sess.ImageID, sess.InputID)
	if len(sess.AssumptionIDs) > 0 {
		fmt.Fprintf(&b, "assumptions: %s\n", strings.Join(sess.AssumptionIDs, ", "))
	}
	fmt.Fprintf(&b, "created: %s\n", sess.CreatedAt.UTC().Format(time.RFC3339))
	if !sess.StartedAt.IsZero() {
		fmt.Fprintf(&b, "started: %s\n", sess.StartedAt.UTC().Format(time.RFC3339))
	}
	if !sess.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "finished: %s\n", sess.FinishedAt.UTC().Format(time.RFC3339))
	}
	if sess.Stats != nil {
		fmt.Fprintf(&b, "segments: %d\ntotal_cycles: %d\nuser_cycles: %d\n",
			sess.Stats.Segments, sess.Stats.TotalCycles, sess.Stats.UserCycles)
	}
	if sess.Err != nil {
		fmt.Fprintf(&b, "error: %s\n", sess.Err)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, b.String())
}

func (s *Server) handleCreateSnark(w http.ResponseWriter, r *http.Request) {
	var req snarkRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		badRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.SessionID == "" {
		badRequest(w, "session_id is required")
		return
	}
	telemetry.SetSessionID(r, req.SessionID)

	adm, err := s.sched.CreateSnark(r.Context(), req.SessionID)
	if err != nil {
		telemetry.SetAdmission(r, telemetry.AdmissionRejected)
		s.writeError(w, r, err)
		return
	}
	s.admitted(r, adm)
	writeJSON(w, http.StatusOK, createResponse{UUID: adm.ID})
}

func (s *Server) handleSnarkStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("snark_id")
	telemetry.SetSessionID(r, id)

	k, err := s.sched.Snark(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := snarkStatusResponse{Status: wireStatus(k.State)}
	switch k.State {
	case registry.Succeeded:
		u, err := s.resolver.Join(r, "receipts", k.ID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		resp.Output = &u
	case registry.Failed:
		if k.Err != nil {
			resp.ErrorMsg = ptr(k.Err.Error())
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) admitted(r *http.Request, adm *scheduler.Admission) {
	telemetry.SetSessionID(r, adm.ID)
	if adm.Coalesced {
		telemetry.SetAdmission(r, telemetry.AdmissionCoalesced)
		return
	}
	telemetry.SetAdmission(r, telemetry.AdmissionAccepted)
}
