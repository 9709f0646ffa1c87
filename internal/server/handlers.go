package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/liveness-lab/internal/config"
	"github.com/liveness-lab/internal/logging"
	"github.com/liveness-lab/internal/media"
	"github.com/liveness-lab/internal/model"
	"github.com/liveness-lab/internal/verify"
)

func withCorrelationID(ctx context.Context, cid string) context.Context {
	return model.WithCorrelationID(ctx, cid)
}

// challengeView is the public shape of a challenge: everything a player
// needs to attempt it, nothing used for gating internally.
type challengeView struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Kind           string   `json:"kind"`
	ExpectedText   string   `json:"expected_text"`
	AcceptedTypes  []string `json:"accepted_types"`
	MaxUploadBytes int64    `json:"max_upload_bytes"`
	Modalities     []string `json:"modalities"`
}

func viewOf(ch *config.Challenge) challengeView {
	return challengeView{
		ID:             ch.ID,
		Name:           ch.Name,
		Kind:           ch.Kind,
		ExpectedText:   ch.ExpectedText,
		AcceptedTypes:  ch.AcceptedTypes(),
		MaxUploadBytes: ch.MaxUploadBytes,
		Modalities:     ch.Modalities,
	}
}

func (s *Server) handleListChallenges(w http.ResponseWriter, r *http.Request) {
	views := make([]challengeView, 0, len(s.cfg.Challenges))
	for i := range s.cfg.Challenges {
		views = append(views, viewOf(&s.cfg.Challenges[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"challenges": views})
}

func (s *Server) handleChallengeDetail(w http.ResponseWriter, r *http.Request) {
	ch := s.cfg.ChallengeByID(r.PathValue("id"))
	if ch == nil {
		writeError(w, http.StatusNotFound, "unknown challenge")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(ch))
}

// handleReferenceDownload ships the challenge's bundled reference asset to
// the player; the source media is part of the challenge material.
func (s *Server) handleReferenceDownload(w http.ResponseWriter, r *http.Request) {
	ch := s.cfg.ChallengeByID(r.PathValue("id"))
	if ch == nil {
		writeError(w, http.StatusNotFound, "unknown challenge")
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(ch.ReferenceAsset)))
	http.ServeFile(w, r, ch.ReferenceAsset)
}

// verifyResponse is the result surface: raw per-modality scores and flags,
// plus the cosmetically inflated voice score shown to the user. The gate
// only ever tested the raw score.
type verifyResponse struct {
	*verify.Result
	VoiceDisplayScore *float64 `json:"voice_display_score,omitempty"`
	CorrelationID     string   `json:"correlation_id"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	ch := s.cfg.ChallengeByID(r.PathValue("id"))
	if ch == nil {
		writeError(w, http.StatusNotFound, "unknown challenge")
		return
	}
	cid := model.CorrelationID(r.Context())

	upload, err := readUpload(w, r, ch)
	if err != nil {
		if ve, ok := verify.AsValidation(err); ok {
			writeValidation(w, ve)
			return
		}
		writeError(w, http.StatusBadRequest, "could not read uploaded file")
		return
	}

	res, err := s.verifier.Verify(r.Context(), ch, upload)
	if err != nil {
		s.writePipelineError(w, ch, cid, err)
		return
	}

	resp := verifyResponse{Result: res, CorrelationID: cid}
	if res.Voice != nil {
		display := verify.DisplayScore(res.Voice.Score)
		resp.VoiceDisplayScore = &display
	}
	writeJSON(w, http.StatusOK, resp)
}

// readUpload enforces the boundary constraints (single file, declared type,
// size cap) and returns the raw bytes. All rejections happen before any
// model call.
func readUpload(w http.ResponseWriter, r *http.Request, ch *config.Challenge) ([]byte, error) {
	if r.ContentLength > 0 && r.ContentLength > ch.MaxUploadBytes+(1<<20) {
		return nil, sizeError(ch)
	}
	// The extra megabyte covers multipart framing overhead.
	r.Body = http.MaxBytesReader(w, r.Body, ch.MaxUploadBytes+(1<<20))

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, sizeError(ch)
		}
		return nil, &verify.ValidationError{Requirement: "file", Message: "exactly one file field named 'file' is required"}
	}
	defer file.Close()

	if header.Size > ch.MaxUploadBytes {
		return nil, sizeError(ch)
	}
	if !typeAccepted(ch, header.Header.Get("Content-Type"), header.Filename) {
		return nil, &verify.ValidationError{
			Requirement: "type",
			Message:     fmt.Sprintf("accepted types: %s", strings.Join(ch.AcceptedTypes(), ", ")),
		}
	}

	blob, err := io.ReadAll(io.LimitReader(file, ch.MaxUploadBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(blob)) > ch.MaxUploadBytes {
		return nil, sizeError(ch)
	}
	if len(blob) == 0 {
		return nil, &verify.ValidationError{Requirement: "file", Message: "uploaded file is empty"}
	}
	return blob, nil
}

func sizeError(ch *config.Challenge) *verify.ValidationError {
	return &verify.ValidationError{
		Requirement: "size",
		Message:     fmt.Sprintf("file exceeds the %d MB limit", ch.MaxUploadBytes>>20),
	}
}

// extTypes maps upload extensions to MIME types. The host mime tables are
// not consulted; .wav is missing from Go's builtin table on most systems.
var extTypes = map[string]string{
	".mp3": "audio/mpeg",
	".wav": "audio/wav",
	".mp4": "video/mp4",
}

// typeAccepted checks the declared MIME type, falling back to the filename
// extension when the client sent a generic type.
func typeAccepted(ch *config.Challenge, declared, filename string) bool {
	declared = strings.ToLower(strings.TrimSpace(declared))
	if mt, _, err := mime.ParseMediaType(declared); err == nil {
		declared = mt
	}
	accepted := ch.AcceptedTypes()
	for _, t := range accepted {
		if declared == t {
			return true
		}
	}
	if declared == "" || declared == "application/octet-stream" {
		byExt := extTypes[strings.ToLower(filepath.Ext(filename))]
		for _, t := range accepted {
			if byExt == t {
				return true
			}
		}
	}
	return false
}

// writePipelineError maps pipeline failures to user-facing messages that
// name the failed requirement. Internal details stay in the logs.
func (s *Server) writePipelineError(w http.ResponseWriter, ch *config.Challenge, cid string, err error) {
	if ve, ok := verify.AsValidation(err); ok {
		writeValidation(w, ve)
		return
	}
	var de *media.DecodeError
	switch {
	case errors.As(err, &de):
		writeError(w, http.StatusBadRequest, "uploaded media could not be decoded")
	case errors.Is(err, media.ErrEmptyInput):
		writeError(w, http.StatusBadRequest, "uploaded media contains no audio")
	case errors.Is(err, media.ErrNoFrames):
		writeError(w, http.StatusBadRequest, "uploaded video contains no frames")
	default:
		logging.Errorw("verification failed", append(logging.ChallengeFields(ch.ID, cid), "err", err)...)
		writeError(w, http.StatusInternalServerError, "verification failed, please try again")
	}
}

func writeValidation(w http.ResponseWriter, ve *verify.ValidationError) {
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error":       ve.Message,
		"requirement": ve.Requirement,
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
