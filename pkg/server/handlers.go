package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/relves/anonsignal/pkg/accumulator"
	"github.com/relves/anonsignal/pkg/checkpoint"
	"github.com/relves/anonsignal/pkg/policy"
	"github.com/relves/anonsignal/pkg/types"
	"github.com/relves/anonsignal/pkg/verifier"
)

// HTTPHandler serves the membership, registration and verification endpoints.
type HTTPHandler struct {
	groups    Groups
	registrar Registrar
	verifier  Verifier
	policy    *policy.Policy
	maxBody   int64
	signer    *checkpoint.Signer
	origin    string
	log       *slog.Logger
}

func (h *HTTPHandler) RegisterRoutes(r chi.Router) {
	r.Get("/members", h.handleMembers)
	r.Get("/groups", h.handleListGroups)
	r.Get("/groups/{groupID}", h.handleGroup)
	r.Get("/groups/{groupID}/checkpoint", h.handleCheckpoint)
	r.Post("/register", h.handleRegister)
	r.Post("/verify", h.handleVerify)
}

// MembersResponse is the response for GET /members.
type MembersResponse struct {
	GroupID types.GroupID      `json:"groupId"`
	Depth   int                `json:"depth"`
	Hasher  string             `json:"hasher"`
	Root    types.Hash         `json:"root"`
	Members []types.MemberJSON `json:"members"`
}

// handleMembers handles GET /members?groupId=<id>. Commitments are listed in
// index order as decimal strings.
func (h *HTTPHandler) handleMembers(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseGroupID(r.URL.Query().Get("groupId"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	snap, err := h.groups.Snapshot(id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	resp := MembersResponse{
		GroupID: id,
		Depth:   snap.Depth,
		Hasher:  snap.Hasher().Name(),
		Root:    snap.Root,
		Members: make([]types.MemberJSON, len(snap.Members)),
	}
	for i, c := range snap.Members {
		resp.Members[i] = types.MemberJSON{Commitment: c.Decimal()}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) handleListGroups(w http.ResponseWriter, r *http.Request) {
	ids := h.groups.Groups()
	if ids == nil {
		ids = []types.GroupID{}
	}
	writeJSON(w, http.StatusOK, map[string][]types.GroupID{"groups": ids})
}

// GroupResponse is the response for GET /groups/{groupID}.
type GroupResponse struct {
	accumulator.Info
	Threshold   int          `json:"threshold"`
	CanSignal   bool         `json:"canSignal"`
	RecentRoots []types.Hash `json:"recentRoots"`
}

func (h *HTTPHandler) handleGroup(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseGroupID(chi.URLParam(r, "groupID"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	info, err := h.groups.Info(id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	roots, err := h.groups.RecentRoots(id, h.groups.HistorySize()+1)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	threshold := h.policy.ThresholdFor(id)
	writeJSON(w, http.StatusOK, GroupResponse{
		Info:        info,
		Threshold:   threshold,
		CanSignal:   policy.CanSignal(info.Size, threshold),
		RecentRoots: roots,
	})
}

// handleCheckpoint serves the group's signed checkpoint as a text note.
func (h *HTTPHandler) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	if h.signer == nil {
		http.Error(w, "checkpoints are not enabled", http.StatusNotFound)
		return
	}
	id, err := types.ParseGroupID(chi.URLParam(r, "groupID"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	info, err := h.groups.Info(id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	signed, err := checkpoint.Sign(h.signer, checkpoint.Origin(h.origin, id), info)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(signed)
}

// RegisterRequest is the body of POST /register. IYKRef is the field name the
// NFC-chip admission flow uses; it is read when AdmissionRef is empty.
type RegisterRequest struct {
	Username     string        `json:"username"`
	GroupID      types.GroupID `json:"groupId"`
	Commitment   string        `json:"commitment"`
	AdmissionRef string        `json:"admissionRef"`
	IYKRef       string        `json:"iykRef,omitempty"`
}

type RegisterResponse struct {
	Index uint64     `json:"index"`
	Root  types.Hash `json:"root"`
}

func (h *HTTPHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body RegisterRequest
	if err := decodeBody(w, r, h.maxBody, &body); err != nil {
		writeError(w, h.log, err)
		return
	}
	c, err := types.ParseCommitment(body.Commitment)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	ref := body.AdmissionRef
	if ref == "" {
		ref = body.IYKRef
	}

	res, err := h.registrar.Register(r.Context(), types.RegistrationRequest{
		Username:     body.Username,
		GroupID:      body.GroupID,
		Commitment:   c,
		AdmissionRef: ref,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, RegisterResponse{Index: res.Index, Root: res.Root})
}

// VerifyRequest is the body of POST /verify. GroupID defaults to the proof's
// external context. GroupSize is the client's view and is not trusted.
type VerifyRequest struct {
	GroupID    *types.GroupID `json:"groupId,omitempty"`
	Commitment string         `json:"commitment,omitempty"`
	Proof      types.Proof    `json:"proof"`
	GroupSize  int            `json:"groupSize"`
	Message    string         `json:"message"`
}

type VerifyResponse struct {
	Accepted      bool       `json:"accepted"`
	NullifierHash types.Hash `json:"nullifierHash"`
	Root          types.Hash `json:"root"`
}

func (h *HTTPHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var body VerifyRequest
	if err := decodeBody(w, r, h.maxBody, &body); err != nil {
		writeError(w, h.log, err)
		return
	}

	sub := verifier.Submission{
		GroupID:     body.Proof.PublicInputs.ExternalContext,
		Proof:       body.Proof,
		Message:     []byte(body.Message),
		ClaimedSize: body.GroupSize,
	}
	if body.GroupID != nil {
		sub.GroupID = *body.GroupID
	}
	if body.Commitment != "" {
		c, err := types.ParseCommitment(body.Commitment)
		if err != nil {
			writeError(w, h.log, err)
			return
		}
		sub.Commitment = c
	}

	acc, err := h.verifier.Verify(r.Context(), sub)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{Accepted: true, NullifierHash: acc.NullifierHash, Root: acc.Root})
}
