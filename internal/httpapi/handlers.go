package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ssilab/ssi-service/internal/model"
	"github.com/ssilab/ssi-service/internal/offer"
	"github.com/ssilab/ssi-service/internal/presentation"
	"github.com/ssilab/ssi-service/internal/storage"
)

func (s *Server) bootstrapParty(role model.Role) gin.HandlerFunc {
	param := "label"
	if role == model.RoleIssuer {
		param = "name"
	}
	return func(c *gin.Context) {
		label := c.Query(param)
		if label == "" {
			detail(c, http.StatusBadRequest, param+" required")
			return
		}
		id, doc, err := s.didFactory.Bootstrap()
		if err != nil {
			s.internal(c, err)
			return
		}
		if err := s.store.SaveParty(c.Request.Context(), role, label, id, doc); err != nil {
			s.internal(c, err)
			return
		}
		resp := model.BootstrapResponse{Doc: doc}
		switch role {
		case model.RoleIssuer:
			resp.IssuerDID = id
		case model.RoleHolder:
			resp.HolderDID = id
		case model.RoleVerifier:
			resp.VerifierDID = id
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (s *Server) issueCredential(c *gin.Context) {
	ctx := c.Request.Context()

	idemKey := c.GetHeader("Idempotency-Key")
	if idemKey == "" {
		detail(c, http.StatusPreconditionRequired, "Idempotency-Key header required")
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		detail(c, http.StatusBadRequest, "unreadable body")
		return
	}
	var req model.IssueRequest
	if err := json.Unmarshal(body, &req); err != nil || req.SubjectDID == "" || req.Attributes == nil {
		detail(c, http.StatusBadRequest, "subject_did and attributes required")
		return
	}

	const route = "POST /v1/issuer/issue"
	if status, resp, hit, err := s.idem.Lookup(ctx, idemKey, route, body); err == nil && hit {
		c.Data(status, "application/json", resp)
		return
	} else if err != nil {
		s.internal(c, err)
		return
	}

	issuer, err := s.store.DefaultParty(ctx, model.RoleIssuer)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			detail(c, http.StatusBadRequest, "no issuer configured")
			return
		}
		s.internal(c, err)
		return
	}

	resp, herr := s.issue(c, issuer, req.SubjectDID, req.Attributes)
	if herr != nil {
		return
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		s.internal(c, err)
		return
	}
	if err := s.idem.Store(ctx, idemKey, route, body, http.StatusOK, raw); err != nil {
		s.log.Warn("idempotency record not stored", zap.Error(err))
	}
	c.Data(http.StatusOK, "application/json", raw)
}

// issue validates attributes, allocates a status index, commits the
// attribute set, persists the credential and signs it. On failure the
// response has already been written and a non-nil error is returned.
func (s *Server) issue(c *gin.Context, issuer *model.Party, subjectDID string, attrs map[string]interface{}) (*model.IssueResponse, error) {
	ctx := c.Request.Context()

	if err := s.schemas.ValidateAttributes(model.SchemaStudentID, attrs); err != nil {
		detail(c, http.StatusBadRequest, err.Error())
		return nil, err
	}

	cred, err := s.store.CreateCredential(ctx, issuer.DID, subjectDID, attrs, func(a map[string]interface{}) (model.Merkle, error) {
		return s.scheme.Commit(a, nil)
	})
	if err != nil {
		s.internal(c, err)
		return nil, err
	}

	signature, err := s.keys.SignVC(issuer.DID, cred)
	if err != nil {
		s.internal(c, err)
		return nil, err
	}
	return &model.IssueResponse{Credential: *cred, IssuerSignature: signature}, nil
}

func (s *Server) publishStatusList(c *gin.Context) {
	doc, err := s.store.Publish(c.Request.Context(), c.Param("list_id"))
	if err != nil {
		s.internal(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) revokeCredential(c *gin.Context) {
	var req model.RevokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		detail(c, http.StatusBadRequest, "cred_id required")
		return
	}
	if err := s.store.Revoke(c.Request.Context(), req.CredID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			detail(c, http.StatusNotFound, "credential not found")
			return
		}
		s.internal(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) registerOffer(c *gin.Context) {
	var req model.OfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		detail(c, http.StatusBadRequest, "challenge, issuer_did and claims required")
		return
	}
	ttl := offer.ClampTTL(req.TTLSeconds)
	o := model.Offer{
		Challenge:  req.Challenge,
		IssuerDID:  req.IssuerDID,
		Claims:     req.Claims,
		TTLSeconds: ttl,
	}
	if err := s.offers.Put(c.Request.Context(), o); err != nil {
		s.internal(c, err)
		return
	}
	c.JSON(http.StatusOK, model.OfferResponse{OK: true, Challenge: req.Challenge, TTLSeconds: ttl})
}

func (s *Server) claimOffer(c *gin.Context) {
	ctx := c.Request.Context()

	var req model.ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		detail(c, http.StatusBadRequest, "challenge, holder_did and attributes required")
		return
	}

	taken, err := s.offers.Take(ctx, req.Challenge)
	if err != nil {
		if errors.Is(err, offer.ErrNotFound) {
			detail(c, http.StatusNotFound, "offer not found or expired")
			return
		}
		s.internal(c, err)
		return
	}
	// The coupon is consumed from here on; any failure before the
	// credential lands must put it back.
	restore := func() {
		if err := s.offers.Restore(ctx, taken); err != nil {
			s.log.Warn("offer not restored", zap.Error(err))
		}
	}

	holder, err := s.store.PartyByDID(ctx, model.RoleHolder, req.HolderDID)
	if err != nil {
		restore()
		if errors.Is(err, storage.ErrNotFound) {
			detail(c, http.StatusBadRequest, "unknown holder")
			return
		}
		s.internal(c, err)
		return
	}

	for claim, required := range taken.Offer.Claims {
		if !required {
			continue
		}
		if _, ok := req.Attributes[claim]; !ok {
			restore()
			detail(c, http.StatusBadRequest, "missing claim attributes")
			return
		}
	}

	issuer, err := s.store.PartyByDID(ctx, model.RoleIssuer, taken.Offer.IssuerDID)
	if err != nil {
		restore()
		if errors.Is(err, storage.ErrNotFound) {
			detail(c, http.StatusBadRequest, "no issuer configured")
			return
		}
		s.internal(c, err)
		return
	}

	resp, herr := s.issue(c, issuer, holder.DID, req.Attributes)
	if herr != nil {
		restore()
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) issueChallenge(c *gin.Context) {
	var req model.ChallengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		detail(c, http.StatusBadRequest, "aud required")
		return
	}
	ch, err := s.challenges.Issue(c.Request.Context(), req.Aud)
	if err != nil {
		s.internal(c, err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

func (s *Server) verifyPresentation(c *gin.Context) {
	ctx := c.Request.Context()

	verifier, err := s.store.DefaultParty(ctx, model.RoleVerifier)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			detail(c, http.StatusBadRequest, "no verifier configured")
			return
		}
		s.internal(c, err)
		return
	}

	var box model.Box
	if err := c.ShouldBindJSON(&box); err != nil {
		detail(c, http.StatusBadRequest, "malformed presentation box")
		return
	}

	result, err := s.verifier.Verify(ctx, verifier.DID, box)
	if err != nil {
		var reject *presentation.RejectError
		if errors.As(err, &reject) {
			detail(c, http.StatusBadRequest, reject.Reason)
			return
		}
		s.internal(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) buildPresentation(c *gin.Context) {
	ctx := c.Request.Context()

	var req model.PresentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		detail(c, http.StatusBadRequest, "holder_did, cred_id and verifier_did required")
		return
	}

	_, holderErr := s.store.PartyByDID(ctx, model.RoleHolder, req.HolderDID)
	verifier, verifierErr := s.store.PartyByDID(ctx, model.RoleVerifier, req.VerifierDID)
	if holderErr != nil || verifierErr != nil {
		if errors.Is(holderErr, storage.ErrNotFound) || errors.Is(verifierErr, storage.ErrNotFound) {
			detail(c, http.StatusBadRequest, "unknown holder or verifier")
			return
		}
		if holderErr != nil {
			s.internal(c, holderErr)
		} else {
			s.internal(c, verifierErr)
		}
		return
	}

	cred, err := s.store.Credential(ctx, req.CredID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.internal(c, err)
		return
	}
	if cred == nil || cred.Subject != req.HolderDID {
		detail(c, http.StatusBadRequest, "credential not found or not owned by holder")
		return
	}

	box, err := s.builder.Build(ctx, verifier.Doc, cred, req.RevealFields)
	if err != nil {
		s.internal(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"box": box})
}

func (s *Server) listCredentials(c *gin.Context) {
	creds, err := s.store.CredentialsForHolder(c.Request.Context(), c.Param("holder_did"))
	if err != nil {
		s.internal(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credentials": creds})
}

func (s *Server) resetState(c *gin.Context) {
	ctx := c.Request.Context()
	if err := s.store.Reset(ctx); err != nil {
		s.internal(c, err)
		return
	}
	if err := s.kv.FlushAll(ctx); err != nil {
		s.internal(c, err)
		return
	}
	if err := s.keys.Reset(); err != nil {
		s.internal(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) healthz(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		s.internal(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "ts": time.Now().Unix()})
}

func (s *Server) readyz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) internal(c *gin.Context, err error) {
	s.log.Error("request failed",
		zap.String("path", c.Request.URL.Path),
		zap.Error(err),
	)
	detail(c, http.StatusInternalServerError, err.Error())
}
