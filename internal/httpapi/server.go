// Package httpapi exposes the credential protocol over HTTP.
package httpapi

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ssilab/ssi-service/internal/challenge"
	"github.com/ssilab/ssi-service/internal/config"
	"github.com/ssilab/ssi-service/internal/did"
	"github.com/ssilab/ssi-service/internal/keys"
	"github.com/ssilab/ssi-service/internal/kvttl"
	"github.com/ssilab/ssi-service/internal/merkle"
	"github.com/ssilab/ssi-service/internal/offer"
	"github.com/ssilab/ssi-service/internal/presentation"
	"github.com/ssilab/ssi-service/internal/schema"
	"github.com/ssilab/ssi-service/internal/storage"
)

// Server wires the protocol components behind the /v1 routes.
type Server struct {
	cfg        config.Config
	log        *zap.Logger
	store      *storage.Store
	kv         kvttl.Store
	keys       *keys.Provider
	didFactory *did.Factory
	challenges *challenge.Manager
	offers     *offer.Store
	idem       *idemCache
	schemas    *schema.Registry
	scheme     merkle.Scheme
	builder    *presentation.Builder
	verifier   *presentation.Verifier
	engine     *gin.Engine
}

// NewServer builds every component from the configuration and registers
// the routes.
func NewServer(cfg config.Config, log *zap.Logger, store *storage.Store, kv kvttl.Store) (*Server, error) {
	provider, err := keys.NewProvider(cfg.KeysDir, cfg.JWKCurve, cfg.JWEAlg, cfg.JWEEnc)
	if err != nil {
		return nil, err
	}
	scheme, err := merkle.ForMode(cfg.MerkleMode)
	if err != nil {
		return nil, err
	}
	schemas, err := schema.NewRegistry()
	if err != nil {
		return nil, err
	}

	challenges := challenge.NewManager(kv)
	s := &Server{
		cfg:        cfg,
		log:        log,
		store:      store,
		kv:         kv,
		keys:       provider,
		didFactory: did.NewFactory(provider, cfg.ServicePrefix),
		challenges: challenges,
		offers:     offer.NewStore(kv),
		idem:       newIdemCache(kv),
		schemas:    schemas,
		scheme:     scheme,
		builder:    presentation.NewBuilder(provider, challenges, scheme),
		verifier:   presentation.NewVerifier(provider, challenges, store, scheme),
	}
	s.engine = s.buildRouter()
	return s, nil
}

// Handler returns the http.Handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) buildRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestID(), s.requestLogger(), s.corsMiddleware())

	r.GET("/healthz", s.healthz)
	r.GET("/readyz", s.readyz)

	v1 := r.Group("/v1")
	{
		v1.POST("/bootstrap/issuer", s.requireAdmin(), s.bootstrapParty("issuer"))
		v1.POST("/bootstrap/holder", s.bootstrapParty("holder"))
		v1.POST("/bootstrap/verifier", s.bootstrapParty("verifier"))

		v1.POST("/issuer/issue", s.requireAdmin(), s.issueCredential)
		v1.GET("/issuer/statuslist/:list_id", s.publishStatusList)
		v1.POST("/issuer/revoke", s.requireAdmin(), s.revokeCredential)
		v1.POST("/issuer/offers", s.requireAdmin(), s.registerOffer)

		v1.POST("/wallet/claim", s.claimOffer)

		v1.POST("/verifier/challenge", s.issueChallenge)
		v1.POST("/verifier/verify", s.verifyPresentation)

		v1.POST("/holder/present", s.buildPresentation)
		v1.GET("/holder/credentials/:holder_did", s.listCredentials)

		v1.POST("/admin/reset", s.requireAdmin(), s.resetState)
	}
	return r
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	conf := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Idempotency-Key", "X-Admin-Token", "X-Request-ID"},
	}
	origins := make([]string, 0, len(s.cfg.UICORSOrigins))
	for _, o := range s.cfg.UICORSOrigins {
		if o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		conf.AllowAllOrigins = true
	} else {
		conf.AllowOrigins = origins
	}
	return cors.New(conf)
}
