// Package model holds the wire and storage types shared across the
// service: DID documents, credentials, merkle commitments, challenges,
// offers and the request/response payloads of the HTTP API.
package model

import "encoding/json"

// Role distinguishes the three parties of the credential protocol.
type Role string

const (
	RoleIssuer   Role = "issuer"
	RoleHolder   Role = "holder"
	RoleVerifier Role = "verifier"
)

// SchemaStudentID is the only credential schema the service issues.
const SchemaStudentID = "example:student-id-v1"

// DIDDoc associates a DID with its public key material and inbox endpoint.
type DIDDoc struct {
	DID             string `json:"did"`
	PublicSign      string `json:"public_sign"`
	PublicAgree     string `json:"public_agree"`
	ServiceEndpoint string `json:"service_endpoint"`
}

// Party is a stored issuer, holder or verifier.
type Party struct {
	DID   string `json:"did"`
	Label string `json:"label"`
	Doc   DIDDoc `json:"did_doc"`
}

// Merkle is the attribute commitment carried inside a credential. Paths
// are kept as raw JSON so the stub openings and real SMT proofs share one
// wire shape.
type Merkle struct {
	Order []string          `json:"order"`
	Root  string            `json:"root"`
	Paths []json.RawMessage `json:"paths"`
}

// StatusRef points a credential at its slot in a revocation status list.
type StatusRef struct {
	ListID string `json:"list_id"`
	Index  int    `json:"index"`
}

// Credential is the issued record, as stored and as returned to callers.
type Credential struct {
	ID       string                 `json:"id"`
	Issuer   string                 `json:"issuer"`
	Subject  string                 `json:"subject"`
	Schema   string                 `json:"schema"`
	Attrs    map[string]interface{} `json:"attrs"`
	Merkle   Merkle                 `json:"merkle"`
	Status   StatusRef              `json:"status"`
	IssuedAt int64                  `json:"issued_at"`
}

// StatusListDoc is the published form of a revocation bitmap.
type StatusListDoc struct {
	ID       string `json:"id"`
	Encoding string `json:"encoding"`
	Data     string `json:"data"`
}

// Challenge is a short-lived nonce bound to a verifier audience.
type Challenge struct {
	Nonce string `json:"nonce"`
	Aud   string `json:"aud"`
	Exp   int64  `json:"exp"`
}

// Offer is an issuer-registered coupon a holder can claim once.
type Offer struct {
	Challenge  string          `json:"challenge"`
	IssuerDID  string          `json:"issuer_did"`
	Claims     map[string]bool `json:"claims"`
	TTLSeconds int             `json:"ttl_seconds"`
}

// Box carries the five JWE compact segments of an encrypted presentation.
type Box struct {
	Protected string `json:"protected"`
	Eph       string `json:"eph"`
	Nonce     string `json:"nonce"`
	CT        string `json:"ct"`
	Tag       string `json:"tag"`
}

// PresentedCredential is the credential-derived part of a presentation
// payload: identity and status plus only the revealed attributes.
type PresentedCredential struct {
	ID       string                 `json:"id"`
	Issuer   string                 `json:"issuer"`
	Subject  string                 `json:"subject"`
	Schema   string                 `json:"schema"`
	Status   StatusRef              `json:"status"`
	Root     string                 `json:"root"`
	Order    []string               `json:"order"`
	Proofs   []json.RawMessage      `json:"proofs"`
	Revealed map[string]interface{} `json:"revealed"`
}

// PresentationPayload is the plaintext encrypted into a Box.
type PresentationPayload struct {
	Aud   string              `json:"aud"`
	IAT   int64               `json:"iat"`
	Exp   int64               `json:"exp"`
	Nonce string              `json:"nonce"`
	Cred  PresentedCredential `json:"cred"`
}

// VerifyResult is the verifier's answer for an accepted presentation.
type VerifyResult struct {
	OK        bool                   `json:"ok"`
	Message   string                 `json:"message"`
	Disclosed map[string]interface{} `json:"disclosed"`
}

// Request/response bodies of the HTTP surface.

type IssueRequest struct {
	SubjectDID string                 `json:"subject_did" binding:"required"`
	Attributes map[string]interface{} `json:"attributes" binding:"required"`
}

type IssueResponse struct {
	Credential
	IssuerSignature string `json:"issuer_signature"`
}

type RevokeRequest struct {
	CredID string `json:"cred_id" binding:"required"`
}

type ChallengeRequest struct {
	Aud string `json:"aud" binding:"required"`
}

type PresentRequest struct {
	HolderDID    string   `json:"holder_did" binding:"required"`
	CredID       string   `json:"cred_id" binding:"required"`
	RevealFields []string `json:"reveal_fields"`
	VerifierDID  string   `json:"verifier_did" binding:"required"`
}

type OfferRequest struct {
	Challenge  string          `json:"challenge" binding:"required"`
	IssuerDID  string          `json:"issuer_did" binding:"required"`
	Claims     map[string]bool `json:"claims" binding:"required"`
	TTLSeconds *int            `json:"ttl_seconds"`
}

type OfferResponse struct {
	OK         bool   `json:"ok"`
	Challenge  string `json:"challenge"`
	TTLSeconds int    `json:"ttl_seconds"`
}

type ClaimRequest struct {
	Challenge  string                 `json:"challenge" binding:"required"`
	HolderDID  string                 `json:"holder_did" binding:"required"`
	Attributes map[string]interface{} `json:"attributes" binding:"required"`
}

type BootstrapResponse struct {
	IssuerDID   string `json:"issuer_did,omitempty"`
	HolderDID   string `json:"holder_did,omitempty"`
	VerifierDID string `json:"verifier_did,omitempty"`
	Doc         DIDDoc `json:"did_doc"`
}
