package storage

import "time"

// Row types map one-to-one onto the persisted layout: three party tables
// keyed by DID, credentials keyed by id, revocations keyed by
// (list_id, idx), statuslists keyed by list_id. Credentials additionally
// carry list_id/status_index as real columns so allocation and listing
// can query them without JSON operators.

type issuerRow struct {
	DID       string `gorm:"column:did;primaryKey"`
	Name      string `gorm:"column:name;not null"`
	DIDDoc    []byte `gorm:"column:did_doc;not null"`
	CreatedAt time.Time
}

func (issuerRow) TableName() string { return "issuers" }

type holderRow struct {
	DID       string `gorm:"column:did;primaryKey"`
	Label     string `gorm:"column:label;not null"`
	DIDDoc    []byte `gorm:"column:did_doc;not null"`
	CreatedAt time.Time
}

func (holderRow) TableName() string { return "holders" }

type verifierRow struct {
	DID       string `gorm:"column:did;primaryKey"`
	Label     string `gorm:"column:label;not null"`
	DIDDoc    []byte `gorm:"column:did_doc;not null"`
	CreatedAt time.Time
}

func (verifierRow) TableName() string { return "verifiers" }

type credentialRow struct {
	ID          string `gorm:"column:id;primaryKey"`
	Issuer      string `gorm:"column:issuer;not null"`
	Subject     string `gorm:"column:subject;not null;index"`
	Schema      string `gorm:"column:schema;not null"`
	Attrs       []byte `gorm:"column:attrs;not null"`
	Merkle      []byte `gorm:"column:merkle;not null"`
	Status      []byte `gorm:"column:status;not null"`
	ListID      string `gorm:"column:list_id;not null;index"`
	StatusIndex int    `gorm:"column:status_index;not null"`
	IssuedAt    int64  `gorm:"column:issued_at;not null"`
	CreatedAt   time.Time
}

func (credentialRow) TableName() string { return "credentials" }

type revocationRow struct {
	ListID string `gorm:"column:list_id;primaryKey"`
	Idx    int    `gorm:"column:idx;primaryKey;autoIncrement:false"`
}

func (revocationRow) TableName() string { return "revocations" }

type statusListRow struct {
	ListID string `gorm:"column:list_id;primaryKey"`
	Issuer string `gorm:"column:issuer;not null"`
	Bitmap []byte `gorm:"column:bitmap"`
}

func (statusListRow) TableName() string { return "statuslists" }
